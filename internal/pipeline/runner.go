package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/scheduler"
)

// Builder creates a phase processor bound to a run id.
type Builder func(runID string) crawler.Processor

// Reports keeps the most recent phase report.
type Reports struct {
	mu   sync.RWMutex
	last *scheduler.Report
}

// Record stores r as the latest report.
func (r *Reports) Record(report scheduler.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &report
}

// Last returns the latest report, if any.
func (r *Reports) Last() (scheduler.Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.last == nil {
		return scheduler.Report{}, false
	}
	return *r.last, true
}

// Runner executes phases through the scheduler, one run id per phase.
type Runner struct {
	sched    *scheduler.Scheduler
	ids      crawler.IDGenerator
	reports  *Reports
	logger   *zap.Logger
	builders map[string]Builder
	order    []string
}

// NewRunner builds a Runner. reports may be nil.
func NewRunner(sched *scheduler.Scheduler, ids crawler.IDGenerator, reports *Reports, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reports == nil {
		reports = &Reports{}
	}
	return &Runner{
		sched:    sched,
		ids:      ids,
		reports:  reports,
		logger:   logger.Named("runner"),
		builders: make(map[string]Builder),
	}
}

// Register adds a phase. Phases run in registration order.
func (r *Runner) Register(phase string, b Builder) {
	if _, ok := r.builders[phase]; !ok {
		r.order = append(r.order, phase)
	}
	r.builders[phase] = b
}

// Phases lists registered phases in order.
func (r *Runner) Phases() []string {
	return append([]string(nil), r.order...)
}

// Reports returns the report store.
func (r *Runner) Reports() *Reports { return r.reports }

// Run executes one phase.
func (r *Runner) Run(ctx context.Context, phase string) (scheduler.Report, error) {
	build, ok := r.builders[phase]
	if !ok {
		return scheduler.Report{Phase: phase}, fmt.Errorf("unknown phase %q", phase)
	}
	runID, err := r.ids.NewID()
	if err != nil {
		return scheduler.Report{Phase: phase}, fmt.Errorf("run id: %w", err)
	}
	logger := r.logger.With(zap.String("phase", phase), zap.String("run_id", runID))
	logger.Info("phase starting")

	report, err := r.sched.RunProcessor(ctx, build(runID))
	report.RunID = runID
	if err != nil {
		report.Err = err.Error()
	}
	r.reports.Record(report)

	fields := []zap.Field{
		zap.Int("items", report.Items),
		zap.Int("batches", report.Batches),
		zap.Int("failed_chunks", report.FailedChunks),
	}
	if err != nil {
		logger.Error("phase failed", append(fields, zap.Error(err))...)
		return report, err
	}
	logger.Info("phase complete", fields...)
	return report, nil
}

// RunAll executes the given phases, or every registered phase, in order and
// stops at the first failure.
func (r *Runner) RunAll(ctx context.Context, phases ...string) ([]scheduler.Report, error) {
	if len(phases) == 0 {
		phases = r.order
	}
	reports := make([]scheduler.Report, 0, len(phases))
	for _, phase := range phases {
		report, err := r.Run(ctx, phase)
		reports = append(reports, report)
		if err != nil {
			return reports, fmt.Errorf("phase %s: %w", phase, err)
		}
	}
	return reports, nil
}

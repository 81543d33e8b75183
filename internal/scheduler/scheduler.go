// Package scheduler runs a phase processor over its work items with a fixed
// pool of workers. Each chunk of a batch gets its own fetcher and store
// session, so a failing session only costs that chunk.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/metrics"
)

// Config controls batching and flushing.
type Config struct {
	Workers         int
	BatchSize       int
	CommitFrequency int
	InterBatchDelay time.Duration
}

// Report summarizes a run.
type Report struct {
	Phase        string        `json:"phase"`
	RunID        string        `json:"run_id,omitempty"`
	Items        int           `json:"items"`
	Batches      int           `json:"batches"`
	Chunks       int           `json:"chunks"`
	FailedChunks int           `json:"failed_chunks"`
	Stats        crawler.Stats `json:"stats"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Err          string        `json:"error,omitempty"`
}

// Accumulator is the run-wide stats total shared by all chunks.
type Accumulator struct {
	mu    sync.Mutex
	stats crawler.Stats
}

// Add merges s into the total.
func (a *Accumulator) Add(s crawler.Stats) {
	a.mu.Lock()
	a.stats = a.stats.Add(s)
	a.mu.Unlock()
}

// Snapshot returns the current total.
func (a *Accumulator) Snapshot() crawler.Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// Scheduler fans work items out to chunk workers.
type Scheduler struct {
	cfg     Config
	factory crawler.EnvFactory
	logger  *zap.Logger
	sleep   func(context.Context, time.Duration) error
}

// New builds a Scheduler, filling unset sizes with defaults.
func New(cfg Config, factory crawler.EnvFactory, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.CommitFrequency <= 0 {
		cfg.CommitFrequency = 10
	}
	return &Scheduler{
		cfg:     cfg,
		factory: factory,
		logger:  logger.Named("scheduler"),
		sleep:   crawler.Sleep,
	}
}

// RunProcessor lists the processor's items and runs them.
func (s *Scheduler) RunProcessor(ctx context.Context, proc crawler.Processor) (Report, error) {
	items, err := proc.Items(ctx)
	if err != nil {
		return Report{Phase: proc.Name()}, fmt.Errorf("list %s items: %w", proc.Name(), err)
	}
	return s.Run(ctx, proc, items)
}

// Run processes items batch by batch. It returns early, after running chunks
// finish, when the context ends or a processor reports a fatal error.
func (s *Scheduler) Run(ctx context.Context, proc crawler.Processor, items []crawler.WorkItem) (Report, error) {
	phase := proc.Name()
	report := Report{Phase: phase, Items: len(items), StartedAt: time.Now()}
	logger := s.logger.With(zap.String("phase", phase))
	acc := &Accumulator{}

	var runErr error
	for start := 0; start < len(items); start += s.cfg.BatchSize {
		end := min(start+s.cfg.BatchSize, len(items))
		batch := items[start:end]
		report.Batches++

		chunks := split(batch, s.cfg.Workers)
		report.Chunks += len(chunks)
		failed, fatal := s.runBatch(ctx, proc, chunks, acc)
		report.FailedChunks += failed

		logger.Info("batch complete",
			zap.Int("batch", report.Batches),
			zap.Int("items", len(batch)),
			zap.Int("chunks", len(chunks)),
			zap.Int("failed_chunks", failed),
		)
		if fatal != nil {
			runErr = fatal
			break
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if end < len(items) {
			if err := s.sleep(ctx, s.cfg.InterBatchDelay); err != nil {
				runErr = err
				break
			}
		}
	}

	report.Stats = acc.Snapshot()
	report.Duration = time.Since(report.StartedAt)
	if runErr != nil {
		report.Err = runErr.Error()
	}
	logger.Info("phase finished",
		zap.Int("processed", report.Stats.Processed),
		zap.Int("new", report.Stats.New),
		zap.Int("updated", report.Stats.Updated),
		zap.Int("skipped", report.Stats.Skipped),
		zap.Int("errors", report.Stats.Errors),
		zap.Int("relations", report.Stats.Relations),
		zap.Duration("duration", report.Duration),
	)
	return report, runErr
}

// split cuts batch into at most workers chunks of ceil(len/workers) items.
func split(batch []crawler.WorkItem, workers int) [][]crawler.WorkItem {
	if len(batch) == 0 {
		return nil
	}
	size := (len(batch) + workers - 1) / workers
	chunks := make([][]crawler.WorkItem, 0, workers)
	for i := 0; i < len(batch); i += size {
		chunks = append(chunks, batch[i:min(i+size, len(batch))])
	}
	return chunks
}

func (s *Scheduler) runBatch(
	ctx context.Context,
	proc crawler.Processor,
	chunks [][]crawler.WorkItem,
	acc *Accumulator,
) (int, error) {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
		fatal  error
	)
	for i, chunk := range chunks {
		wg.Add(1)
		go func(index int, chunk []crawler.WorkItem) {
			defer wg.Done()
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			stats, chunkErr, fatalErr := s.runChunk(ctx, index, proc, chunk)
			acc.Add(stats)
			if chunkErr == nil && fatalErr == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if chunkErr != nil {
				failed++
			}
			if fatalErr != nil && fatal == nil {
				fatal = fatalErr
			}
		}(i, chunk)
	}
	wg.Wait()
	return failed, fatal
}

// runChunk processes one chunk sequentially in a fresh worker environment.
// A non-nil chunkErr means every item of the chunk was counted as an error.
func (s *Scheduler) runChunk(
	ctx context.Context,
	index int,
	proc crawler.Processor,
	chunk []crawler.WorkItem,
) (stats crawler.Stats, chunkErr, fatal error) {
	phase := proc.Name()
	logger := s.logger.With(zap.String("phase", phase), zap.Int("worker", index))
	failChunk := func(err error) {
		chunkErr = err
		stats = crawler.Stats{Errors: len(chunk)}
		metrics.ObserveChunkFailure(phase)
		logger.Error("chunk failed", zap.Int("items", len(chunk)), zap.Error(err))
	}
	defer func() {
		if r := recover(); r != nil {
			failChunk(fmt.Errorf("panic: %v", r))
		}
	}()

	env, err := s.factory.NewEnv(ctx, index)
	if err != nil {
		failChunk(fmt.Errorf("build worker env: %w", err))
		return stats, chunkErr, nil
	}
	if env.Logger == nil {
		env.Logger = logger
	}
	session := env.Session
	defer func() {
		if err := session.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("session close failed", zap.Error(err))
		}
	}()

	pending := 0
	for _, item := range chunk {
		if ctx.Err() != nil {
			break
		}
		if err := session.BeginItem(ctx); err != nil {
			failChunk(fmt.Errorf("begin item %s: %w", item.Key, err))
			return stats, chunkErr, fatal
		}
		itemStats, err := proc.Process(ctx, env, item)
		switch {
		case err != nil:
			stats.Errors++
			if crawler.IsFatal(err) && fatal == nil {
				fatal = err
			}
			metrics.ObserveItem(phase, "error")
			logger.Warn("item failed", zap.String("key", item.Key), zap.Error(err))
			if rbErr := session.EndItem(context.WithoutCancel(ctx), false); rbErr != nil {
				failChunk(fmt.Errorf("rollback item %s: %w", item.Key, rbErr))
				return stats, chunkErr, fatal
			}
		default:
			stats = stats.Add(itemStats)
			status := "ok"
			if itemStats.Errors > 0 {
				status = "error"
			}
			metrics.ObserveItem(phase, status)
			if err := session.EndItem(ctx, true); err != nil {
				failChunk(fmt.Errorf("release item %s: %w", item.Key, err))
				return stats, chunkErr, fatal
			}
		}

		pending++
		if pending >= s.cfg.CommitFrequency {
			if err := session.Flush(ctx); err != nil {
				failChunk(fmt.Errorf("flush: %w", err))
				return stats, chunkErr, fatal
			}
			pending = 0
		}
	}
	if pending > 0 {
		if err := session.Flush(context.WithoutCancel(ctx)); err != nil {
			failChunk(fmt.Errorf("final flush: %w", err))
		}
	}
	return stats, chunkErr, fatal
}

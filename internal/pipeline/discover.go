// Package pipeline holds the phase processors driven by the batch scheduler
// and the runner that sequences them.
package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/pagination"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
)

// Phase names.
const (
	PhaseDiscover  = "discover"
	PhaseEnrich    = "enrich"
	PhaseRelations = "relations"
)

// Discover walks every configured listing and upserts what it finds. One
// work item is one listing.
type Discover struct {
	profile sources.Profile
	walker  pagination.Config
	logger  *zap.Logger
}

var _ crawler.Processor = (*Discover)(nil)

// NewDiscover builds the discovery processor. walker carries the ceilings and
// delay; selectors come from the profile.
func NewDiscover(profile sources.Profile, walker pagination.Config, logger *zap.Logger) *Discover {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := profile.Walker
	cfg.MaxPages = walker.MaxPages
	cfg.MaxEmptyPages = walker.MaxEmptyPages
	cfg.PageDelay = walker.PageDelay
	return &Discover{profile: profile, walker: cfg, logger: logger.Named(PhaseDiscover)}
}

// Name implements crawler.Processor.
func (d *Discover) Name() string { return PhaseDiscover }

// Items returns one item per listing.
func (d *Discover) Items(context.Context) ([]crawler.WorkItem, error) {
	items := make([]crawler.WorkItem, 0, len(d.profile.Listings))
	for _, l := range d.profile.Listings {
		items = append(items, crawler.WorkItem{Key: l.Category, URL: l.URL, Category: l.Category})
	}
	return items, nil
}

// Process walks one listing. A listing whose first page cannot be loaded
// aborts the run.
func (d *Discover) Process(ctx context.Context, env *crawler.WorkerEnv, item crawler.WorkItem) (crawler.Stats, error) {
	logger := env.Logger.With(zap.String("category", item.Category))
	walker := pagination.New(d.walker, env.Fetcher, logger)
	res, err := walker.Walk(ctx, item.Category, item.URL)
	if err != nil {
		if errors.Is(err, pagination.ErrInitialPage) && ctx.Err() == nil {
			return crawler.Stats{}, &crawler.FatalError{Err: err}
		}
		return crawler.Stats{}, err
	}

	stats := crawler.Stats{Skipped: res.Duplicates}
	if res.Partial {
		stats.Errors++
		logger.Warn("listing walk ended early",
			zap.Int("pages", res.Pages),
			zap.Int("items", len(res.Items)),
			zap.String("stop_reason", string(res.StopReason)),
			zap.Error(res.Err),
		)
	}
	category := crawler.String(item.Category)
	for _, it := range res.Items {
		var out crawler.UpsertResult
		err := env.Session.WithSavepoint(ctx, func() error {
			var err error
			out, err = env.Session.Upsert(ctx, it.Key, crawler.EntityFields{
				Category:  category,
				DetailURL: crawler.String(canonicalURL(it.URL)),
			})
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			stats.Errors++
			logger.Warn("entity upsert failed", zap.String("external_id", it.Key), zap.Error(err))
			continue
		}
		stats.Processed++
		if out.Outcome == crawler.OutcomeCreated {
			stats.New++
		} else {
			stats.Updated++
		}
	}
	logger.Info("listing walked",
		zap.Int("pages", res.Pages),
		zap.Int("new", stats.New),
		zap.Int("updated", stats.Updated),
		zap.Int("duplicates", res.Duplicates),
		zap.String("stop_reason", string(res.StopReason)),
	)
	return stats, nil
}

// canonicalURL normalizes raw so repeated discoveries store the same string.
func canonicalURL(raw string) string {
	if n, err := crawler.NormalizeURL(raw); err == nil {
		return n
	}
	return raw
}

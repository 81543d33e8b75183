package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
)

// Relations backfills edges from the related-acts block of processed
// entities, creating stubs for targets not seen yet.
type Relations struct {
	profile sources.Profile
	lister  crawler.EntityLister
	limit   int
	logger  *zap.Logger
}

var _ crawler.Processor = (*Relations)(nil)

// NewRelations builds the relations processor.
func NewRelations(profile sources.Profile, lister crawler.EntityLister, limit int, logger *zap.Logger) *Relations {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relations{profile: profile, lister: lister, limit: limit, logger: logger.Named(PhaseRelations)}
}

// Name implements crawler.Processor.
func (r *Relations) Name() string { return PhaseRelations }

// Items lists processed entities.
func (r *Relations) Items(ctx context.Context) ([]crawler.WorkItem, error) {
	return entityItems(ctx, r.lister, r.profile, false, r.limit)
}

// Process links one entity to every act in its related block.
func (r *Relations) Process(ctx context.Context, env *crawler.WorkerEnv, item crawler.WorkItem) (crawler.Stats, error) {
	logger := env.Logger.With(zap.String("external_id", item.Key))
	resp, err := env.Fetcher.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: item.URL})
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("fetch detail %s: %w", item.Key, err)
	}
	page, err := postback.Parse(resp)
	if err != nil {
		return crawler.Stats{}, err
	}

	stats := crawler.Stats{Processed: 1}
	sel := r.profile.Relation
	container := page.Doc.Find(sel.Container).First()
	if container.Length() == 0 {
		return stats, nil
	}
	source, err := env.Session.Get(ctx, item.Key)
	if err != nil {
		return crawler.Stats{}, err
	}

	boxes := container.Find(sel.Box)
	for i := range boxes.Length() {
		box := boxes.Eq(i)
		href, ok := box.Find(sel.Link).First().Attr("href")
		if !ok {
			stats.Skipped++
			continue
		}
		targetID, targetURL, ok := crawler.ExternalIDFromURL(page.URL, href, r.profile.KeyParam)
		if !ok || targetID == source.ExternalID {
			stats.Skipped++
			continue
		}
		label, ok := postback.Text(box, sel.Label)
		if !ok {
			stats.Skipped++
			continue
		}
		label = strings.ToLower(label)

		target, created, err := env.Session.EnsureStub(ctx, targetID, crawler.EntityFields{
			Category:  source.Category,
			DetailURL: crawler.String(canonicalURL(targetURL.String())),
		})
		if err != nil {
			if errors.Is(err, crawler.ErrConflict) {
				stats.Errors++
				logger.Warn("relation target conflict", zap.String("target", targetID), zap.Error(err))
				continue
			}
			return stats, err
		}
		if created {
			stats.New++
		}
		linked, err := env.Session.LinkRelation(ctx, crawler.Relation{
			SourceID:     source.ID,
			TargetID:     target.ID,
			RelationType: sources.ClassifyRelation(r.profile.Vocabulary, label),
			Comment:      crawler.String(label),
		})
		if err != nil {
			return stats, err
		}
		if linked {
			stats.Relations++
		} else {
			stats.Skipped++
		}
	}
	logger.Debug("relations processed", zap.Int("relations", stats.Relations), zap.Int("stubs", stats.New))
	return stats, nil
}

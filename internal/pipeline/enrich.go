package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/extract"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
)

// TextHasher digests extracted text for events.
type TextHasher interface {
	HashText(text string) (string, error)
}

// EnrichConfig wires the enrich processor.
type EnrichConfig struct {
	Profile   sources.Profile
	Extract   extract.Config
	Deps      extract.Deps
	Publisher crawler.Publisher
	Topic     string
	Hasher    TextHasher
	Clock     crawler.Clock
	Limit     int
}

// Enrich reads detail metadata and document text for unprocessed entities.
type Enrich struct {
	cfg    EnrichConfig
	lister crawler.EntityLister
	runID  string
	logger *zap.Logger
}

var _ crawler.Processor = (*Enrich)(nil)

// NewEnrich builds the enrich processor for one run.
func NewEnrich(cfg EnrichConfig, lister crawler.EntityLister, runID string, logger *zap.Logger) *Enrich {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if len(cfg.Extract.ContentSelectors) == 0 {
		cfg.Extract.ContentSelectors = cfg.Profile.ContentSelectors
	}
	if cfg.Extract.UnavailableMarker == "" {
		cfg.Extract.UnavailableMarker = cfg.Profile.UnavailableMarker
	}
	if cfg.Extract.DownloadSelector == "" {
		cfg.Extract.DownloadSelector = cfg.Profile.DownloadSelector
	}
	if cfg.Extract.RequiredTokens == nil {
		cfg.Extract.RequiredTokens = cfg.Profile.Walker.RequiredTokens
	}
	return &Enrich{cfg: cfg, lister: lister, runID: runID, logger: logger.Named(PhaseEnrich)}
}

// Name implements crawler.Processor.
func (e *Enrich) Name() string { return PhaseEnrich }

// Items lists entities still marked unprocessed.
func (e *Enrich) Items(ctx context.Context) ([]crawler.WorkItem, error) {
	return entityItems(ctx, e.lister, e.cfg.Profile, true, e.cfg.Limit)
}

// Process stores detail metadata, then runs the extraction chain. An
// exhausted chain keeps the metadata and leaves the entity unprocessed.
func (e *Enrich) Process(ctx context.Context, env *crawler.WorkerEnv, item crawler.WorkItem) (crawler.Stats, error) {
	logger := env.Logger.With(zap.String("external_id", item.Key))
	resp, err := env.Fetcher.Fetch(ctx, crawler.FetchRequest{Method: http.MethodGet, URL: item.URL})
	if err != nil {
		return crawler.Stats{}, fmt.Errorf("fetch detail %s: %w", item.Key, err)
	}
	page, err := postback.Parse(resp)
	if err != nil {
		return crawler.Stats{}, err
	}
	fields := ParseDetail(page.Doc, e.cfg.Profile.Detail)
	fields.ProcessedAt = crawler.Time(e.cfg.Clock.Now())
	if err := env.Session.Update(ctx, item.Key, fields); err != nil {
		return crawler.Stats{}, err
	}
	entity, err := env.Session.Get(ctx, item.Key)
	if err != nil {
		return crawler.Stats{}, err
	}

	extractor := extract.New(e.cfg.Extract, e.cfg.Deps, env.Fetcher, logger)
	res, err := extractor.Extract(ctx, item.URL, entity)
	if err != nil {
		if errors.Is(err, crawler.ErrExtractionFailed) {
			logger.Warn("text extraction failed", zap.Error(err))
			return crawler.Stats{Processed: 1, Errors: 1}, nil
		}
		return crawler.Stats{}, err
	}

	extractedAt := e.cfg.Clock.Now()
	body := res.Text
	update := crawler.EntityFields{
		Body:            &body,
		TextExtractedAt: crawler.Time(extractedAt),
		ArtifactPath:    crawler.String(res.ArtifactURI),
		Unprocessed:     crawler.Bool(false),
	}
	if res.Downloaded {
		update.PDFDownloaded = crawler.Bool(res.Format == extract.FormatPDF)
	}
	if err := env.Session.Update(ctx, item.Key, update); err != nil {
		return crawler.Stats{}, err
	}
	logger.Debug("entity enriched",
		zap.String("step", string(res.Step)),
		zap.Int("chars", utf8.RuneCountInString(body)),
	)
	e.publish(ctx, logger, entity, res, extractedAt)
	return crawler.Stats{Processed: 1, Updated: 1}, nil
}

func (e *Enrich) publish(ctx context.Context, logger *zap.Logger, entity crawler.Entity, res extract.Result, at time.Time) {
	if e.cfg.Publisher == nil || e.cfg.Topic == "" {
		return
	}
	event := crawler.EntityProcessedEvent{
		RunID:       e.runID,
		ExternalID:  entity.ExternalID,
		Category:    crawler.Deref(entity.Category),
		DetailURL:   crawler.Deref(entity.DetailURL),
		ArtifactURI: res.ArtifactURI,
		TextLength:  utf8.RuneCountInString(res.Text),
		Step:        string(res.Step),
		ProcessedAt: at,
	}
	if e.cfg.Hasher != nil {
		sum, err := e.cfg.Hasher.HashText(res.Text)
		if err != nil {
			logger.Warn("hash text failed", zap.Error(err))
		}
		event.TextSHA256 = sum
	}
	if _, err := e.cfg.Publisher.Publish(ctx, e.cfg.Topic, event); err != nil {
		logger.Warn("publish event failed", zap.String("topic", e.cfg.Topic), zap.Error(err))
	}
}

// entityItems turns stored entities into work items keyed by external id.
func entityItems(
	ctx context.Context,
	lister crawler.EntityLister,
	profile sources.Profile,
	unprocessed bool,
	limit int,
) ([]crawler.WorkItem, error) {
	entities, err := lister.ListEntities(ctx, crawler.EntityFilter{Unprocessed: crawler.Bool(unprocessed), Limit: limit})
	if err != nil {
		return nil, err
	}
	items := make([]crawler.WorkItem, 0, len(entities))
	for _, ent := range entities {
		target := crawler.Deref(ent.DetailURL)
		if target == "" {
			target = profile.DetailURL(ent.ExternalID)
		}
		items = append(items, crawler.WorkItem{Key: ent.ExternalID, URL: target, Category: crawler.Deref(ent.Category)})
	}
	return items, nil
}

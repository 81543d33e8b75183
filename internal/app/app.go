// Package app builds the long-lived services for a crawl from configuration
// and holds them until Close.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/api"
	"github.com/JakeFAU/legal-registry-crawler/internal/clock/system"
	"github.com/JakeFAU/legal-registry-crawler/internal/config"
	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/extract"
	"github.com/JakeFAU/legal-registry-crawler/internal/hash/sha256"
	"github.com/JakeFAU/legal-registry-crawler/internal/id/uuid"
	"github.com/JakeFAU/legal-registry-crawler/internal/pagination"
	"github.com/JakeFAU/legal-registry-crawler/internal/pipeline"
	memorypublisher "github.com/JakeFAU/legal-registry-crawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/legal-registry-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/legal-registry-crawler/internal/scheduler"
	"github.com/JakeFAU/legal-registry-crawler/internal/sources"
	gcsstorage "github.com/JakeFAU/legal-registry-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/legal-registry-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/legal-registry-crawler/internal/storage/memory"
	"github.com/JakeFAU/legal-registry-crawler/internal/storage/postgres"
	"github.com/JakeFAU/legal-registry-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/legal-registry-crawler/internal/transport"
)

// Store is an entity store the app can own.
type Store interface {
	crawler.SessionFactory
	crawler.EntityLister
	EnsureSchema(ctx context.Context) error
	Close()
}

// App holds the shared services for one process.
type App struct {
	cfg       config.Config
	profile   sources.Profile
	logger    *zap.Logger
	clock     crawler.Clock
	store     Store
	blobs     crawler.BlobStore
	publisher crawler.Publisher
	runner    *pipeline.Runner
	closers   []func()
}

// Option overrides a dependency New would otherwise build from config.
type Option func(*options)

type options struct {
	store         Store
	blobs         crawler.BlobStore
	publisher     crawler.Publisher
	clock         crawler.Clock
	ocr           extract.OCRProvider
	word          extract.WordExtractor
	transportOpts []transport.Option
}

// WithStore supplies the entity store.
func WithStore(s Store) Option { return func(o *options) { o.store = s } }

// WithBlobStore supplies the artifact store.
func WithBlobStore(b crawler.BlobStore) Option { return func(o *options) { o.blobs = b } }

// WithPublisher supplies the event publisher.
func WithPublisher(p crawler.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithClock supplies the clock used by stores and processors.
func WithClock(c crawler.Clock) Option { return func(o *options) { o.clock = c } }

// WithOCR supplies the OCR provider.
func WithOCR(p extract.OCRProvider) Option { return func(o *options) { o.ocr = p } }

// WithWordExtractor supplies the legacy Word converter.
func WithWordExtractor(w extract.WordExtractor) Option { return func(o *options) { o.word = w } }

// WithTransportOptions adds options to every worker transport.
func WithTransportOptions(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// New initializes every service named by cfg. It fails fast and releases
// whatever was already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	profile, err := cfg.Profile()
	if err != nil {
		return nil, err
	}
	a := &App{cfg: cfg, profile: profile, logger: logger, clock: o.clock}
	if a.clock == nil {
		a.clock = system.New()
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	logger.Info("initializing application services",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("source", profile.Name),
	)

	a.store = o.store
	if a.store == nil {
		if a.store, err = a.openStore(ctx); err != nil {
			return nil, err
		}
	}
	a.blobs = o.blobs
	if a.blobs == nil {
		if a.blobs, err = a.openBlobs(ctx); err != nil {
			return nil, err
		}
	}
	a.publisher = o.publisher
	if a.publisher == nil {
		if a.publisher, err = a.openPublisher(ctx); err != nil {
			return nil, err
		}
	}

	a.runner = a.buildRunner(o)
	logger.Info("application services initialized")
	return a, nil
}

func (a *App) openStore(ctx context.Context) (Store, error) {
	switch a.cfg.DB.Driver {
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, a.cfg.DB.DSN, a.clock, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case "memory":
		a.logger.Warn("using in-memory entity store; nothing will persist")
		return memorystorage.NewEntityStore(a.clock), nil
	default:
		return nil, fmt.Errorf("unknown db driver %q", a.cfg.DB.Driver)
	}
}

func (a *App) openBlobs(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local storage: %w", err)
		}
		return blobs, nil
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("gcs client close failed", zap.Error(err))
			}
		})
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs storage: %w", err)
		}
		return blobs, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("pubsub.project_id not set; events stay in memory")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("init pubsub client: %w", err)
	}
	pub := pubsubpublisher.New(client, map[string]string{"source": a.profile.Name})
	a.closers = append(a.closers, func() {
		pub.Close()
		if err := client.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	})
	return pub, nil
}

func (a *App) buildRunner(o options) *pipeline.Runner {
	cfg := a.cfg
	ocr := o.ocr
	if ocr == nil && cfg.Extract.OCREnabled {
		ocr = extract.NewLazyProvider(func() (extract.OCRProvider, error) {
			return extract.NewTesseractProvider(cfg.Extract.OCRCommand, cfg.Extract.OCRLanguage)
		})
	}
	word := o.word
	if word == nil {
		word = extract.CommandWordExtractor{Command: cfg.Extract.WordCommand, Timeout: cfg.Extract.WordTimeout}
	}
	deps := extract.Deps{
		Artifacts: a.blobs,
		PDF:       extract.PDFCPUParser{MaxImagePages: cfg.Extract.MaxImagePages},
		Word:      word,
		OCR:       ocr,
	}
	walker := pagination.Config{
		MaxPages:      cfg.Walker.MaxPages,
		MaxEmptyPages: cfg.Walker.MaxEmptyPages,
		PageDelay:     cfg.Walker.PageDelay,
	}

	envs := pipeline.NewEnvFactory(cfg.Transport(), a.profile.Language, a.store, a.logger, o.transportOpts...)
	sched := scheduler.New(scheduler.Config{
		Workers:         cfg.Batch.Workers,
		BatchSize:       cfg.Batch.BatchSize,
		CommitFrequency: cfg.Batch.CommitFrequency,
		InterBatchDelay: cfg.Batch.InterBatchDelay,
	}, envs, a.logger)
	runner := pipeline.NewRunner(sched, uuid.New(), nil, a.logger)

	runner.Register(pipeline.PhaseDiscover, func(string) crawler.Processor {
		return pipeline.NewDiscover(a.profile, walker, a.logger)
	})
	runner.Register(pipeline.PhaseEnrich, func(runID string) crawler.Processor {
		return pipeline.NewEnrich(pipeline.EnrichConfig{
			Profile: a.profile,
			Extract: extract.Config{
				AlternateURL:  cfg.Extract.AlternateURL,
				MinHTMLText:   cfg.Extract.MinHTMLText,
				OCRConfidence: cfg.Extract.OCRConfidence,
			},
			Deps:      deps,
			Publisher: a.publisher,
			Topic:     cfg.PubSub.TopicName,
			Hasher:    sha256.New(),
			Clock:     a.clock,
			Limit:     cfg.Batch.Limit,
		}, a.store, runID, a.logger)
	})
	runner.Register(pipeline.PhaseRelations, func(string) crawler.Processor {
		return pipeline.NewRelations(a.profile, a.store, cfg.Batch.Limit, a.logger)
	})
	return runner
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store returns the entity store.
func (a *App) Store() Store { return a.store }

// Runner returns the phase runner.
func (a *App) Runner() *pipeline.Runner { return a.runner }

// EnsureSchema creates the store's tables when missing.
func (a *App) EnsureSchema(ctx context.Context) error {
	if err := a.store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ready checks that the store answers reads.
func (a *App) Ready(ctx context.Context) error {
	if _, err := a.store.ListEntities(ctx, crawler.EntityFilter{Limit: 1}); err != nil {
		return fmt.Errorf("store not ready: %w", err)
	}
	return nil
}

// Server builds the operator HTTP server over this app's reports.
func (a *App) Server() *api.Server {
	return api.NewServer(a.runner.Reports(), a.Ready, a.runner.Phases(), a.logger.Named("api"))
}

// Run executes phases in order, or every phase when none are named, after
// making sure the schema exists.
func (a *App) Run(ctx context.Context, phases ...string) ([]scheduler.Report, error) {
	if err := a.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return a.runner.RunAll(ctx, phases...)
}

// Close releases services in reverse order of creation.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.logger.Info("shutting down application services")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

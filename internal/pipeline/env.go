package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/crawler"
	"github.com/JakeFAU/legal-registry-crawler/internal/postback"
	"github.com/JakeFAU/legal-registry-crawler/internal/transport"
)

// EnvFactory gives every chunk its own transport, and with it its own cookie
// jar and language primer, plus its own store session.
type EnvFactory struct {
	transport transport.Config
	language  postback.LanguageConfig
	sessions  crawler.SessionFactory
	logger    *zap.Logger
	opts      []transport.Option
}

var _ crawler.EnvFactory = (*EnvFactory)(nil)

// NewEnvFactory builds the factory. opts are applied to every transport.
func NewEnvFactory(
	cfg transport.Config,
	language postback.LanguageConfig,
	sessions crawler.SessionFactory,
	logger *zap.Logger,
	opts ...transport.Option,
) *EnvFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnvFactory{transport: cfg, language: language, sessions: sessions, logger: logger, opts: opts}
}

// NewEnv implements crawler.EnvFactory.
func (f *EnvFactory) NewEnv(ctx context.Context, index int) (*crawler.WorkerEnv, error) {
	logger := f.logger.With(zap.Int("worker", index))
	opts := append([]transport.Option(nil), f.opts...)
	if f.language.EventTarget != "" {
		opts = append(opts, transport.WithPrimer(postback.LanguagePrimer(f.language)))
	}
	session, err := f.sessions.OpenSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	return &crawler.WorkerEnv{
		Index:   index,
		Fetcher: transport.New(f.transport, logger, opts...),
		Session: session,
		Logger:  logger,
	}, nil
}

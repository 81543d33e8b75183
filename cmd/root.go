// Package cmd defines the legalcrawl command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/app"
	"github.com/JakeFAU/legal-registry-crawler/internal/config"
	"github.com/JakeFAU/legal-registry-crawler/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory; tests replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "legalcrawl",
		Short: "Crawl and ingest legal acts from a public registry.",
		Long: `legalcrawl walks the registry's paginated listings, extracts the text of
every act with HTML, PDF, Word and OCR fallbacks, and upserts acts and their
relations into Postgres or SQLite.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, &services{app: a, cfg: cfg, logger: logger}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); LEGALCRAWL_* variables override it")

	cmd.AddCommand(
		newPhaseCmd("discover", "Walk every listing and upsert discovered acts"),
		newPhaseCmd("enrich", "Fetch metadata and document text for unprocessed acts"),
		newPhaseCmd("relations", "Backfill relations between processed acts"),
		newRunCmd(),
		newSchemaCmd(),
	)
	return cmd
}

type services struct {
	app    *app.App
	cfg    config.Config
	logger *zap.Logger
}

// withServices runs fn with the services built in PersistentPreRunE and
// releases them afterwards, including when fn fails.
func withServices(fn func(ctx context.Context, svc *services) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		svc, ok := cmd.Context().Value(appKey).(*services)
		if !ok || svc == nil {
			return errors.New("application services not initialized")
		}
		defer func() {
			svc.app.Close()
			_ = svc.logger.Sync()
		}()
		return fn(cmd.Context(), svc)
	}
}

// Execute runs the root command with SIGINT and SIGTERM canceling the context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "legalcrawl:", err)
		return err
	}
	return nil
}

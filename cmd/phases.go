package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/legal-registry-crawler/internal/api"
	"github.com/JakeFAU/legal-registry-crawler/internal/scheduler"
)

func newPhaseCmd(phase, short string) *cobra.Command {
	return &cobra.Command{
		Use:   phase,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: withServices(func(ctx context.Context, svc *services) error {
			return runPhases(ctx, svc, phase)
		}),
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [phase...]",
		Short: "Run discover, enrich and relations in order, or only the named phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(func(ctx context.Context, svc *services) error {
				return runPhases(ctx, svc, args...)
			})(cmd, args)
		},
	}
}

func newSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create the entity and relation tables when missing",
		Args:  cobra.NoArgs,
		RunE: withServices(func(ctx context.Context, svc *services) error {
			if err := svc.app.EnsureSchema(ctx); err != nil {
				return err
			}
			svc.logger.Info("schema ready", zap.String("driver", svc.cfg.DB.Driver))
			return nil
		}),
	}
}

// runPhases executes phases while the operator server, if configured, serves
// health and metrics.
func runPhases(ctx context.Context, svc *services, phases ...string) error {
	serverDone := make(chan error, 1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if addr := svc.cfg.Server.Addr; addr != "" {
		go func() {
			serverDone <- api.Serve(ctx, addr, svc.app.Server().Handler(), svc.logger.Named("server"))
		}()
	} else {
		close(serverDone)
	}

	reports, runErr := svc.app.Run(ctx, phases...)
	for _, r := range reports {
		logReport(svc.logger, r)
	}

	cancel()
	if srvErr := <-serverDone; srvErr != nil {
		svc.logger.Warn("operator server stopped with error", zap.Error(srvErr))
	}

	if errors.Is(runErr, context.Canceled) {
		svc.logger.Warn("run interrupted")
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

func logReport(logger *zap.Logger, r scheduler.Report) {
	logger.Info("phase report",
		zap.String("phase", r.Phase),
		zap.String("run_id", r.RunID),
		zap.Int("processed", r.Stats.Processed),
		zap.Int("new", r.Stats.New),
		zap.Int("updated", r.Stats.Updated),
		zap.Int("skipped", r.Stats.Skipped),
		zap.Int("errors", r.Stats.Errors),
		zap.Int("relations", r.Stats.Relations),
		zap.Duration("duration", r.Duration),
	)
}

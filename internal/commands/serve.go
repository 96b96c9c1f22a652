package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fxflow/internal/dashboard"
	"fxflow/internal/pipeline"
	"fxflow/logger"
)

func newServeCommand(a *app) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline and serve the dashboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if strings.ToLower(a.cfg.Logging.Level) == "report" {
				logger.StartReport(ctx, a.log, 30*time.Second)
			}

			return serveDashboard(ctx, a, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "fail instead of serving section errors when the initial run fails")

	return cmd
}

func serveDashboard(ctx context.Context, a *app, strict bool) error {
	pl, store := buildPipeline(a.cfg)
	log := a.log

	refresh := func(ctx context.Context, force bool) (*pipeline.Result, error) {
		if force {
			if err := store.Clear(); err != nil {
				log.WithComponent("serve").WithError(err).Warn("failed to clear cache before refresh")
			}
		}
		return pl.Run(ctx)
	}

	srv, err := dashboard.NewServer(a.cfg.Dashboard, log, refresh)
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if srv == nil {
		return errors.New("dashboard is disabled in configuration; nothing to serve")
	}

	result, runErr := pl.Run(ctx)
	if runErr != nil && strict {
		return fmt.Errorf("initial pipeline run: %w", runErr)
	}
	srv.ApplyRun(result, runErr)
	if runErr != nil {
		log.WithComponent("serve").WithError(runErr).Warn("initial pipeline run failed; dashboard starts with section errors")
	}

	if err := srv.Run(ctx, a.cfg.Fxflow.Name); err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	return nil
}

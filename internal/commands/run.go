package commands

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appconfig "fxflow/config"
	"fxflow/internal/analysis"
	"fxflow/internal/cache"
	"fxflow/internal/charts"
	"fxflow/internal/pipeline"
	"fxflow/internal/report"
	"fxflow/internal/treasury"
	"fxflow/logger"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one fetch, analyse, chart and report cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if strings.ToLower(a.cfg.Logging.Level) == "report" {
				logger.StartReport(ctx, a.log, 30*time.Second)
			}

			return runOnce(ctx, a.cfg, a.log)
		},
	}
}

// buildPipeline assembles the fetch path from configuration: REST client,
// disk cache and the pipeline that arbitrates between them.
func buildPipeline(cfg *appconfig.Config) (*pipeline.Pipeline, *cache.Store) {
	client := treasury.NewClient(cfg)
	store := cache.NewStore(cfg.Cache.Dir, cfg.Cache.MaxAge)
	return pipeline.New(cfg, client, store), store
}

// runOnce drives a full batch cycle and reports the artifacts it produced.
// Every failure is wrapped with the stage that raised it.
func runOnce(ctx context.Context, cfg *appconfig.Config, log *logger.Log) error {
	pl, _ := buildPipeline(cfg)

	result, err := pl.Run(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	bundle, err := analysis.Compute(result.Series)
	if err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	chartPaths, err := charts.NewBuilder(log).RenderAll(result.Series, bundle, cfg.Output.ChartsDir)
	if err != nil {
		return fmt.Errorf("render charts: %w", err)
	}

	reportPaths, err := report.NewWriter(cfg.Output.Dir, log).WriteAll(result.Series, bundle, result.Manifest)
	if err != nil {
		return fmt.Errorf("write reports: %w", err)
	}

	if cfg.Storage.S3.Enabled {
		publisher, err := report.NewPublisher(ctx, cfg.Storage.S3, log)
		if err != nil {
			return fmt.Errorf("s3 publisher: %w", err)
		}
		artifacts := append(reportPaths, chartPaths...)
		if err := publisher.Publish(ctx, result.Manifest.RunID, artifacts); err != nil {
			return fmt.Errorf("publish artifacts: %w", err)
		}
	}

	log.WithComponent("run").WithFields(logger.Fields{
		"run_id":     result.Manifest.RunID,
		"currencies": len(result.Series.Codes()),
		"quarters":   result.Series.Len(),
		"degraded":   len(result.Degraded),
		"reports":    len(reportPaths),
		"charts":     len(chartPaths),
	}).Info("run complete")

	return nil
}

// Package commands wires the fxflow command tree: run executes one
// fetch-analyse-report cycle, serve keeps the dashboard up and refreshes
// on demand.
package commands

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	appconfig "fxflow/config"
	"fxflow/internal/buildinfo"
	"fxflow/internal/metrics"
	"fxflow/logger"
)

// app carries what every subcommand needs: the flag values before setup
// and the loaded configuration plus logger after.
type app struct {
	configPath string
	logLevel   string

	cfg *appconfig.Config
	log *logger.Log
}

// setup loads .env, the configuration file and logging. Called from each
// RunE rather than a PersistentPreRunE so commands that need no
// configuration (version) stay out of it.
func (a *app) setup() error {
	log := logger.GetLogger()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	cfg, err := appconfig.LoadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	if cfg.CloudWatch.Enabled {
		region := cfg.CloudWatch.Region
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		logger.InitCloudWatch(region, cfg.CloudWatch.Namespace, cfg.CloudWatch.DashboardName)
		metrics.InitCloudWatch(region, cfg.CloudWatch.Namespace, cfg.CloudWatch.DashboardName)
	}
	metrics.Init()

	log.WithFields(logger.Fields{
		"service": cfg.Fxflow.Name,
		"version": cfg.Fxflow.Version,
	}).Info("starting fxflow")

	a.cfg = cfg
	a.log = log
	return nil
}

// NewRootCommand builds the fxflow CLI.
func NewRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "fxflow",
		Short: "Quarterly US Treasury exchange rate pipeline",
		Long: `fxflow fetches quarterly USD exchange rates from the Treasury Fiscal Data
API, caches them on disk, computes trend, volatility and correlation
metrics, renders charts and writes report files. The serve command keeps
an interactive dashboard over the same pipeline.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)",
			buildinfo.Version, buildinfo.Commit, buildinfo.Date),
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", appconfig.DefaultPath, "path to configuration file")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	cmd.AddCommand(newRunCommand(a))
	cmd.AddCommand(newServeCommand(a))
	cmd.AddCommand(newVersionCommand())

	return cmd
}

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance/reporter"
	"mercator-hq/custodian/pkg/compliance/storage"
	"mercator-hq/custodian/pkg/config"
	"mercator-hq/custodian/pkg/server"
	"mercator-hq/custodian/pkg/telemetry/health"
)

var serveFlags struct {
	listenAddress string
	noScheduler   bool
	watchConfig   bool
	dryRun        bool
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and the retention scheduler",
	Long: `Start the subject-rights API and run the daily and monthly retention
cadences on their cron schedules.

The configuration file is watched and notification settings are applied
without a restart. SIGHUP forces a reload.

Examples:
  # Start with a config file
  custodian serve --config /etc/custodian/config.yaml

  # Serve the API only; cadences run from an external scheduler
  custodian serve --no-scheduler

  # Validate the configuration and exit
  custodian serve --dry-run`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
	serveCmd.Flags().BoolVar(&serveFlags.noScheduler, "no-scheduler", false, "do not run the retention cadences")
	serveCmd.Flags().BoolVar(&serveFlags.watchConfig, "watch", true, "reload the config file when it changes")
	serveCmd.Flags().BoolVar(&serveFlags.dryRun, "dry-run", false, "validate config without starting")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if serveFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	scheduler := reporter.NewScheduler(a.reporter)
	checker := health.New(0)
	if c, ok := a.store.(storage.Checker); ok {
		checker.RegisterCheck("storage", c.Health)
	}
	if !serveFlags.noScheduler {
		checker.RegisterCheck("scheduler", func(context.Context) error {
			if !scheduler.IsRunning() {
				return fmt.Errorf("retention scheduler is not running")
			}
			return nil
		})
	}

	metricsPath := ""
	if config.IsEnabled(cfg.Telemetry.Metrics.Enabled, config.DefaultMetricsEnabled) {
		metricsPath = cfg.Telemetry.Metrics.Path
	}
	srv, err := server.New(cfg.Server, server.Deps{
		Subjects:    a.workflow,
		Admin:       a.reporter,
		Health:      checker,
		Metrics:     a.metrics,
		MetricsPath: metricsPath,
		Build:       server.BuildInfo{Version: Version, Commit: GitCommit, BuildTime: BuildDate},
	})
	if err != nil {
		return err
	}

	config.OnReload(func(next *config.Config) {
		a.reporter.UpdateNotifications(notificationSettings(next))
	})

	g, ctx := errgroup.WithContext(ctx)
	if !serveFlags.noScheduler {
		if err := scheduler.Start(ctx); err != nil {
			return cli.NewConfigError("retention", err.Error())
		}
		defer scheduler.Stop()
	}
	if serveFlags.watchConfig && cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, 0)
		if err != nil {
			return err
		}
		g.Go(func() error { return watcher.Run(ctx) })
	}
	if cfgFile != "" {
		g.Go(func() error { return reloadOnHangup(ctx, cfgFile) })
	}
	g.Go(func() error { return srv.Start(ctx) })

	if err := g.Wait(); err != nil {
		return cli.NewCommandError("serve", err)
	}
	return nil
}

// reloadOnHangup reloads the configuration on every SIGHUP.
func reloadOnHangup(ctx context.Context, path string) error {
	hup, stop := cli.HangupChannel()
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := config.ReloadConfig(path); err != nil {
				slog.Error("configuration reload failed, keeping previous configuration", "error", err)
			}
		}
	}
}

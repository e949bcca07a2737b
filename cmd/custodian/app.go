package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"mercator-hq/custodian/pkg/cli"
	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/archive"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/compliance/reporter"
	"mercator-hq/custodian/pkg/compliance/retention"
	"mercator-hq/custodian/pkg/compliance/storage"
	"mercator-hq/custodian/pkg/compliance/subject"
	"mercator-hq/custodian/pkg/config"
	"mercator-hq/custodian/pkg/crm"
	"mercator-hq/custodian/pkg/notify"
	"mercator-hq/custodian/pkg/telemetry/logging"
	"mercator-hq/custodian/pkg/telemetry/metrics"
	"mercator-hq/custodian/pkg/telemetry/tracing"
)

// app holds every wired component of one process.
type app struct {
	cfg *config.Config

	store    compliance.Store
	ledger   *ledger.Ledger
	engine   *retention.Engine
	pipeline *archive.Pipeline
	workflow *subject.Workflow
	reporter *reporter.Reporter
	metrics  *metrics.Collector
	tracer   *tracing.Provider
}

// loadConfig initializes the global configuration and the process logger.
func loadConfig() (*config.Config, error) {
	if err := config.Initialize(cfgFile); err != nil {
		var verr config.ValidationError
		if errors.As(err, &verr) && len(verr.Errors) > 0 {
			return nil, cli.NewConfigError(verr.Errors[0].Field, err.Error())
		}
		return nil, cli.NewConfigError("config", err.Error())
	}
	cfg := config.GetConfig()
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if _, err := logging.Setup(cfg.Telemetry.Logging, os.Stderr); err != nil {
		return nil, cli.NewConfigError("telemetry.logging", err.Error())
	}
	return cfg, nil
}

// newApp opens storage and builds the component graph bottom-up.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.NewCollector(cfg.Telemetry.Metrics, nil)}

	tp, err := tracing.New(&cfg.Telemetry.Tracing, Version)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}
	a.tracer = tp

	if a.store, err = openStore(ctx, cfg); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.ledger = ledger.New(a.store)
	if a.engine, err = retention.NewEngine(cfg.Retention.RetentionRules(), a.store, a.store); err != nil {
		a.close(ctx)
		return nil, cli.NewConfigError("retention.rules", err.Error())
	}
	a.pipeline = archive.NewPipeline(a.engine, a.store, a.ledger, archive.WithMetrics(a.metrics))

	crmClient, err := newCRMClient(cfg.CRM)
	if err != nil {
		a.close(ctx)
		return nil, cli.NewConfigError("crm.base_url", err.Error())
	}
	sender, err := newSender(cfg.Notifications)
	if err != nil {
		a.close(ctx)
		return nil, cli.NewConfigError("notifications.smtp", err.Error())
	}

	aggregator := subject.NewAggregator(a.store, a.ledger, crmClient,
		subject.WithCRMTimeout(cfg.CRM.Timeout),
		subject.WithAuditEntryLimit(cfg.Subject.AuditEntryLimit),
	)
	a.workflow, err = subject.NewWorkflow(subject.Config{
		ConfirmURLTemplate: cfg.Subject.ConfirmURLTemplate,
		TokenTTL:           cfg.Tokens.TTL,
		BcryptCost:         cfg.Tokens.BcryptCost,
		DeleteCRMContact:   cfg.Subject.DeleteCRMContact,
		CRMTimeout:         cfg.CRM.Timeout,
		NotifyTimeout:      cfg.Subject.NotifyTimeout,
	}, subject.Deps{
		Store:      a.store,
		Tokens:     a.store,
		Hold:       a.engine,
		Ledger:     a.ledger,
		Aggregator: aggregator,
		CRM:        crmClient,
		Notifier:   sender,
	}, subject.WithWorkflowMetrics(a.metrics))
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.reporter, err = reporter.New(reporterConfig(cfg), a.engine, a.pipeline, a.ledger, a.store, sender,
		reporter.WithMetrics(a.metrics))
	if err != nil {
		a.close(ctx)
		return nil, cli.NewConfigError("retention", err.Error())
	}
	return a, nil
}

// openStore opens the configured backend and, for the redis token backend,
// routes deletion requests to Redis.
func openStore(ctx context.Context, cfg *config.Config) (compliance.Store, error) {
	sc := cfg.Storage
	store, err := storage.Open(&storage.Config{
		Driver:          sc.Driver,
		DSN:             sc.DSN,
		MaxOpenConns:    sc.MaxOpenConns,
		MaxIdleConns:    sc.MaxIdleConns,
		ConnMaxLifetime: sc.ConnMaxLifetime,
		WALMode:         config.IsEnabled(sc.WALMode, config.DefaultStorageWALMode),
		BusyTimeout:     sc.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	if cfg.Tokens.Backend != storage.BackendRedis {
		return store, nil
	}

	rc := cfg.Tokens.Redis
	dialCtx, cancel := context.WithTimeout(ctx, rc.DialTimeout+time.Second)
	defer cancel()
	tokens, err := storage.DialRedisTokenStore(dialCtx, storage.RedisConfig{
		URL:          rc.URL,
		PoolSize:     rc.PoolSize,
		DialTimeout:  rc.DialTimeout,
		ReadTimeout:  rc.ReadTimeout,
		WriteTimeout: rc.WriteTimeout,
	})
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open token store: %w", err)
	}
	return storage.WithTokenStore(store, tokens), nil
}

func newCRMClient(cfg config.CRMConfig) (crm.Client, error) {
	if !cfg.Enabled {
		return crm.NopClient{}, nil
	}
	return crm.NewHTTPClient(crm.Config{BaseURL: cfg.BaseURL, APIKey: cfg.APIKey, Timeout: cfg.Timeout})
}

func newSender(cfg config.NotificationsConfig) (notify.Sender, error) {
	if cfg.Transport != "smtp" {
		return notify.NewLogSender(nil), nil
	}
	return notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	})
}

func reporterConfig(cfg *config.Config) reporter.Config {
	return reporter.Config{
		DailySchedule:   cfg.Retention.DailySchedule,
		MonthlySchedule: cfg.Retention.MonthlySchedule,
		Notifications:   notificationSettings(cfg),
		StatsWindow:     time.Duration(cfg.Retention.StatsWindowDays) * compliance.Day,
	}
}

func notificationSettings(cfg *config.Config) reporter.NotificationSettings {
	return reporter.NotificationSettings{
		Enabled:      cfg.Notifications.Enabled,
		Recipients:   cfg.Notifications.Recipients,
		WarnLeadTime: time.Duration(cfg.Retention.WarnLeadDays) * compliance.Day,
		Timeout:      cfg.Notifications.Timeout,
	}
}

// close releases storage and flushes traces.
func (a *app) close(ctx context.Context) {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Error("failed to close storage", "error", err)
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			slog.Error("failed to flush traces", "error", err)
		}
	}
}

// write prints v in the selected output format.
func write(w io.Writer, v any) error {
	formatter, err := cli.NewFormatter(cli.OutputFormat(output))
	if err != nil {
		return err
	}
	return formatter.FormatTo(w, v)
}

package config

import (
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// Default values for configuration fields.
const (
	// Server defaults
	DefaultListenAddress   = "127.0.0.1:8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxHeaderBytes  = 1048576 // 1MB
	DefaultSubjectHeader   = "X-Subject-ID"

	// Storage defaults
	DefaultStorageDriver          = "sqlite3"
	DefaultStorageDSN             = "data/custodian.db"
	DefaultStorageMaxOpenConns    = 10
	DefaultStorageMaxIdleConns    = 5
	DefaultStorageConnMaxLifetime = 30 * time.Minute
	DefaultStorageWALMode         = true
	DefaultStorageBusyTimeout     = 5 * time.Second

	// Token defaults
	DefaultTokensBackend     = "storage"
	DefaultTokensTTL         = 7 * 24 * time.Hour
	DefaultTokensBcryptCost  = 10
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultRedisPoolSize     = 10
	DefaultRedisDialTimeout  = 5 * time.Second
	DefaultRedisReadTimeout  = 3 * time.Second
	DefaultRedisWriteTimeout = 3 * time.Second

	// Retention defaults
	DefaultDailySchedule   = "0 3 * * *"
	DefaultMonthlySchedule = "0 4 1 * *"
	DefaultWarnLeadDays    = 30
	DefaultStatsWindowDays = 30

	// Subject defaults
	DefaultConfirmURLTemplate = "http://localhost:8080/v1/subjects/{subject}/deletion/confirm?token={token}"
	DefaultAuditEntryLimit    = 100
	DefaultNotifyTimeout      = 10 * time.Second

	// CRM defaults
	DefaultCRMTimeout = 5 * time.Second

	// Notification defaults
	DefaultNotificationTransport = "log"
	DefaultNotificationTimeout   = 10 * time.Second
	DefaultSMTPPort              = 587

	// Telemetry defaults
	DefaultLoggingLevel     = "info"
	DefaultLoggingFormat    = "json"
	DefaultRedactPII        = true
	DefaultMetricsEnabled   = true
	DefaultMetricsPath      = "/metrics"
	DefaultMetricsNamespace = "custodian"
	DefaultTracingSampler   = "ratio"
	DefaultTracingRatio     = 0.1
	DefaultTracingService   = "custodian"
	DefaultOTLPTimeout      = 10 * time.Second

	DefaultSecretsEnvPrefix = "CUSTODIAN_SECRET_"
)

// ApplyDefaults fills unset fields with their default values.
// Fields that are explicitly set are never overwritten.
func ApplyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyStorageDefaults(&cfg.Storage)
	applyTokenDefaults(&cfg.Tokens)
	applyRetentionDefaults(&cfg.Retention)

	if cfg.Subject.ConfirmURLTemplate == "" {
		cfg.Subject.ConfirmURLTemplate = DefaultConfirmURLTemplate
	}
	if cfg.Subject.AuditEntryLimit == 0 {
		cfg.Subject.AuditEntryLimit = DefaultAuditEntryLimit
	}
	if cfg.Subject.NotifyTimeout == 0 {
		cfg.Subject.NotifyTimeout = DefaultNotifyTimeout
	}

	if cfg.CRM.Timeout == 0 {
		cfg.CRM.Timeout = DefaultCRMTimeout
	}

	if cfg.Notifications.Transport == "" {
		cfg.Notifications.Transport = DefaultNotificationTransport
	}
	if cfg.Notifications.Timeout == 0 {
		cfg.Notifications.Timeout = DefaultNotificationTimeout
	}
	if cfg.Notifications.SMTP.Port == 0 {
		cfg.Notifications.SMTP.Port = DefaultSMTPPort
	}

	applyTelemetryDefaults(&cfg.Telemetry)

	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = DefaultSecretsEnvPrefix
	}
}

func applyServerDefaults(s *ServerConfig) {
	if s.ListenAddress == "" {
		s.ListenAddress = DefaultListenAddress
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout == 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout == 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = DefaultShutdownTimeout
	}
	if s.MaxHeaderBytes == 0 {
		s.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if s.SubjectHeader == "" {
		s.SubjectHeader = DefaultSubjectHeader
	}
}

func applyStorageDefaults(s *StorageConfig) {
	if s.Driver == "" {
		s.Driver = DefaultStorageDriver
	}
	// The memory driver needs no DSN.
	if s.DSN == "" && s.Driver != "memory" {
		s.DSN = DefaultStorageDSN
	}
	if s.MaxOpenConns == 0 {
		s.MaxOpenConns = DefaultStorageMaxOpenConns
	}
	if s.MaxIdleConns == 0 {
		s.MaxIdleConns = DefaultStorageMaxIdleConns
	}
	if s.ConnMaxLifetime == 0 {
		s.ConnMaxLifetime = DefaultStorageConnMaxLifetime
	}
	if s.WALMode == nil {
		s.WALMode = Bool(DefaultStorageWALMode)
	}
	if s.BusyTimeout == 0 {
		s.BusyTimeout = DefaultStorageBusyTimeout
	}
}

func applyTokenDefaults(t *TokensConfig) {
	if t.Backend == "" {
		t.Backend = DefaultTokensBackend
	}
	if t.TTL == 0 {
		t.TTL = DefaultTokensTTL
	}
	if t.BcryptCost == 0 {
		t.BcryptCost = DefaultTokensBcryptCost
	}
	if t.Redis.URL == "" {
		t.Redis.URL = DefaultRedisURL
	}
	if t.Redis.PoolSize == 0 {
		t.Redis.PoolSize = DefaultRedisPoolSize
	}
	if t.Redis.DialTimeout == 0 {
		t.Redis.DialTimeout = DefaultRedisDialTimeout
	}
	if t.Redis.ReadTimeout == 0 {
		t.Redis.ReadTimeout = DefaultRedisReadTimeout
	}
	if t.Redis.WriteTimeout == 0 {
		t.Redis.WriteTimeout = DefaultRedisWriteTimeout
	}
}

func applyRetentionDefaults(r *RetentionConfig) {
	if len(r.Rules) == 0 {
		for _, rule := range compliance.DefaultRules() {
			r.Rules = append(r.Rules, RuleConfig{
				EntityClass:    string(rule.EntityClass),
				ActiveDays:     int(rule.ActiveWindow / compliance.Day),
				ArchiveDays:    int(rule.ArchiveWindow / compliance.Day),
				TerminalAction: string(rule.TerminalAction),
			})
		}
	}
	if r.DailySchedule == "" {
		r.DailySchedule = DefaultDailySchedule
	}
	if r.MonthlySchedule == "" {
		r.MonthlySchedule = DefaultMonthlySchedule
	}
	if r.WarnLeadDays == 0 {
		r.WarnLeadDays = DefaultWarnLeadDays
	}
	if r.StatsWindowDays == 0 {
		r.StatsWindowDays = DefaultStatsWindowDays
	}
}

func applyTelemetryDefaults(t *TelemetryConfig) {
	if t.Logging.Level == "" {
		t.Logging.Level = DefaultLoggingLevel
	}
	if t.Logging.Format == "" {
		t.Logging.Format = DefaultLoggingFormat
	}
	if t.Logging.RedactPII == nil {
		t.Logging.RedactPII = Bool(DefaultRedactPII)
	}

	if t.Metrics.Enabled == nil {
		t.Metrics.Enabled = Bool(DefaultMetricsEnabled)
	}
	if t.Metrics.Path == "" {
		t.Metrics.Path = DefaultMetricsPath
	}
	if t.Metrics.Namespace == "" {
		t.Metrics.Namespace = DefaultMetricsNamespace
	}

	if t.Tracing.Sampler == "" {
		t.Tracing.Sampler = DefaultTracingSampler
	}
	if t.Tracing.SampleRatio == 0 {
		t.Tracing.SampleRatio = DefaultTracingRatio
	}
	if t.Tracing.ServiceName == "" {
		t.Tracing.ServiceName = DefaultTracingService
	}
	if t.Tracing.OTLP.Timeout == 0 {
		t.Tracing.OTLP.Timeout = DefaultOTLPTimeout
	}
}

// RetentionRules converts the configured rules into engine rules.
func (r RetentionConfig) RetentionRules() []compliance.RetentionRule {
	if len(r.Rules) == 0 {
		return compliance.DefaultRules()
	}
	rules := make([]compliance.RetentionRule, 0, len(r.Rules))
	for _, rc := range r.Rules {
		rules = append(rules, compliance.RetentionRule{
			EntityClass:    compliance.EntityClass(rc.EntityClass),
			ActiveWindow:   time.Duration(rc.ActiveDays) * compliance.Day,
			ArchiveWindow:  time.Duration(rc.ArchiveDays) * compliance.Day,
			TerminalAction: compliance.TerminalAction(rc.TerminalAction),
		})
	}
	return rules
}

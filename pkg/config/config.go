package config

import "time"

// Config is the root configuration structure for Custodian.
// It contains every section needed to run the retention engine, the
// subject-rights API and their collaborators.
type Config struct {
	// Server contains the HTTP API configuration.
	Server ServerConfig `yaml:"server"`

	// Storage selects the persistence backend for records, the ledger and
	// reports.
	Storage StorageConfig `yaml:"storage"`

	// Tokens configures where and how deletion confirmation tokens are kept.
	Tokens TokensConfig `yaml:"tokens"`

	// Retention contains the retention rules and run schedules.
	Retention RetentionConfig `yaml:"retention"`

	// Subject contains subject-rights workflow settings.
	Subject SubjectConfig `yaml:"subject"`

	// CRM configures the remote CRM client.
	CRM CRMConfig `yaml:"crm"`

	// Notifications configures operator and subject notifications.
	Notifications NotificationsConfig `yaml:"notifications"`

	// Telemetry contains logging, metrics and tracing configuration.
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Secrets configures resolution of ${secret:name} references in
	// credential fields.
	Secrets SecretsConfig `yaml:"secrets"`
}

// SecretsConfig selects where secret references are looked up. A mounted
// directory wins over the environment.
type SecretsConfig struct {
	// EnvPrefix prefixes the environment variable of each secret.
	// Default: "CUSTODIAN_SECRET_"
	EnvPrefix string `yaml:"env_prefix"`

	// Dir is a directory holding one file per secret. Optional.
	Dir string `yaml:"dir"`
}

// ServerConfig contains configuration for the HTTP API server.
type ServerConfig struct {
	// ListenAddress is the address and port to listen on.
	// Default: "127.0.0.1:8080"
	ListenAddress string `yaml:"listen_address"`

	// Default: 15s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Default: 30s
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// Default: 120s
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxHeaderBytes limits request header size.
	// Default: 1048576 (1MB)
	MaxHeaderBytes int `yaml:"max_header_bytes"`

	// SubjectHeader carries the authenticated subject id, set by the
	// session layer in front of this service.
	// Default: "X-Subject-ID"
	SubjectHeader string `yaml:"subject_header"`

	// AdminToken authorizes the administrative routes as a bearer token.
	// Admin routes are disabled when empty.
	AdminToken string `yaml:"admin_token"`
}

// StorageConfig selects the storage backend.
type StorageConfig struct {
	// Driver is one of "memory", "sqlite3", "sqlite" or "pgx".
	// Default: "sqlite3"
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	// Default: "data/custodian.db"
	DSN string `yaml:"dsn"`

	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns"`

	// Default: 5
	MaxIdleConns int `yaml:"max_idle_conns"`

	// Default: 30m
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`

	// WALMode enables SQLite write-ahead logging.
	// Default: true
	WALMode *bool `yaml:"wal_mode"`

	// BusyTimeout is the SQLite lock wait.
	// Default: 5s
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// TokensConfig configures the deletion token store.
type TokensConfig struct {
	// Backend is "storage" (the main store) or "redis".
	// Default: "storage"
	Backend string `yaml:"backend"`

	// TTL is how long a confirmation token stays valid.
	// Default: 168h (7 days)
	TTL time.Duration `yaml:"ttl"`

	// BcryptCost is the token hashing cost (4-31).
	// Default: 10
	BcryptCost int `yaml:"bcrypt_cost"`

	// Redis configures the Redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection URL.
	// Default: "redis://localhost:6379/0"
	URL string `yaml:"url"`

	// Default: 10
	PoolSize int `yaml:"pool_size"`

	// Default: 5s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Default: 3s
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// Default: 3s
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RetentionConfig contains the retention rule set and run cadences.
type RetentionConfig struct {
	// Rules overrides the built-in rule set when non-empty.
	Rules []RuleConfig `yaml:"rules"`

	// DailySchedule is the cron expression of the daily run.
	// Default: "0 3 * * *"
	DailySchedule string `yaml:"daily_schedule"`

	// MonthlySchedule is the cron expression of the monthly run.
	// Default: "0 4 1 * *"
	MonthlySchedule string `yaml:"monthly_schedule"`

	// WarnLeadDays is how far ahead of the horizon records are reported.
	// Default: 30
	WarnLeadDays int `yaml:"warn_lead_days"`

	// StatsWindowDays is the look-back of subject request statistics.
	// Default: 30
	StatsWindowDays int `yaml:"stats_window_days"`
}

// RuleConfig is one retention rule with windows in days.
type RuleConfig struct {
	EntityClass    string `yaml:"entity_class"`
	ActiveDays     int    `yaml:"active_days"`
	ArchiveDays    int    `yaml:"archive_days"`
	TerminalAction string `yaml:"terminal_action"`
}

// SubjectConfig contains subject-rights workflow settings.
type SubjectConfig struct {
	// ConfirmURLTemplate is the link mailed for deletion confirmation.
	// {subject} and {token} are substituted.
	ConfirmURLTemplate string `yaml:"confirm_url_template"`

	// DeleteCRMContact removes the CRM contact when a subject is erased.
	// Default: false
	DeleteCRMContact bool `yaml:"delete_crm_contact"`

	// AuditEntryLimit caps ledger entries included in an export.
	// Default: 100
	AuditEntryLimit int `yaml:"audit_entry_limit"`

	// NotifyTimeout bounds the confirmation mail.
	// Default: 10s
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// CRMConfig configures the remote CRM.
type CRMConfig struct {
	// Enabled switches from the no-op client to the HTTP client.
	// Default: false
	Enabled bool `yaml:"enabled"`

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// Timeout bounds every CRM call.
	// Default: 5s
	Timeout time.Duration `yaml:"timeout"`
}

// NotificationsConfig configures notifications.
type NotificationsConfig struct {
	// Enabled turns on operator report and warning notifications.
	// Subject confirmation mails are always sent.
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Recipients receive operator notifications.
	Recipients []string `yaml:"recipients"`

	// Transport is "log" or "smtp".
	// Default: "log"
	Transport string `yaml:"transport"`

	// Timeout bounds each send.
	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`

	SMTP SMTPConfig `yaml:"smtp"`
}

// SMTPConfig contains SMTP relay settings.
type SMTPConfig struct {
	Host string `yaml:"host"`

	// Default: 587
	Port int `yaml:"port"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// TelemetryConfig contains configuration for observability.
type TelemetryConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the minimum log level to emit.
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	Level string `yaml:"level"`

	// Format controls the log output format.
	// Options: "json", "text"
	// Default: "json"
	Format string `yaml:"format"`

	// AddSource includes file and line number in log entries.
	// Default: false
	AddSource bool `yaml:"add_source"`

	// RedactPII enables automatic PII redaction in logs.
	// Default: true
	RedactPII *bool `yaml:"redact_pii"`

	// RedactPatterns contains custom redaction patterns.
	RedactPatterns []RedactPattern `yaml:"redact_patterns"`
}

// RedactPattern defines a custom redaction pattern.
type RedactPattern struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// MetricsConfig contains metrics collection configuration.
type MetricsConfig struct {
	// Default: true
	Enabled *bool `yaml:"enabled"`

	// Path is the HTTP path for the Prometheus endpoint.
	// Default: "/metrics"
	Path string `yaml:"path"`

	// Namespace is the metric name prefix.
	// Default: "custodian"
	Namespace string `yaml:"namespace"`
}

// TracingConfig contains distributed tracing configuration.
type TracingConfig struct {
	// Default: false
	Enabled bool `yaml:"enabled"`

	// Sampler is "always", "never" or "ratio".
	// Default: "ratio"
	Sampler string `yaml:"sampler"`

	// SampleRatio is the fraction of traces sampled (0.0 to 1.0).
	// Default: 0.1
	SampleRatio float64 `yaml:"sample_ratio"`

	// Endpoint is the OTLP gRPC collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint"`

	// Default: "custodian"
	ServiceName string `yaml:"service_name"`

	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig contains OTLP exporter configuration.
type OTLPConfig struct {
	// Insecure disables TLS for the OTLP connection.
	Insecure bool `yaml:"insecure"`

	// Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// Bool returns a pointer to b, for optional boolean fields.
func Bool(b bool) *bool {
	return &b
}

// IsEnabled reports the value of an optional boolean, defaulting to def.
func IsEnabled(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

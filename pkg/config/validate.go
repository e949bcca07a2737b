package config

import (
	"fmt"
	"net"
	"net/mail"
	"net/url"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"

	"mercator-hq/custodian/pkg/compliance"
)

// FieldError represents a validation error for a specific configuration field.
type FieldError struct {
	// Field is the dotted path to the configuration field (e.g., "server.listen_address").
	Field string

	// Message is a human-readable error message.
	Message string
}

// Error returns the error message for this field error.
func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationError represents one or more validation errors in a configuration.
type ValidationError struct {
	Errors []FieldError
}

// Error returns a formatted string containing all validation errors.
func (e ValidationError) Error() string {
	if len(e.Errors) == 0 {
		return "configuration validation failed"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("configuration validation failed: %s", e.Errors[0].Error())
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "configuration validation failed with %d errors:\n", len(e.Errors))
	for _, err := range e.Errors {
		fmt.Fprintf(&sb, "  - %s\n", err.Error())
	}
	return sb.String()
}

// Validate validates the entire configuration and returns a ValidationError
// if any validation rules fail. All errors are collected and returned together.
func Validate(cfg *Config) error {
	var errs []FieldError

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateTokens(&cfg.Tokens)...)
	errs = append(errs, validateRetention(&cfg.Retention)...)
	errs = append(errs, validateSubject(&cfg.Subject)...)
	errs = append(errs, validateCRM(&cfg.CRM)...)
	errs = append(errs, validateNotifications(&cfg.Notifications)...)
	errs = append(errs, validateTelemetry(&cfg.Telemetry)...)

	if len(errs) > 0 {
		return ValidationError{Errors: errs}
	}
	return nil
}

func validateServer(cfg *ServerConfig) []FieldError {
	var errs []FieldError

	if cfg.ListenAddress == "" {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: "listen address is required"})
	} else if _, _, err := net.SplitHostPort(cfg.ListenAddress); err != nil {
		errs = append(errs, FieldError{Field: "server.listen_address", Message: fmt.Sprintf("invalid address: %v", err)})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.read_timeout", Message: "read timeout must be positive"})
	}
	if cfg.WriteTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.write_timeout", Message: "write timeout must be positive"})
	}
	if cfg.IdleTimeout < 0 {
		errs = append(errs, FieldError{Field: "server.idle_timeout", Message: "idle timeout must be positive"})
	}
	if cfg.MaxHeaderBytes < 0 {
		errs = append(errs, FieldError{Field: "server.max_header_bytes", Message: "max header bytes must be non-negative"})
	}
	if cfg.SubjectHeader == "" {
		errs = append(errs, FieldError{Field: "server.subject_header", Message: "subject header is required"})
	}
	if cfg.AdminToken != "" && len(cfg.AdminToken) < 16 {
		errs = append(errs, FieldError{Field: "server.admin_token", Message: "admin token must be at least 16 characters"})
	}

	return errs
}

func validateStorage(cfg *StorageConfig) []FieldError {
	var errs []FieldError

	switch cfg.Driver {
	case "memory":
	case "sqlite3", "sqlite", "pgx":
		if cfg.DSN == "" {
			errs = append(errs, FieldError{Field: "storage.dsn", Message: "dsn is required for driver " + cfg.Driver})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "storage.driver",
			Message: fmt.Sprintf("unknown driver %q (expected memory, sqlite3, sqlite or pgx)", cfg.Driver),
		})
	}

	if cfg.MaxOpenConns < 0 {
		errs = append(errs, FieldError{Field: "storage.max_open_conns", Message: "must be non-negative"})
	}
	if cfg.MaxIdleConns > cfg.MaxOpenConns && cfg.MaxOpenConns > 0 {
		errs = append(errs, FieldError{Field: "storage.max_idle_conns", Message: "cannot exceed max_open_conns"})
	}

	return errs
}

func validateTokens(cfg *TokensConfig) []FieldError {
	var errs []FieldError

	switch cfg.Backend {
	case "storage":
	case "redis":
		u, err := url.Parse(cfg.Redis.URL)
		if err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			errs = append(errs, FieldError{Field: "tokens.redis.url", Message: "must be a redis:// or rediss:// URL"})
		}
		if cfg.Redis.PoolSize < 0 {
			errs = append(errs, FieldError{Field: "tokens.redis.pool_size", Message: "must be non-negative"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "tokens.backend",
			Message: fmt.Sprintf("unknown backend %q (expected storage or redis)", cfg.Backend),
		})
	}

	if cfg.TTL <= 0 {
		errs = append(errs, FieldError{Field: "tokens.ttl", Message: "ttl must be positive"})
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		errs = append(errs, FieldError{Field: "tokens.bcrypt_cost", Message: "must be between 4 and 31"})
	}

	return errs
}

func validateRetention(cfg *RetentionConfig) []FieldError {
	var errs []FieldError

	rules := cfg.RetentionRules()
	seen := make(map[string]bool)
	for i, rc := range cfg.Rules {
		field := fmt.Sprintf("retention.rules[%d]", i)
		if seen[rc.EntityClass] {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("duplicate rule for %q", rc.EntityClass)})
			continue
		}
		seen[rc.EntityClass] = true

		if rc.ActiveDays < 0 || rc.ArchiveDays < 0 {
			errs = append(errs, FieldError{Field: field, Message: "windows must be non-negative"})
			continue
		}
		if err := rules[i].Validate(); err != nil {
			errs = append(errs, FieldError{Field: field, Message: err.Error()})
		}
	}
	for _, class := range compliance.EntityClasses() {
		if len(cfg.Rules) > 0 && !seen[string(class)] {
			errs = append(errs, FieldError{Field: "retention.rules", Message: fmt.Sprintf("missing rule for %q", class)})
		}
	}

	// Empty schedules disable the cadence.
	if cfg.DailySchedule != "" {
		if _, err := cron.ParseStandard(cfg.DailySchedule); err != nil {
			errs = append(errs, FieldError{Field: "retention.daily_schedule", Message: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}
	if cfg.MonthlySchedule != "" {
		if _, err := cron.ParseStandard(cfg.MonthlySchedule); err != nil {
			errs = append(errs, FieldError{Field: "retention.monthly_schedule", Message: fmt.Sprintf("invalid cron expression: %v", err)})
		}
	}

	if cfg.WarnLeadDays < 0 {
		errs = append(errs, FieldError{Field: "retention.warn_lead_days", Message: "must be non-negative"})
	}
	if cfg.StatsWindowDays < 0 {
		errs = append(errs, FieldError{Field: "retention.stats_window_days", Message: "must be non-negative"})
	}

	return errs
}

func validateSubject(cfg *SubjectConfig) []FieldError {
	var errs []FieldError

	if !strings.Contains(cfg.ConfirmURLTemplate, "{token}") {
		errs = append(errs, FieldError{Field: "subject.confirm_url_template", Message: "template must contain {token}"})
	}
	if cfg.AuditEntryLimit < 0 {
		errs = append(errs, FieldError{Field: "subject.audit_entry_limit", Message: "must be non-negative"})
	}
	if cfg.NotifyTimeout < 0 {
		errs = append(errs, FieldError{Field: "subject.notify_timeout", Message: "must be positive"})
	}

	return errs
}

func validateCRM(cfg *CRMConfig) []FieldError {
	var errs []FieldError

	if cfg.Enabled {
		u, err := url.Parse(cfg.BaseURL)
		if cfg.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, FieldError{Field: "crm.base_url", Message: "an absolute base URL is required when the CRM is enabled"})
		}
	}
	if cfg.Timeout < 0 {
		errs = append(errs, FieldError{Field: "crm.timeout", Message: "must be positive"})
	}

	return errs
}

func validateNotifications(cfg *NotificationsConfig) []FieldError {
	var errs []FieldError

	switch cfg.Transport {
	case "log":
	case "smtp":
		if cfg.SMTP.Host == "" {
			errs = append(errs, FieldError{Field: "notifications.smtp.host", Message: "host is required for smtp transport"})
		}
		if _, err := mail.ParseAddress(cfg.SMTP.From); err != nil {
			errs = append(errs, FieldError{Field: "notifications.smtp.from", Message: "a valid sender address is required"})
		}
		if cfg.SMTP.Port <= 0 || cfg.SMTP.Port > 65535 {
			errs = append(errs, FieldError{Field: "notifications.smtp.port", Message: "must be between 1 and 65535"})
		}
	default:
		errs = append(errs, FieldError{
			Field:   "notifications.transport",
			Message: fmt.Sprintf("unknown transport %q (expected log or smtp)", cfg.Transport),
		})
	}

	if cfg.Enabled && len(cfg.Recipients) == 0 {
		errs = append(errs, FieldError{Field: "notifications.recipients", Message: "at least one recipient is required when enabled"})
	}
	for i, r := range cfg.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			errs = append(errs, FieldError{Field: fmt.Sprintf("notifications.recipients[%d]", i), Message: "invalid email address"})
		}
	}

	return errs
}

func validateTelemetry(cfg *TelemetryConfig) []FieldError {
	var errs []FieldError

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.level",
			Message: fmt.Sprintf("invalid log level %q (expected debug, info, warn or error)", cfg.Logging.Level),
		})
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.logging.format",
			Message: fmt.Sprintf("invalid log format %q (expected json or text)", cfg.Logging.Format),
		})
	}
	for i, p := range cfg.Logging.RedactPatterns {
		field := fmt.Sprintf("telemetry.logging.redact_patterns[%d].pattern", i)
		if p.Pattern == "" {
			errs = append(errs, FieldError{Field: field, Message: "pattern is required"})
		} else if _, err := regexp.Compile(p.Pattern); err != nil {
			errs = append(errs, FieldError{Field: field, Message: fmt.Sprintf("invalid pattern: %v", err)})
		}
	}

	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, FieldError{Field: "telemetry.metrics.path", Message: "path must start with /"})
	}

	switch cfg.Tracing.Sampler {
	case "always", "never", "ratio":
	default:
		errs = append(errs, FieldError{
			Field:   "telemetry.tracing.sampler",
			Message: fmt.Sprintf("invalid sampler %q (expected always, never or ratio)", cfg.Tracing.Sampler),
		})
	}
	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, FieldError{Field: "telemetry.tracing.sample_ratio", Message: "must be between 0.0 and 1.0"})
	}
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, FieldError{Field: "telemetry.tracing.endpoint", Message: "endpoint is required when tracing is enabled"})
	}

	return errs
}

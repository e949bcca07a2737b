package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mercator-hq/custodian/pkg/secrets"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CUSTODIAN_"

// LoadConfig loads configuration from a YAML file at the specified path.
// It applies default values, validates the configuration, and returns any errors.
// Environment variables are not consulted; use LoadConfigWithEnvOverrides
// for that.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Parse decodes YAML and applies defaults without validating.
// Unknown keys are rejected so typos surface at startup.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	ApplyDefaults(&cfg)
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and applies
// environment variable overrides. Environment variables follow the naming
// convention CUSTODIAN_SECTION_FIELD (e.g., CUSTODIAN_SERVER_LISTEN_ADDRESS).
// Environment variables always take precedence over file-based configuration.
//
// The loading sequence is:
// 1. Load YAML from file
// 2. Apply default values
// 3. Apply environment variable overrides
// 4. Validate final configuration
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	applyEnvOverrides(cfg)
	if err := ResolveSecrets(context.Background(), cfg); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed after environment overrides: %w", err)
	}

	return cfg, nil
}

// LoadDefault builds a configuration from defaults and environment only,
// for running without a config file.
func LoadDefault() (*Config, error) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	applyEnvOverrides(cfg)
	if err := ResolveSecrets(context.Background(), cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ResolveSecrets replaces ${secret:name} references in the credential
// fields: the storage DSN, the Redis URL, the admin token, the CRM API key
// and the SMTP password.
func ResolveSecrets(ctx context.Context, cfg *Config) error {
	providers := []secrets.Provider{}
	if cfg.Secrets.Dir != "" {
		fp, err := secrets.NewFileProvider(cfg.Secrets.Dir)
		if err != nil {
			return fmt.Errorf("configuration secrets: %w", err)
		}
		providers = append(providers, fp)
	}
	providers = append(providers, secrets.NewEnvProvider(cfg.Secrets.EnvPrefix))

	r := secrets.NewResolver(providers...)
	if err := r.ResolveAll(ctx,
		&cfg.Storage.DSN,
		&cfg.Tokens.Redis.URL,
		&cfg.Server.AdminToken,
		&cfg.CRM.APIKey,
		&cfg.Notifications.SMTP.Password,
	); err != nil {
		return fmt.Errorf("configuration secrets: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Malformed numeric or duration values are ignored.
func applyEnvOverrides(cfg *Config) {
	// Server
	setString(&cfg.Server.ListenAddress, "SERVER_LISTEN_ADDRESS")
	setDuration(&cfg.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")
	setString(&cfg.Server.SubjectHeader, "SERVER_SUBJECT_HEADER")
	setString(&cfg.Server.AdminToken, "SERVER_ADMIN_TOKEN")

	// Storage
	setString(&cfg.Storage.Driver, "STORAGE_DRIVER")
	setString(&cfg.Storage.DSN, "STORAGE_DSN")
	setInt(&cfg.Storage.MaxOpenConns, "STORAGE_MAX_OPEN_CONNS")

	// Tokens
	setString(&cfg.Tokens.Backend, "TOKENS_BACKEND")
	setDuration(&cfg.Tokens.TTL, "TOKENS_TTL")
	setInt(&cfg.Tokens.BcryptCost, "TOKENS_BCRYPT_COST")
	setString(&cfg.Tokens.Redis.URL, "TOKENS_REDIS_URL")

	// Retention
	setString(&cfg.Retention.DailySchedule, "RETENTION_DAILY_SCHEDULE")
	setString(&cfg.Retention.MonthlySchedule, "RETENTION_MONTHLY_SCHEDULE")
	setInt(&cfg.Retention.WarnLeadDays, "RETENTION_WARN_LEAD_DAYS")

	// Subject
	setString(&cfg.Subject.ConfirmURLTemplate, "SUBJECT_CONFIRM_URL_TEMPLATE")
	setBool(&cfg.Subject.DeleteCRMContact, "SUBJECT_DELETE_CRM_CONTACT")

	// CRM
	setBool(&cfg.CRM.Enabled, "CRM_ENABLED")
	setString(&cfg.CRM.BaseURL, "CRM_BASE_URL")
	setString(&cfg.CRM.APIKey, "CRM_API_KEY")
	setDuration(&cfg.CRM.Timeout, "CRM_TIMEOUT")

	// Notifications
	setBool(&cfg.Notifications.Enabled, "NOTIFICATIONS_ENABLED")
	setString(&cfg.Notifications.Transport, "NOTIFICATIONS_TRANSPORT")
	if val := os.Getenv(EnvPrefix + "NOTIFICATIONS_RECIPIENTS"); val != "" {
		cfg.Notifications.Recipients = splitList(val)
	}
	setString(&cfg.Notifications.SMTP.Host, "NOTIFICATIONS_SMTP_HOST")
	setInt(&cfg.Notifications.SMTP.Port, "NOTIFICATIONS_SMTP_PORT")
	setString(&cfg.Notifications.SMTP.Username, "NOTIFICATIONS_SMTP_USERNAME")
	setString(&cfg.Notifications.SMTP.Password, "NOTIFICATIONS_SMTP_PASSWORD")
	setString(&cfg.Notifications.SMTP.From, "NOTIFICATIONS_SMTP_FROM")

	// Telemetry
	setString(&cfg.Telemetry.Logging.Level, "TELEMETRY_LOGGING_LEVEL")
	setString(&cfg.Telemetry.Logging.Format, "TELEMETRY_LOGGING_FORMAT")
	setBool(&cfg.Telemetry.Tracing.Enabled, "TELEMETRY_TRACING_ENABLED")
	setString(&cfg.Telemetry.Tracing.Endpoint, "TELEMETRY_TRACING_ENDPOINT")
	if val := os.Getenv(EnvPrefix + "TELEMETRY_TRACING_SAMPLE_RATIO"); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			cfg.Telemetry.Tracing.SampleRatio = f
		}
	}

	setString(&cfg.Secrets.Dir, "SECRETS_DIR")
}

func setString(dst *string, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		*dst = val
	}
}

func setInt(dst *int, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if val := os.Getenv(EnvPrefix + key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			*dst = d
		}
	}
}

func splitList(val string) []string {
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

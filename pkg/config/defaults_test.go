package config

import (
	"testing"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddress != DefaultListenAddress {
		t.Errorf("Server.ListenAddress = %q, want %q", cfg.Server.ListenAddress, DefaultListenAddress)
	}
	if cfg.Server.SubjectHeader != "X-Subject-ID" {
		t.Errorf("Server.SubjectHeader = %q", cfg.Server.SubjectHeader)
	}
	if cfg.Storage.Driver != "sqlite3" || cfg.Storage.DSN != DefaultStorageDSN {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if !IsEnabled(cfg.Storage.WALMode, false) {
		t.Error("Storage.WALMode should default to true")
	}
	if cfg.Tokens.TTL != 7*24*time.Hour {
		t.Errorf("Tokens.TTL = %v, want 168h", cfg.Tokens.TTL)
	}
	if cfg.Tokens.BcryptCost != DefaultTokensBcryptCost {
		t.Errorf("Tokens.BcryptCost = %d", cfg.Tokens.BcryptCost)
	}
	if cfg.Retention.DailySchedule != "0 3 * * *" || cfg.Retention.MonthlySchedule != "0 4 1 * *" {
		t.Errorf("Retention schedules = %q, %q", cfg.Retention.DailySchedule, cfg.Retention.MonthlySchedule)
	}
	if len(cfg.Retention.Rules) != len(compliance.DefaultRules()) {
		t.Errorf("Retention.Rules = %d, want %d", len(cfg.Retention.Rules), len(compliance.DefaultRules()))
	}
	if cfg.Subject.AuditEntryLimit != 100 {
		t.Errorf("Subject.AuditEntryLimit = %d", cfg.Subject.AuditEntryLimit)
	}
	if cfg.Subject.DeleteCRMContact {
		t.Error("Subject.DeleteCRMContact should default to false")
	}
	if cfg.Notifications.Transport != "log" || cfg.Notifications.SMTP.Port != 587 {
		t.Errorf("Notifications = %+v", cfg.Notifications)
	}
	if !IsEnabled(cfg.Telemetry.Logging.RedactPII, false) {
		t.Error("Telemetry.Logging.RedactPII should default to true")
	}
	if cfg.Telemetry.Metrics.Namespace != "custodian" {
		t.Errorf("Telemetry.Metrics.Namespace = %q", cfg.Telemetry.Metrics.Namespace)
	}

	if err := Validate(cfg); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		Server:  ServerConfig{ListenAddress: "0.0.0.0:9000"},
		Storage: StorageConfig{Driver: "memory", WALMode: Bool(false)},
		Tokens:  TokensConfig{TTL: time.Hour},
	}
	ApplyDefaults(cfg)

	if cfg.Server.ListenAddress != "0.0.0.0:9000" {
		t.Errorf("ListenAddress overwritten: %q", cfg.Server.ListenAddress)
	}
	if cfg.Storage.DSN != "" {
		t.Errorf("memory driver got DSN %q", cfg.Storage.DSN)
	}
	if IsEnabled(cfg.Storage.WALMode, true) {
		t.Error("explicit WALMode=false overwritten")
	}
	if cfg.Tokens.TTL != time.Hour {
		t.Errorf("Tokens.TTL = %v", cfg.Tokens.TTL)
	}
}

func TestApplyDefaults_Idempotent(t *testing.T) {
	cfg1 := &Config{}
	ApplyDefaults(cfg1)
	cfg2 := &Config{}
	ApplyDefaults(cfg2)
	ApplyDefaults(cfg2)

	if len(cfg1.Retention.Rules) != len(cfg2.Retention.Rules) {
		t.Errorf("rules appended twice: %d vs %d", len(cfg1.Retention.Rules), len(cfg2.Retention.Rules))
	}
	if cfg1.Server != cfg2.Server {
		t.Error("server section differs after second ApplyDefaults")
	}
}

func TestRetentionRules(t *testing.T) {
	cfg := RetentionConfig{Rules: []RuleConfig{
		{EntityClass: "cart_sessions", ActiveDays: 14, TerminalAction: "purge"},
		{EntityClass: "audit_log", ActiveDays: 90, ArchiveDays: 365, TerminalAction: "archive_then_purge"},
	}}

	rules := cfg.RetentionRules()
	if len(rules) != 2 {
		t.Fatalf("RetentionRules() = %d rules", len(rules))
	}
	if rules[0].ActiveWindow != 14*compliance.Day {
		t.Errorf("cart ActiveWindow = %v", rules[0].ActiveWindow)
	}
	if rules[1].ArchiveWindow != 365*compliance.Day || rules[1].TerminalAction != compliance.ActionArchiveThenPurge {
		t.Errorf("audit rule = %+v", rules[1])
	}

	if got := (RetentionConfig{}).RetentionRules(); len(got) != len(compliance.DefaultRules()) {
		t.Errorf("empty config should fall back to the built-in rules, got %d", len(got))
	}
}

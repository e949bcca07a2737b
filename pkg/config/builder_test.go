package config

import "time"

// ConfigBuilder builds test configurations fluently.
type ConfigBuilder struct {
	cfg Config
}

// NewTestConfig returns a builder seeded with defaults and an in-memory
// store.
func NewTestConfig() *ConfigBuilder {
	cfg := Config{Storage: StorageConfig{Driver: "memory"}}
	ApplyDefaults(&cfg)
	return &ConfigBuilder{cfg: cfg}
}

// Build returns the built Config instance.
func (b *ConfigBuilder) Build() *Config {
	return &b.cfg
}

func (b *ConfigBuilder) WithListenAddress(addr string) *ConfigBuilder {
	b.cfg.Server.ListenAddress = addr
	return b
}

func (b *ConfigBuilder) WithAdminToken(token string) *ConfigBuilder {
	b.cfg.Server.AdminToken = token
	return b
}

func (b *ConfigBuilder) WithRedisTokens(url string) *ConfigBuilder {
	b.cfg.Tokens.Backend = "redis"
	b.cfg.Tokens.Redis.URL = url
	return b
}

func (b *ConfigBuilder) WithTokenTTL(d time.Duration) *ConfigBuilder {
	b.cfg.Tokens.TTL = d
	return b
}

func (b *ConfigBuilder) WithCRM(baseURL string) *ConfigBuilder {
	b.cfg.CRM.Enabled = true
	b.cfg.CRM.BaseURL = baseURL
	return b
}

func (b *ConfigBuilder) WithNotifications(recipients ...string) *ConfigBuilder {
	b.cfg.Notifications.Enabled = true
	b.cfg.Notifications.Recipients = recipients
	return b
}

func (b *ConfigBuilder) WithRule(class string, activeDays, archiveDays int, action string) *ConfigBuilder {
	for i, r := range b.cfg.Retention.Rules {
		if r.EntityClass == class {
			b.cfg.Retention.Rules[i] = RuleConfig{EntityClass: class, ActiveDays: activeDays, ArchiveDays: archiveDays, TerminalAction: action}
			return b
		}
	}
	b.cfg.Retention.Rules = append(b.cfg.Retention.Rules, RuleConfig{EntityClass: class, ActiveDays: activeDays, ArchiveDays: archiveDays, TerminalAction: action})
	return b
}

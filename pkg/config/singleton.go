package config

import (
	"fmt"
	"sync"
)

var (
	globalConfig *Config
	configMutex  sync.RWMutex
	initOnce     sync.Once

	subscribers   []func(*Config)
	subscribersMu sync.Mutex
)

// Initialize loads configuration from path with environment overrides and
// stores it as the process-wide configuration. Only the first call has any
// effect. An empty path builds the configuration from defaults and
// environment alone.
func Initialize(path string) error {
	var initErr error

	initOnce.Do(func() {
		var cfg *Config
		var err error
		if path == "" {
			cfg, err = LoadDefault()
		} else {
			cfg, err = LoadConfigWithEnvOverrides(path)
		}
		if err != nil {
			initErr = err
			return
		}
		SetConfig(cfg)
	})

	return initErr
}

// GetConfig returns the global configuration, or nil before Initialize.
func GetConfig() *Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// SetConfig replaces the global configuration. Intended for tests and for
// commands that build their configuration from flags.
func SetConfig(cfg *Config) {
	configMutex.Lock()
	globalConfig = cfg
	configMutex.Unlock()
}

// ReloadConfig reloads the configuration from path. On failure the current
// configuration stays in place. Subscribers are called after a successful
// swap.
func ReloadConfig(path string) error {
	cfg, err := LoadConfigWithEnvOverrides(path)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	SetConfig(cfg)

	subscribersMu.Lock()
	fns := append([]func(*Config){}, subscribers...)
	subscribersMu.Unlock()
	for _, fn := range fns {
		fn(cfg)
	}
	return nil
}

// OnReload registers fn to run after every successful reload.
func OnReload(fn func(*Config)) {
	subscribersMu.Lock()
	subscribers = append(subscribers, fn)
	subscribersMu.Unlock()
}

// MustGetConfig returns the global configuration and panics if it has not
// been initialized.
func MustGetConfig() *Config {
	cfg := GetConfig()
	if cfg == nil {
		panic("configuration not initialized: call Initialize first")
	}
	return cfg
}

// resetForTest clears all global state.
func resetForTest() {
	configMutex.Lock()
	globalConfig = nil
	initOnce = sync.Once{}
	configMutex.Unlock()

	subscribersMu.Lock()
	subscribers = nil
	subscribersMu.Unlock()
}

// Package config provides configuration management for Custodian.
//
// Configuration is read from a YAML file, completed with defaults,
// overridden from the environment and validated as a whole. Every
// validation failure is collected into a single ValidationError.
//
// # Loading
//
//	cfg, err := config.LoadConfigWithEnvOverrides("custodian.yaml")
//
// # Environment Variable Overrides
//
// Variables follow the convention CUSTODIAN_SECTION_FIELD, for example:
//
//   - CUSTODIAN_SERVER_LISTEN_ADDRESS overrides server.listen_address
//   - CUSTODIAN_STORAGE_DSN overrides storage.dsn
//   - CUSTODIAN_CRM_API_KEY overrides crm.api_key
//   - CUSTODIAN_NOTIFICATIONS_RECIPIENTS takes a comma-separated list
//
// Precedence, later winning: defaults, file, environment.
//
// # Secret References
//
// Credential fields may contain ${secret:name}. After environment
// overrides, each reference is looked up in secrets.dir (one file per
// secret) and then in CUSTODIAN_SECRET_NAME. An unresolved reference
// fails the load.
//
// # Global Configuration
//
// Initialize stores the process-wide configuration once at startup.
// A Watcher calls ReloadConfig when the file changes; OnReload
// subscribers are told about each successful swap. Settings that are
// bound at startup (listen address, storage) need a restart.
package config

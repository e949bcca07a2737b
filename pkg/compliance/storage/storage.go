// Package storage provides the persistence backends of the compliance
// engine: an in-memory store for tests and local runs, a database/sql store
// that runs on SQLite (mattn or modernc drivers) and PostgreSQL (pgx), and a
// Redis-backed deletion token store.
package storage

import (
	"fmt"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// Backend and driver names accepted by Open.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"

	DriverSQLite     = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverSQLitePure = "sqlite"  // modernc.org/sqlite
	DriverPostgres   = "pgx"     // github.com/jackc/pgx/v5/stdlib
)

// Config selects and tunes a storage backend.
type Config struct {
	// Driver is one of "memory", "sqlite3", "sqlite" or "pgx".
	Driver string

	// DSN is the file path (SQLite) or connection string (PostgreSQL).
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// WALMode and BusyTimeout only apply to SQLite drivers.
	WALMode     bool
	BusyTimeout time.Duration
}

// DefaultConfig returns a local SQLite configuration.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DSN:             "data/custodian.db",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		WALMode:         true,
		BusyTimeout:     5 * time.Second,
	}
}

// Open returns the store selected by cfg.Driver.
func Open(cfg *Config) (compliance.Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Driver {
	case BackendMemory:
		return NewMemoryStore(), nil
	case DriverSQLite, DriverSQLitePure, DriverPostgres:
		return NewSQLStore(cfg)
	default:
		return nil, compliance.NewStorageError(cfg.Driver, "open",
			fmt.Errorf("unsupported storage driver %q", cfg.Driver))
	}
}

// UnknownTableError is returned for a class/tier pair with no backing table.
type UnknownTableError struct {
	Class compliance.EntityClass
	Tier  compliance.Tier
}

// Error implements the error interface.
func (e *UnknownTableError) Error() string {
	return fmt.Sprintf("no table for class %q tier %q", e.Class, e.Tier)
}

// DuplicateIDError is returned when appending a ledger entry whose id exists.
type DuplicateIDError struct {
	ID string
}

// Error implements the error interface.
func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("duplicate id %q", e.ID)
}

package storage

import "strings"

// SchemaVersion is the current database schema version.
const SchemaVersion = 1

// schemaTemplate creates every table. {{ts}} and {{bool}} are replaced with
// the dialect's column types.
const schemaTemplate = `
-- Tracked classes: active and archive tiers share one column layout.
CREATE TABLE IF NOT EXISTS cart_sessions (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL,
    payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cart_sessions_archive (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL,
    payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL,
    payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS orders_archive (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL DEFAULT '',
    created_at {{ts}} NOT NULL,
    payload TEXT NOT NULL
);

-- Audit ledger. owner_ref holds the actor.
CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL,
    created_at {{ts}} NOT NULL,
    action TEXT NOT NULL,
    object_type TEXT NOT NULL,
    object_detail TEXT NOT NULL,
    source_address TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS audit_log_archive (
    id TEXT PRIMARY KEY,
    owner_ref TEXT NOT NULL,
    created_at {{ts}} NOT NULL,
    action TEXT NOT NULL,
    object_type TEXT NOT NULL,
    object_detail TEXT NOT NULL,
    source_address TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_cart_sessions_created_at ON cart_sessions(created_at);
CREATE INDEX IF NOT EXISTS idx_cart_sessions_owner ON cart_sessions(owner_ref);
CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at);
CREATE INDEX IF NOT EXISTS idx_orders_owner ON orders(owner_ref);
CREATE INDEX IF NOT EXISTS idx_orders_archive_owner ON orders_archive(owner_ref);
CREATE INDEX IF NOT EXISTS idx_audit_log_created_at ON audit_log(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_owner ON audit_log(owner_ref);
CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_archive_created_at ON audit_log_archive(created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_archive_owner ON audit_log_archive(owner_ref);

-- Subject-side records
CREATE TABLE IF NOT EXISTS profiles (
    subject_id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    phone TEXT NOT NULL DEFAULT '',
    address TEXT NOT NULL DEFAULT '',
    crm_contact_id TEXT NOT NULL DEFAULT '',
    anonymized {{bool}} NOT NULL DEFAULT FALSE,
    created_at {{ts}} NOT NULL,
    updated_at {{ts}} NOT NULL
);
CREATE TABLE IF NOT EXISTS subscriptions (
    id TEXT PRIMARY KEY,
    subject_id TEXT NOT NULL,
    list TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_subscriptions_subject ON subscriptions(subject_id);

-- One live deletion request per subject
CREATE TABLE IF NOT EXISTS deletion_requests (
    subject_id TEXT PRIMARY KEY,
    token_hash TEXT NOT NULL,
    issued_at {{ts}} NOT NULL,
    expires_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_deletion_requests_expires_at ON deletion_requests(expires_at);

-- Reporting
CREATE TABLE IF NOT EXISTS compliance_snapshots (
    id INTEGER PRIMARY KEY,
    generated_at {{ts}} NOT NULL,
    payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS retention_runs (
    kind TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    started_at {{ts}} NOT NULL,
    finished_at {{ts}} NOT NULL,
    failed_tasks INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at {{ts}} NOT NULL
);
`

// schemaFor renders the schema for a driver.
func schemaFor(driver string) string {
	ts, boolean := "TIMESTAMP", "BOOLEAN"
	if driver == DriverPostgres {
		ts = "TIMESTAMPTZ"
	}
	return strings.NewReplacer("{{ts}}", ts, "{{bool}}", boolean).Replace(schemaTemplate)
}

const (
	insertSchemaVersion = `INSERT INTO schema_version (version, applied_at) VALUES (?, ?) ON CONFLICT (version) DO NOTHING`
	getSchemaVersion    = `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`
)

// Column lists per table family.
const (
	recordColumns = "id, owner_ref, created_at, payload"
	ledgerColumns = "id, owner_ref, created_at, action, object_type, object_detail, source_address"
)

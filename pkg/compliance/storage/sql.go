package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"mercator-hq/custodian/pkg/compliance"
)

// maxIDsPerStatement bounds IN (...) lists; SQLite limits bound parameters.
const maxIDsPerStatement = 500

// SQLStore implements compliance.Store on database/sql. The same queries run
// on SQLite and PostgreSQL; placeholders are rebound for PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	config *Config
	logger *slog.Logger
}

var _ compliance.Store = (*SQLStore)(nil)

// NewSQLStore opens the database, creates the schema and verifies its version.
func NewSQLStore(cfg *Config) (*SQLStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	logger := slog.Default().With("component", "compliance.storage.sql", "driver", cfg.Driver)

	db, err := sql.Open(cfg.Driver, connString(cfg))
	if err != nil {
		return nil, compliance.NewStorageError(cfg.Driver, "open", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &SQLStore{db: db, config: cfg, logger: logger}
	if err := s.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("SQL storage initialized", "max_open_conns", cfg.MaxOpenConns)
	return s, nil
}

// connString adds the SQLite pragmas to the DSN so that every pooled
// connection gets them, not only the one that runs initialize.
func connString(cfg *Config) string {
	var params []string
	switch cfg.Driver {
	case DriverSQLite:
		if cfg.BusyTimeout > 0 {
			params = append(params, fmt.Sprintf("_busy_timeout=%d", cfg.BusyTimeout.Milliseconds()))
		}
		if cfg.WALMode {
			params = append(params, "_journal_mode=WAL")
		}
	case DriverSQLitePure:
		if cfg.BusyTimeout > 0 {
			params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", cfg.BusyTimeout.Milliseconds()))
		}
		if cfg.WALMode {
			params = append(params, "_pragma=journal_mode(WAL)")
		}
	}
	if len(params) == 0 {
		return cfg.DSN
	}
	sep := "?"
	if strings.Contains(cfg.DSN, "?") {
		sep = "&"
	}
	return cfg.DSN + sep + strings.Join(params, "&")
}

func (s *SQLStore) isSQLite() bool {
	return s.config.Driver == DriverSQLite || s.config.Driver == DriverSQLitePure
}

func (s *SQLStore) initialize(ctx context.Context) error {
	if s.isSQLite() {
		if s.config.WALMode {
			if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
				return s.storageErr("enable_wal", err)
			}
		}
		if s.config.BusyTimeout > 0 {
			pragma := fmt.Sprintf("PRAGMA busy_timeout=%d;", s.config.BusyTimeout.Milliseconds())
			if _, err := s.db.ExecContext(ctx, pragma); err != nil {
				return s.storageErr("set_busy_timeout", err)
			}
		}
	}

	for _, stmt := range strings.Split(schemaFor(s.config.Driver), ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.storageErr("create_schema", err)
		}
	}
	s.logger.Debug("database schema created")

	if _, err := s.db.ExecContext(ctx, s.rebind(insertSchemaVersion), SchemaVersion, utc(time.Now())); err != nil {
		return s.storageErr("insert_schema_version", err)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, getSchemaVersion).Scan(&version); err != nil {
		return s.storageErr("get_schema_version", err)
	}
	if version != SchemaVersion {
		return s.storageErr("schema_version_mismatch",
			fmt.Errorf("expected schema version %d, got %d", SchemaVersion, version))
	}
	return nil
}

// DB exposes the underlying pool for health checks.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Health pings the database.
func (s *SQLStore) Health(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return s.storageErr("ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return s.storageErr("close", err)
	}
	s.logger.Info("SQL storage closed")
	return nil
}

// IDsCreatedBefore returns ids created at or before cutoff, oldest first.
func (s *SQLStore) IDsCreatedBefore(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, cutoff time.Time) ([]string, error) {
	table, err := tableFor(class, tier)
	if err != nil {
		return nil, s.storageErr("ids_created_before", err)
	}
	q := fmt.Sprintf("SELECT id FROM %s WHERE created_at <= ? ORDER BY created_at, id", table)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), utc(cutoff))
	if err != nil {
		return nil, s.storageErr("ids_created_before", err)
	}
	return s.collectIDs(rows, "ids_created_before")
}

// CopyToArchive inserts the active rows into the archive table, skipping
// ids already archived.
func (s *SQLStore) CopyToArchive(ctx context.Context, class compliance.EntityClass, ids []string) (int64, error) {
	active, err := tableFor(class, compliance.TierActive)
	if err != nil {
		return 0, s.storageErr("copy_to_archive", err)
	}
	archive, _ := tableFor(class, compliance.TierArchive)
	cols := columnsFor(class)

	var inserted int64
	for _, chunk := range chunkIDs(ids) {
		q := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE id IN (%s) ON CONFLICT (id) DO NOTHING",
			archive, cols, cols, active, placeholders(len(chunk)))
		res, err := s.db.ExecContext(ctx, s.rebind(q), anyIDs(chunk)...)
		if err != nil {
			return inserted, s.storageErr("copy_to_archive", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return inserted, s.storageErr("copy_to_archive", err)
		}
		inserted += n
	}

	s.logger.Debug("copied rows to archive", "class", class, "requested", len(ids), "inserted", inserted)
	return inserted, nil
}

// PresentIn returns the subset of ids stored in tier.
func (s *SQLStore) PresentIn(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, ids []string) ([]string, error) {
	table, err := tableFor(class, tier)
	if err != nil {
		return nil, s.storageErr("present_in", err)
	}

	var present []string
	for _, chunk := range chunkIDs(ids) {
		q := fmt.Sprintf("SELECT id FROM %s WHERE id IN (%s)", table, placeholders(len(chunk)))
		rows, err := s.db.QueryContext(ctx, s.rebind(q), anyIDs(chunk)...)
		if err != nil {
			return nil, s.storageErr("present_in", err)
		}
		found, err := s.collectIDs(rows, "present_in")
		if err != nil {
			return nil, err
		}
		present = append(present, found...)
	}
	return present, nil
}

// DeleteRecords removes ids from tier.
func (s *SQLStore) DeleteRecords(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, ids []string) (int64, error) {
	table, err := tableFor(class, tier)
	if err != nil {
		return 0, s.storageErr("delete_records", err)
	}

	var deleted int64
	for _, chunk := range chunkIDs(ids) {
		q := fmt.Sprintf("DELETE FROM %s WHERE id IN (%s)", table, placeholders(len(chunk)))
		res, err := s.db.ExecContext(ctx, s.rebind(q), anyIDs(chunk)...)
		if err != nil {
			return deleted, s.storageErr("delete_records", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return deleted, s.storageErr("delete_records", err)
		}
		deleted += n
	}

	s.logger.Debug("deleted rows", "class", class, "tier", tier, "deleted", deleted)
	return deleted, nil
}

// CountRecords returns the number of rows in tier.
func (s *SQLStore) CountRecords(ctx context.Context, class compliance.EntityClass, tier compliance.Tier) (int64, error) {
	table, err := tableFor(class, tier)
	if err != nil {
		return 0, s.storageErr("count_records", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, s.storageErr("count_records", err)
	}
	return n, nil
}

// GetProfile returns the subject's profile or compliance.ErrNotFound.
func (s *SQLStore) GetProfile(ctx context.Context, subjectID string) (*compliance.Profile, error) {
	const q = `SELECT subject_id, email, first_name, last_name, phone, address, crm_contact_id,
		anonymized, created_at, updated_at FROM profiles WHERE subject_id = ?`

	var p compliance.Profile
	err := s.db.QueryRowContext(ctx, s.rebind(q), subjectID).Scan(
		&p.SubjectID, &p.Email, &p.FirstName, &p.LastName, &p.Phone, &p.Address,
		&p.CRMContactID, &p.Anonymized, scanTime(&p.CreatedAt), scanTime(&p.UpdatedAt),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("get_profile", err)
	}
	return &p, nil
}

// PutProfile creates or replaces a profile.
func (s *SQLStore) PutProfile(ctx context.Context, p *compliance.Profile) error {
	const q = `INSERT INTO profiles (subject_id, email, first_name, last_name, phone, address,
		crm_contact_id, anonymized, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_id) DO UPDATE SET
			email = excluded.email, first_name = excluded.first_name, last_name = excluded.last_name,
			phone = excluded.phone, address = excluded.address, crm_contact_id = excluded.crm_contact_id,
			anonymized = excluded.anonymized, updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, s.rebind(q),
		p.SubjectID, p.Email, p.FirstName, p.LastName, p.Phone, p.Address,
		p.CRMContactID, p.Anonymized, utc(p.CreatedAt), utc(p.UpdatedAt),
	)
	if err != nil {
		return s.storageErr("put_profile", err)
	}
	return nil
}

// AnonymizeProfile strips personal fields and replaces the email with sentinelEmail.
func (s *SQLStore) AnonymizeProfile(ctx context.Context, subjectID, sentinelEmail string, at time.Time) error {
	const q = `UPDATE profiles SET email = ?, first_name = '', last_name = '', phone = '', address = '',
		crm_contact_id = '', anonymized = ?, updated_at = ? WHERE subject_id = ?`

	res, err := s.db.ExecContext(ctx, s.rebind(q), sentinelEmail, true, utc(at), subjectID)
	if err != nil {
		return s.storageErr("anonymize_profile", err)
	}
	return s.requireAffected(res, "anonymize_profile")
}

// DeleteProfile removes the profile.
func (s *SQLStore) DeleteProfile(ctx context.Context, subjectID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM profiles WHERE subject_id = ?`), subjectID)
	if err != nil {
		return s.storageErr("delete_profile", err)
	}
	return s.requireAffected(res, "delete_profile")
}

type orderPayload struct {
	Status     compliance.PaymentStatus `json:"status"`
	Currency   string                   `json:"currency"`
	TotalCents int64                    `json:"total_cents"`
	Lines      []compliance.OrderLine   `json:"lines"`
}

// PutOrder inserts or replaces an order in the active tier.
func (s *SQLStore) PutOrder(ctx context.Context, o *compliance.Order) error {
	payload, err := json.Marshal(orderPayload{Status: o.Status, Currency: o.Currency, TotalCents: o.TotalCents, Lines: o.Lines})
	if err != nil {
		return s.storageErr("put_order", err)
	}
	return s.upsertRecord(ctx, "orders", o.ID, o.SubjectID, o.CreatedAt, payload, "put_order")
}

// ListOrders returns the subject's orders from both tiers, oldest first.
func (s *SQLStore) ListOrders(ctx context.Context, subjectID string) ([]*compliance.Order, error) {
	var orders []*compliance.Order
	err := s.ownedRecords(ctx, compliance.ClassOrders, subjectID, func(id, owner string, createdAt time.Time, payload []byte) error {
		var p orderPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		orders = append(orders, &compliance.Order{
			ID: id, SubjectID: owner, CreatedAt: createdAt,
			Status: p.Status, Currency: p.Currency, TotalCents: p.TotalCents, Lines: p.Lines,
		})
		return nil
	})
	if err != nil {
		return nil, s.storageErr("list_orders", err)
	}
	return orders, nil
}

// CountOrders counts the subject's orders in both tiers.
func (s *SQLStore) CountOrders(ctx context.Context, subjectID string) (int64, error) {
	const q = `SELECT (SELECT COUNT(*) FROM orders WHERE owner_ref = ?) + (SELECT COUNT(*) FROM orders_archive WHERE owner_ref = ?)`
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), subjectID, subjectID).Scan(&n); err != nil {
		return 0, s.storageErr("count_orders", err)
	}
	return n, nil
}

type cartPayload struct {
	Items []compliance.CartItem `json:"items"`
}

// PutCartSession inserts or replaces a cart session in the active tier.
func (s *SQLStore) PutCartSession(ctx context.Context, c *compliance.CartSession) error {
	payload, err := json.Marshal(cartPayload{Items: c.Items})
	if err != nil {
		return s.storageErr("put_cart_session", err)
	}
	return s.upsertRecord(ctx, "cart_sessions", c.ID, c.SubjectID, c.CreatedAt, payload, "put_cart_session")
}

// ListCartSessions returns the subject's cart sessions, oldest first.
func (s *SQLStore) ListCartSessions(ctx context.Context, subjectID string) ([]*compliance.CartSession, error) {
	var carts []*compliance.CartSession
	err := s.ownedRecords(ctx, compliance.ClassCartSessions, subjectID, func(id, owner string, createdAt time.Time, payload []byte) error {
		var p cartPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return err
		}
		carts = append(carts, &compliance.CartSession{ID: id, SubjectID: owner, CreatedAt: createdAt, Items: p.Items})
		return nil
	})
	if err != nil {
		return nil, s.storageErr("list_cart_sessions", err)
	}
	return carts, nil
}

// DeleteCartSessions removes every cart session owned by the subject.
func (s *SQLStore) DeleteCartSessions(ctx context.Context, subjectID string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"cart_sessions", "cart_sessions_archive"} {
			res, err := tx.ExecContext(ctx, s.rebind("DELETE FROM "+table+" WHERE owner_ref = ?"), subjectID)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted += n
		}
		return nil
	})
	if err != nil {
		return 0, s.storageErr("delete_cart_sessions", err)
	}
	return deleted, nil
}

// PutSubscription inserts or replaces a subscription.
func (s *SQLStore) PutSubscription(ctx context.Context, sub *compliance.Subscription) error {
	const q = `INSERT INTO subscriptions (id, subject_id, list, status, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET list = excluded.list, status = excluded.status`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), sub.ID, sub.SubjectID, sub.List, sub.Status, utc(sub.CreatedAt)); err != nil {
		return s.storageErr("put_subscription", err)
	}
	return nil
}

// ListSubscriptions returns the subject's subscriptions, oldest first.
func (s *SQLStore) ListSubscriptions(ctx context.Context, subjectID string) ([]*compliance.Subscription, error) {
	const q = `SELECT id, subject_id, list, status, created_at FROM subscriptions WHERE subject_id = ? ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, s.rebind(q), subjectID)
	if err != nil {
		return nil, s.storageErr("list_subscriptions", err)
	}
	defer rows.Close()

	var subs []*compliance.Subscription
	for rows.Next() {
		var sub compliance.Subscription
		if err := rows.Scan(&sub.ID, &sub.SubjectID, &sub.List, &sub.Status, scanTime(&sub.CreatedAt)); err != nil {
			return nil, s.storageErr("list_subscriptions", err)
		}
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr("list_subscriptions", err)
	}
	return subs, nil
}

// DeleteSubscriptions removes every subscription of the subject.
func (s *SQLStore) DeleteSubscriptions(ctx context.Context, subjectID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM subscriptions WHERE subject_id = ?`), subjectID)
	if err != nil {
		return 0, s.storageErr("delete_subscriptions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.storageErr("delete_subscriptions", err)
	}
	return n, nil
}

// AppendEntry inserts an entry into the active ledger table.
func (s *SQLStore) AppendEntry(ctx context.Context, e *compliance.AuditEntry) error {
	detail, err := compliance.MarshalDetail(e.Detail)
	if err != nil {
		return s.storageErr("append_entry", err)
	}
	q := fmt.Sprintf("INSERT INTO audit_log (%s) VALUES (?, ?, ?, ?, ?, ?, ?)", ledgerColumns)
	_, err = s.db.ExecContext(ctx, s.rebind(q),
		e.ID, e.Actor, utc(e.CreatedAt), string(e.Action), e.ObjectType, string(detail), e.SourceAddress)
	if err != nil {
		return s.storageErr("append_entry", err)
	}
	return nil
}

// RecentEntries returns up to limit entries by actor, newest first.
func (s *SQLStore) RecentEntries(ctx context.Context, actor string, limit int) ([]*compliance.AuditEntry, error) {
	q := fmt.Sprintf(`SELECT %[1]s FROM audit_log WHERE owner_ref = ?
		UNION ALL SELECT %[1]s FROM audit_log_archive WHERE owner_ref = ?
		ORDER BY created_at DESC, id DESC`, ledgerColumns)
	args := []any{actor, actor}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	entries, err := s.queryEntries(ctx, q, args...)
	if err != nil {
		return nil, s.storageErr("recent_entries", err)
	}
	return entries, nil
}

// EntriesByAction returns entries with action created at or after since, oldest first.
func (s *SQLStore) EntriesByAction(ctx context.Context, action compliance.AuditAction, since time.Time) ([]*compliance.AuditEntry, error) {
	q := fmt.Sprintf(`SELECT %[1]s FROM audit_log WHERE action = ? AND created_at >= ?
		UNION ALL SELECT %[1]s FROM audit_log_archive WHERE action = ? AND created_at >= ?
		ORDER BY created_at, id`, ledgerColumns)
	entries, err := s.queryEntries(ctx, q, string(action), utc(since), string(action), utc(since))
	if err != nil {
		return nil, s.storageErr("entries_by_action", err)
	}
	return entries, nil
}

// AnonymizeActor rewrites the actor and source address of every entry by
// actor in both ledger tables.
func (s *SQLStore) AnonymizeActor(ctx context.Context, actor string) (int64, error) {
	var rewritten int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"audit_log", "audit_log_archive"} {
			q := "UPDATE " + table + " SET owner_ref = ?, source_address = '' WHERE owner_ref = ?"
			res, err := tx.ExecContext(ctx, s.rebind(q), compliance.ActorAnonymous, actor)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			rewritten += n
		}
		return nil
	})
	if err != nil {
		return 0, s.storageErr("anonymize_actor", err)
	}
	return rewritten, nil
}

// SaveSnapshot replaces the single stored snapshot.
func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *compliance.ComplianceSnapshot) error {
	payload, err := json.Marshal(snap.Classes)
	if err != nil {
		return s.storageErr("save_snapshot", err)
	}
	const q = `INSERT INTO compliance_snapshots (id, generated_at, payload) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET generated_at = excluded.generated_at, payload = excluded.payload`
	if _, err := s.db.ExecContext(ctx, s.rebind(q), utc(snap.GeneratedAt), string(payload)); err != nil {
		return s.storageErr("save_snapshot", err)
	}
	return nil
}

// LatestSnapshot returns the stored snapshot or compliance.ErrNotFound.
func (s *SQLStore) LatestSnapshot(ctx context.Context) (*compliance.ComplianceSnapshot, error) {
	var (
		snap    compliance.ComplianceSnapshot
		payload string
	)
	err := s.db.QueryRowContext(ctx, `SELECT generated_at, payload FROM compliance_snapshots WHERE id = 1`).
		Scan(scanTime(&snap.GeneratedAt), &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("latest_snapshot", err)
	}
	if err := json.Unmarshal([]byte(payload), &snap.Classes); err != nil {
		return nil, s.storageErr("latest_snapshot", err)
	}
	return &snap, nil
}

// SaveRun records the last run of a cadence.
func (s *SQLStore) SaveRun(ctx context.Context, r *compliance.RunRecord) error {
	const q = `INSERT INTO retention_runs (kind, run_id, started_at, finished_at, failed_tasks) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind) DO UPDATE SET run_id = excluded.run_id, started_at = excluded.started_at,
			finished_at = excluded.finished_at, failed_tasks = excluded.failed_tasks`
	_, err := s.db.ExecContext(ctx, s.rebind(q), string(r.Kind), r.ID, utc(r.StartedAt), utc(r.FinishedAt), r.FailedTasks)
	if err != nil {
		return s.storageErr("save_run", err)
	}
	return nil
}

// LastRun returns the last run of kind or compliance.ErrNotFound.
func (s *SQLStore) LastRun(ctx context.Context, kind compliance.RunKind) (*compliance.RunRecord, error) {
	const q = `SELECT kind, run_id, started_at, finished_at, failed_tasks FROM retention_runs WHERE kind = ?`
	var (
		r    compliance.RunRecord
		kstr string
	)
	err := s.db.QueryRowContext(ctx, s.rebind(q), string(kind)).
		Scan(&kstr, &r.ID, scanTime(&r.StartedAt), scanTime(&r.FinishedAt), &r.FailedTasks)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("last_run", err)
	}
	r.Kind = compliance.RunKind(kstr)
	return &r, nil
}

// PutDeletionRequest stores r, replacing any live request of the subject.
func (s *SQLStore) PutDeletionRequest(ctx context.Context, r *compliance.DeletionRequest) error {
	const q = `INSERT INTO deletion_requests (subject_id, token_hash, issued_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (subject_id) DO UPDATE SET token_hash = excluded.token_hash,
			issued_at = excluded.issued_at, expires_at = excluded.expires_at`
	_, err := s.db.ExecContext(ctx, s.rebind(q), r.SubjectID, r.TokenHash, utc(r.IssuedAt), utc(r.ExpiresAt))
	if err != nil {
		return s.storageErr("put_deletion_request", err)
	}
	return nil
}

// GetDeletionRequest returns the subject's request or compliance.ErrNotFound.
func (s *SQLStore) GetDeletionRequest(ctx context.Context, subjectID string) (*compliance.DeletionRequest, error) {
	const q = `SELECT subject_id, token_hash, issued_at, expires_at FROM deletion_requests WHERE subject_id = ?`
	var r compliance.DeletionRequest
	err := s.db.QueryRowContext(ctx, s.rebind(q), subjectID).
		Scan(&r.SubjectID, &r.TokenHash, scanTime(&r.IssuedAt), scanTime(&r.ExpiresAt))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, compliance.ErrNotFound
	}
	if err != nil {
		return nil, s.storageErr("get_deletion_request", err)
	}
	return &r, nil
}

// ConsumeDeletionRequest deletes the request only if its hash still matches.
func (s *SQLStore) ConsumeDeletionRequest(ctx context.Context, subjectID, tokenHash string) (bool, error) {
	const q = `DELETE FROM deletion_requests WHERE subject_id = ? AND token_hash = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(q), subjectID, tokenHash)
	if err != nil {
		return false, s.storageErr("consume_deletion_request", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.storageErr("consume_deletion_request", err)
	}
	return n == 1, nil
}

// DeleteExpiredRequests drops every request expired at now.
func (s *SQLStore) DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM deletion_requests WHERE expires_at <= ?`), utc(now))
	if err != nil {
		return 0, s.storageErr("delete_expired_requests", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.storageErr("delete_expired_requests", err)
	}
	return n, nil
}

func (s *SQLStore) upsertRecord(ctx context.Context, table, id, owner string, createdAt time.Time, payload []byte, op string) error {
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET owner_ref = excluded.owner_ref, payload = excluded.payload`, table, recordColumns)
	if _, err := s.db.ExecContext(ctx, s.rebind(q), id, owner, utc(createdAt), string(payload)); err != nil {
		return s.storageErr(op, err)
	}
	return nil
}

func (s *SQLStore) ownedRecords(ctx context.Context, class compliance.EntityClass, owner string, fn func(id, owner string, createdAt time.Time, payload []byte) error) error {
	active, err := tableFor(class, compliance.TierActive)
	if err != nil {
		return err
	}
	archive, _ := tableFor(class, compliance.TierArchive)

	q := fmt.Sprintf(`SELECT %[1]s FROM %[2]s WHERE owner_ref = ?
		UNION ALL SELECT %[1]s FROM %[3]s WHERE owner_ref = ?
		ORDER BY created_at, id`, recordColumns, active, archive)
	rows, err := s.db.QueryContext(ctx, s.rebind(q), owner, owner)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id, ownerRef, payload string
			createdAt             time.Time
		)
		if err := rows.Scan(&id, &ownerRef, scanTime(&createdAt), &payload); err != nil {
			return err
		}
		if err := fn(id, ownerRef, createdAt, []byte(payload)); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *SQLStore) queryEntries(ctx context.Context, q string, args ...any) ([]*compliance.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*compliance.AuditEntry
	for rows.Next() {
		var (
			e              compliance.AuditEntry
			action, detail string
		)
		if err := rows.Scan(&e.ID, &e.Actor, scanTime(&e.CreatedAt), &action, &e.ObjectType, &detail, &e.SourceAddress); err != nil {
			return nil, err
		}
		e.Action = compliance.AuditAction(action)
		if e.Detail, err = compliance.UnmarshalDetail([]byte(detail)); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) collectIDs(rows *sql.Rows, op string) ([]string, error) {
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.storageErr(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.storageErr(op, err)
	}
	return ids, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return s.storageErr(op, err)
	}
	if n == 0 {
		return compliance.ErrNotFound
	}
	return nil
}

func (s *SQLStore) storageErr(op string, err error) error {
	return compliance.NewStorageError(s.config.Driver, op, err)
}

// rebind converts ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.config.Driver != DriverPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func tableFor(class compliance.EntityClass, tier compliance.Tier) (string, error) {
	if !class.Valid() {
		return "", &UnknownTableError{Class: class, Tier: tier}
	}
	switch tier {
	case compliance.TierActive:
		return string(class), nil
	case compliance.TierArchive:
		return string(class) + "_archive", nil
	}
	return "", &UnknownTableError{Class: class, Tier: tier}
}

func columnsFor(class compliance.EntityClass) string {
	if class == compliance.ClassAuditLog {
		return ledgerColumns
	}
	return recordColumns
}

func chunkIDs(ids []string) [][]string {
	var chunks [][]string
	for len(ids) > 0 {
		n := min(len(ids), maxIDsPerStatement)
		chunks = append(chunks, ids[:n])
		ids = ids[n:]
	}
	return chunks
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func anyIDs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// utc normalizes timestamps before they reach the database. Microsecond
// precision matches PostgreSQL.
func utc(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Package ledger is the append-only audit ledger. It is the only writer of
// audit_log rows; the single permitted mutation is the anonymization rewrite
// performed for an erased subject.
package ledger

import (
	"context"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"

	"mercator-hq/custodian/pkg/compliance"
)

// ObjectLedger is the object type of entries written about the ledger itself.
const ObjectLedger = "ledger"

// Ledger appends audit entries and performs subject anonymization.
type Ledger struct {
	store  compliance.LedgerStore
	now    func() time.Time
	newID  func() string
	logger *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger on store.
func New(store compliance.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "compliance.ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record appends one entry. sourceAddress is reduced to a bare IP address;
// anything that does not parse is stored as the empty string.
func (l *Ledger) Record(ctx context.Context, actor string, action compliance.AuditAction, objectType string, detail compliance.Detail, sourceAddress string) (*compliance.AuditEntry, error) {
	entry := &compliance.AuditEntry{
		ID:            l.newID(),
		Actor:         actor,
		Action:        action,
		ObjectType:    objectType,
		Detail:        detail,
		SourceAddress: SanitizeAddress(sourceAddress),
		CreatedAt:     l.now().UTC(),
	}
	if err := l.store.AppendEntry(ctx, entry); err != nil {
		l.logger.Error("failed to append audit entry", "action", action, "object_type", objectType, "error", err)
		return nil, err
	}

	l.logger.Debug("audit entry recorded", "id", entry.ID, "action", action, "object_type", objectType)
	return entry, nil
}

// AnonymizeForSubject rewrites every entry attributed to subjectID in both
// tiers to the anonymous actor with no source address, then records the
// rewrite. It returns the number of rewritten entries.
func (l *Ledger) AnonymizeForSubject(ctx context.Context, subjectID string) (int64, error) {
	switch subjectID {
	case "", compliance.ActorSystem, compliance.ActorAnonymous:
		return 0, compliance.NewValidationError("subject_id", "reserved actor cannot be anonymized")
	}

	n, err := l.store.AnonymizeActor(ctx, subjectID)
	if err != nil {
		return 0, err
	}

	if _, err := l.Record(ctx, compliance.ActorSystem, compliance.AuditLedgerAnonymized, ObjectLedger,
		compliance.LedgerAnonymized{Rewritten: n}, ""); err != nil {
		return n, err
	}

	l.logger.Info("ledger anonymized", "rewritten", n)
	return n, nil
}

// Recent returns up to limit entries by actor, newest first.
func (l *Ledger) Recent(ctx context.Context, actor string, limit int) ([]*compliance.AuditEntry, error) {
	return l.store.RecentEntries(ctx, actor, limit)
}

// ByAction returns entries with action recorded at or after since.
func (l *Ledger) ByAction(ctx context.Context, action compliance.AuditAction, since time.Time) ([]*compliance.AuditEntry, error) {
	return l.store.EntriesByAction(ctx, action, since)
}

// SanitizeAddress returns the canonical IP of raw, which may carry a port
// ("203.0.113.7:443", "[2001:db8::1]:443") or be a bare address. Invalid
// input yields "".
func SanitizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().Unmap().WithZone("").String()
	}
	if addr, err := netip.ParseAddr(strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")); err == nil {
		return addr.Unmap().WithZone("").String()
	}
	return ""
}

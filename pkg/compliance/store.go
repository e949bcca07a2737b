package compliance

import (
	"context"
	"time"
)

// RecordStore is the tier-aware view of the tracked classes used by the
// retention engine and the archival pipeline.
type RecordStore interface {
	// IDsCreatedBefore returns ids in the given tier whose created_at is at
	// or before cutoff, oldest first.
	IDsCreatedBefore(ctx context.Context, class EntityClass, tier Tier, cutoff time.Time) ([]string, error)

	// CopyToArchive copies the given active rows into the archive tier,
	// skipping ids already archived. It returns the number of rows inserted.
	CopyToArchive(ctx context.Context, class EntityClass, ids []string) (int64, error)

	// PresentIn returns the subset of ids that exist in the given tier.
	PresentIn(ctx context.Context, class EntityClass, tier Tier, ids []string) ([]string, error)

	// DeleteRecords removes the given ids from a tier and returns the count removed.
	DeleteRecords(ctx context.Context, class EntityClass, tier Tier, ids []string) (int64, error)

	// CountRecords returns the number of rows in a tier.
	CountRecords(ctx context.Context, class EntityClass, tier Tier) (int64, error)
}

// SubjectStore holds the subject-side records read and erased by the
// subject-rights workflow.
type SubjectStore interface {
	GetProfile(ctx context.Context, subjectID string) (*Profile, error)
	PutProfile(ctx context.Context, p *Profile) error
	AnonymizeProfile(ctx context.Context, subjectID, sentinelEmail string, at time.Time) error
	DeleteProfile(ctx context.Context, subjectID string) error

	// Orders are read across both tiers.
	PutOrder(ctx context.Context, o *Order) error
	ListOrders(ctx context.Context, subjectID string) ([]*Order, error)
	CountOrders(ctx context.Context, subjectID string) (int64, error)

	PutCartSession(ctx context.Context, c *CartSession) error
	ListCartSessions(ctx context.Context, subjectID string) ([]*CartSession, error)
	DeleteCartSessions(ctx context.Context, subjectID string) (int64, error)

	PutSubscription(ctx context.Context, s *Subscription) error
	ListSubscriptions(ctx context.Context, subjectID string) ([]*Subscription, error)
	DeleteSubscriptions(ctx context.Context, subjectID string) (int64, error)
}

// LedgerStore persists audit entries. It deliberately has no generic update:
// AnonymizeActor is the only mutation.
type LedgerStore interface {
	AppendEntry(ctx context.Context, e *AuditEntry) error

	// RecentEntries returns entries by actor across both tiers, newest first.
	RecentEntries(ctx context.Context, actor string, limit int) ([]*AuditEntry, error)

	// EntriesByAction returns entries with the action created at or after
	// since across both tiers, oldest first.
	EntriesByAction(ctx context.Context, action AuditAction, since time.Time) ([]*AuditEntry, error)

	// AnonymizeActor rewrites actor to ActorAnonymous and clears the source
	// address of every entry by actor in both tiers.
	AnonymizeActor(ctx context.Context, actor string) (int64, error)
}

// ReportStore persists the compliance snapshot and last-run bookkeeping.
type ReportStore interface {
	SaveSnapshot(ctx context.Context, s *ComplianceSnapshot) error
	LatestSnapshot(ctx context.Context) (*ComplianceSnapshot, error)
	SaveRun(ctx context.Context, r *RunRecord) error
	LastRun(ctx context.Context, kind RunKind) (*RunRecord, error)
}

// TokenStore holds pending deletion requests.
type TokenStore interface {
	// PutDeletionRequest stores r, replacing any request of the same subject.
	PutDeletionRequest(ctx context.Context, r *DeletionRequest) error

	// GetDeletionRequest returns the live request or ErrNotFound.
	GetDeletionRequest(ctx context.Context, subjectID string) (*DeletionRequest, error)

	// ConsumeDeletionRequest removes the request only when its stored hash
	// still equals tokenHash. It reports whether this call removed it.
	ConsumeDeletionRequest(ctx context.Context, subjectID, tokenHash string) (bool, error)

	// DeleteExpiredRequests drops requests expired at now.
	DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error)
}

// Store is the full persistence surface of a single backend.
type Store interface {
	RecordStore
	SubjectStore
	LedgerStore
	ReportStore
	TokenStore
	Close() error
}

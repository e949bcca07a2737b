package compliance

import (
	"fmt"
	"time"
)

// EntityClass identifies a retention-tracked table family.
type EntityClass string

const (
	ClassCartSessions EntityClass = "cart_sessions"
	ClassOrders       EntityClass = "orders"
	ClassAuditLog     EntityClass = "audit_log"
)

// EntityClasses returns every tracked class in a stable order.
func EntityClasses() []EntityClass {
	return []EntityClass{ClassCartSessions, ClassOrders, ClassAuditLog}
}

// Valid reports whether c is one of the tracked classes.
func (c EntityClass) Valid() bool {
	switch c {
	case ClassCartSessions, ClassOrders, ClassAuditLog:
		return true
	}
	return false
}

// Tier is the storage tier a record currently lives in.
type Tier string

const (
	TierActive  Tier = "active"
	TierArchive Tier = "archive"
)

// TerminalAction is what happens to a record once its retention window ends.
type TerminalAction string

const (
	ActionPurge            TerminalAction = "purge"
	ActionArchiveThenPurge TerminalAction = "archive_then_purge"
	ActionWarnOnly         TerminalAction = "warn_only"
)

// Day is the unit retention windows are expressed in.
const Day = 24 * time.Hour

// RetentionRule binds an entity class to its retention windows.
// Both windows are measured from the record's creation time.
type RetentionRule struct {
	EntityClass    EntityClass    `json:"entity_class"`
	ActiveWindow   time.Duration  `json:"active_window"`
	ArchiveWindow  time.Duration  `json:"archive_window,omitempty"` // zero when the class is never archived
	TerminalAction TerminalAction `json:"terminal_action"`
}

// Horizon is the age at which the record leaves the system (or, for
// warn_only rules, the age at which it becomes eligible for review).
func (r RetentionRule) Horizon() time.Duration {
	if r.ArchiveWindow > 0 {
		return r.ArchiveWindow
	}
	return r.ActiveWindow
}

// Validate checks the rule's internal consistency.
func (r RetentionRule) Validate() error {
	if !r.EntityClass.Valid() {
		return fmt.Errorf("unknown entity class %q", r.EntityClass)
	}
	if r.ActiveWindow <= 0 {
		return fmt.Errorf("%s: active window must be positive", r.EntityClass)
	}
	switch r.TerminalAction {
	case ActionArchiveThenPurge:
		if r.ArchiveWindow <= 0 {
			return fmt.Errorf("%s: archive_then_purge requires an archive window", r.EntityClass)
		}
		if r.ArchiveWindow <= r.ActiveWindow {
			return fmt.Errorf("%s: archive window (%s) must exceed active window (%s)",
				r.EntityClass, r.ArchiveWindow, r.ActiveWindow)
		}
	case ActionPurge, ActionWarnOnly:
		if r.ArchiveWindow != 0 {
			return fmt.Errorf("%s: archive window is only valid for archive_then_purge", r.EntityClass)
		}
	default:
		return fmt.Errorf("%s: unknown terminal action %q", r.EntityClass, r.TerminalAction)
	}
	return nil
}

// DefaultRules is the built-in rule set.
func DefaultRules() []RetentionRule {
	return []RetentionRule{
		{EntityClass: ClassCartSessions, ActiveWindow: 30 * Day, TerminalAction: ActionPurge},
		{EntityClass: ClassOrders, ActiveWindow: 3650 * Day, TerminalAction: ActionWarnOnly},
		{EntityClass: ClassAuditLog, ActiveWindow: 365 * Day, ArchiveWindow: 1095 * Day, TerminalAction: ActionArchiveThenPurge},
	}
}

// TrackedRecord is the retention view of any row in a tracked class.
type TrackedRecord struct {
	ID          string      `json:"id"`
	OwnerRef    string      `json:"owner_ref,omitempty"` // empty when the record has no owning subject
	CreatedAt   time.Time   `json:"created_at"`
	EntityClass EntityClass `json:"entity_class"`
}

// CartItem is a single line in a cart session.
type CartItem struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitCents int64  `json:"unit_cents"`
}

// CartSession is an abandoned or in-progress shopping cart.
type CartSession struct {
	ID        string     `json:"id"`
	SubjectID string     `json:"subject_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	Items     []CartItem `json:"items"`
}

// Tracked returns the retention view of the session.
func (c *CartSession) Tracked() TrackedRecord {
	return TrackedRecord{ID: c.ID, OwnerRef: c.SubjectID, CreatedAt: c.CreatedAt, EntityClass: ClassCartSessions}
}

// OrderLine is a purchased item.
type OrderLine struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitCents int64  `json:"unit_cents"`
}

// Order is a placed order. Orders are under legal retention and are never
// removed by the subject-rights workflow.
type Order struct {
	ID         string        `json:"id"`
	SubjectID  string        `json:"subject_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     PaymentStatus `json:"status"`
	Currency   string        `json:"currency"`
	TotalCents int64         `json:"total_cents"`
	Lines      []OrderLine   `json:"lines"`
}

// Tracked returns the retention view of the order.
func (o *Order) Tracked() TrackedRecord {
	return TrackedRecord{ID: o.ID, OwnerRef: o.SubjectID, CreatedAt: o.CreatedAt, EntityClass: ClassOrders}
}

// Profile is the subject's account record.
type Profile struct {
	SubjectID    string    `json:"subject_id"`
	Email        string    `json:"email"`
	FirstName    string    `json:"first_name"`
	LastName     string    `json:"last_name"`
	Phone        string    `json:"phone"`
	Address      string    `json:"address"`
	CRMContactID string    `json:"crm_contact_id,omitempty"`
	Anonymized   bool      `json:"anonymized"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Subscription is a marketing list membership.
type Subscription struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subject_id"`
	List      string    `json:"list"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Ledger actors with fixed meaning.
const (
	ActorSystem    = "system"
	ActorAnonymous = "0"
)

// AuditAction names what a ledger entry records.
type AuditAction string

const (
	AuditDataExport          AuditAction = "data_export"
	AuditDeletionRequested   AuditAction = "deletion_requested"
	AuditDeletionCompleted   AuditAction = "deletion_completed"
	AuditLedgerAnonymized    AuditAction = "ledger_anonymized"
	AuditRetentionArchive    AuditAction = "retention_archive"
	AuditRetentionPurge      AuditAction = "retention_purge"
	AuditRetentionRunSummary AuditAction = "retention_run_summary"
	AuditRetentionWarning    AuditAction = "retention_warning"
)

// AuditEntry is one immutable line of the audit ledger.
type AuditEntry struct {
	ID            string      `json:"id"`
	Actor         string      `json:"actor"`
	Action        AuditAction `json:"action"`
	ObjectType    string      `json:"object_type"`
	Detail        Detail      `json:"detail"`
	SourceAddress string      `json:"source_address"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Tracked returns the retention view of the entry.
func (e *AuditEntry) Tracked() TrackedRecord {
	return TrackedRecord{ID: e.ID, OwnerRef: e.Actor, CreatedAt: e.CreatedAt, EntityClass: ClassAuditLog}
}

// DeletionTokenTTL is how long a deletion confirmation token stays valid.
const DeletionTokenTTL = 7 * Day

// DeletionRequest is the pending, token-protected erasure request of a subject.
// At most one request exists per subject.
type DeletionRequest struct {
	SubjectID string    `json:"subject_id"`
	TokenHash string    `json:"token_hash"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the request can no longer be confirmed at now.
func (r *DeletionRequest) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// ClassCounts holds per-tier record counts of one class.
type ClassCounts struct {
	Active   int64 `json:"active"`
	Archived int64 `json:"archived"`
	Total    int64 `json:"total"`
}

// ComplianceSnapshot is a point-in-time count of every tracked class.
type ComplianceSnapshot struct {
	GeneratedAt time.Time                   `json:"generated_at"`
	Classes     map[EntityClass]ClassCounts `json:"classes"`
}

// RunKind identifies a scheduled retention cadence.
type RunKind string

const (
	RunDaily   RunKind = "daily"
	RunMonthly RunKind = "monthly"
)

// Valid reports whether k is a known cadence.
func (k RunKind) Valid() bool {
	return k == RunDaily || k == RunMonthly
}

// RunRecord is the persisted outcome of the last run of a cadence.
type RunRecord struct {
	ID          string    `json:"id"`
	Kind        RunKind   `json:"kind"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	FailedTasks int       `json:"failed_tasks"`
}

// ExportFormat is the rendering of a subject data export.
type ExportFormat string

const (
	FormatStructured ExportFormat = "structured"
	FormatFlat       ExportFormat = "flat"
)

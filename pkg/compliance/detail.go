package compliance

import (
	"encoding/json"
	"fmt"
	"time"
)

// Detail is the typed payload of an audit entry. Each variant carries a
// discriminator; the {"kind","data"} envelope only exists at persistence
// and export boundaries.
type Detail interface {
	Kind() string
}

// ArchiveResult records one archival move of a class.
type ArchiveResult struct {
	EntityClass EntityClass `json:"entity_class"`
	Selected    int         `json:"selected"`
	Archived    int64       `json:"archived"`
	Removed     int64       `json:"removed"`
	Cutoff      time.Time   `json:"cutoff"`
}

func (ArchiveResult) Kind() string { return "archive_result" }

// CleanupResult records a purge of one tier of a class.
type CleanupResult struct {
	EntityClass EntityClass `json:"entity_class"`
	Task        string      `json:"task"`
	Tier        Tier        `json:"tier"`
	Deleted     int64       `json:"deleted"`
	Cutoff      time.Time   `json:"cutoff"`
}

func (CleanupResult) Kind() string { return "cleanup_result" }

// RetentionWarning records records approaching their retention horizon.
type RetentionWarning struct {
	EntityClass EntityClass   `json:"entity_class"`
	Count       int           `json:"count"`
	LeadTime    time.Duration `json:"lead_time"`
	Horizon     time.Duration `json:"horizon"`
}

func (RetentionWarning) Kind() string { return "retention_warning" }

// RunSummary is the per-class line written at the end of a retention run.
type RunSummary struct {
	RunID       string      `json:"run_id"`
	RunKind     RunKind     `json:"run_kind"`
	EntityClass EntityClass `json:"entity_class"`
	Archived    int64       `json:"archived"`
	Deleted     int64       `json:"deleted"`
	Approaching int         `json:"approaching"`
	Failed      int         `json:"failed"`
}

func (RunSummary) Kind() string { return "run_summary" }

// ExportDetail records a subject data export.
type ExportDetail struct {
	Format        ExportFormat `json:"format"`
	Found         bool         `json:"found"`
	Orders        int          `json:"orders"`
	CartSessions  int          `json:"cart_sessions"`
	Subscriptions int          `json:"subscriptions"`
	AuditEntries  int          `json:"audit_entries"`
	CRMError      string       `json:"crm_error,omitempty"`
}

func (ExportDetail) Kind() string { return "export" }

// DeletionRequestDetail records issuance of a deletion confirmation token.
type DeletionRequestDetail struct {
	ExpiresAt         time.Time `json:"expires_at"`
	NotificationError string    `json:"notification_error,omitempty"`
}

func (DeletionRequestDetail) Kind() string { return "deletion_requested" }

// DeletionBranch is the erasure strategy chosen by the legal-hold predicate.
type DeletionBranch string

const (
	BranchAnonymize DeletionBranch = "anonymize"
	BranchDelete    DeletionBranch = "delete"
)

// CRMDeletion is the outcome of the optional CRM contact removal.
type CRMDeletion string

const (
	CRMSkipped CRMDeletion = "skipped"
	CRMDeleted CRMDeletion = "deleted"
	CRMFailed  CRMDeletion = "failed"
)

// DeletionOutcome records a completed deletion. It never names the subject.
type DeletionOutcome struct {
	Branch               DeletionBranch `json:"branch"`
	OrdersRetained       int64          `json:"orders_retained"`
	CartSessionsDeleted  int64          `json:"cart_sessions_deleted"`
	SubscriptionsDeleted int64          `json:"subscriptions_deleted"`
	LedgerRewritten      int64          `json:"ledger_rewritten"`
	CRM                  CRMDeletion    `json:"crm"`
	CRMError             string         `json:"crm_error,omitempty"`
	RequestedAt          time.Time      `json:"requested_at"`
}

func (DeletionOutcome) Kind() string { return "deletion_outcome" }

// LedgerAnonymized records a ledger anonymization rewrite.
type LedgerAnonymized struct {
	Rewritten int64 `json:"rewritten"`
}

func (LedgerAnonymized) Kind() string { return "ledger_anonymized" }

type detailEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalDetail serializes d into its {"kind","data"} envelope.
func MarshalDetail(d Detail) ([]byte, error) {
	if d == nil {
		return []byte(`{"kind":"","data":null}`), nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal %s detail: %w", d.Kind(), err)
	}
	return json.Marshal(detailEnvelope{Kind: d.Kind(), Data: data})
}

// UnmarshalDetail restores a detail from its envelope.
func UnmarshalDetail(b []byte) (Detail, error) {
	var env detailEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal detail envelope: %w", err)
	}

	var d Detail
	switch env.Kind {
	case "":
		return nil, nil
	case ArchiveResult{}.Kind():
		d = decode[ArchiveResult](env.Data)
	case CleanupResult{}.Kind():
		d = decode[CleanupResult](env.Data)
	case RetentionWarning{}.Kind():
		d = decode[RetentionWarning](env.Data)
	case RunSummary{}.Kind():
		d = decode[RunSummary](env.Data)
	case ExportDetail{}.Kind():
		d = decode[ExportDetail](env.Data)
	case DeletionRequestDetail{}.Kind():
		d = decode[DeletionRequestDetail](env.Data)
	case DeletionOutcome{}.Kind():
		d = decode[DeletionOutcome](env.Data)
	case LedgerAnonymized{}.Kind():
		d = decode[LedgerAnonymized](env.Data)
	default:
		return nil, fmt.Errorf("unknown detail kind %q", env.Kind)
	}
	if d == nil {
		return nil, fmt.Errorf("malformed %s detail", env.Kind)
	}
	return d, nil
}

func decode[T Detail](data json.RawMessage) Detail {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil
	}
	return v
}

// MarshalJSON renders the entry with its detail in envelope form.
func (e AuditEntry) MarshalJSON() ([]byte, error) {
	type plain AuditEntry
	detail, err := MarshalDetail(e.Detail)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		plain
		Detail json.RawMessage `json:"detail"`
	}{plain: plain(e), Detail: detail})
}

package subject

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/crm"
)

// DefaultAuditEntryLimit caps the ledger entries included in an export.
const DefaultAuditEntryLimit = 100

// SubjectData is everything held about one subject.
type SubjectData struct {
	SubjectID     string                     `json:"subject_id"`
	Found         bool                       `json:"found"`
	CollectedAt   time.Time                  `json:"collected_at"`
	Profile       *compliance.Profile        `json:"profile"`
	Orders        []*compliance.Order        `json:"orders"`
	CartSessions  []*compliance.CartSession  `json:"cart_sessions"`
	Subscriptions []*compliance.Subscription `json:"subscriptions"`
	AuditEntries  []*compliance.AuditEntry   `json:"audit_entries"`
	CRM           *CRMSection                `json:"crm"`
}

// CRMSection is the best-effort CRM part of an export. Exactly one field is
// set.
type CRMSection struct {
	Contact *crm.Contact `json:"contact,omitempty"`
	Error   string       `json:"error,omitempty"`
}

// Aggregator gathers a subject's data from local stores and the CRM.
type Aggregator struct {
	store      compliance.SubjectStore
	ledger     *ledger.Ledger
	crm        crm.Client
	crmTimeout time.Duration
	auditLimit int
	now        func() time.Time
	logger     *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithCRMTimeout bounds the CRM lookup.
func WithCRMTimeout(d time.Duration) AggregatorOption {
	return func(a *Aggregator) {
		if d > 0 {
			a.crmTimeout = d
		}
	}
}

// WithAuditEntryLimit overrides DefaultAuditEntryLimit.
func WithAuditEntryLimit(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.auditLimit = n
		}
	}
}

// WithAggregatorClock overrides the time source.
func WithAggregatorClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator. A nil CRM client behaves like
// crm.NopClient.
func NewAggregator(store compliance.SubjectStore, l *ledger.Ledger, client crm.Client, opts ...AggregatorOption) *Aggregator {
	if client == nil {
		client = crm.NopClient{}
	}
	a := &Aggregator{
		store:      store,
		ledger:     l,
		crm:        client,
		crmTimeout: 5 * time.Second,
		auditLimit: DefaultAuditEntryLimit,
		now:        time.Now,
		logger:     slog.Default().With("component", "subject.aggregator"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Collect reads every section for subjectID. Local reads run concurrently and
// any failure fails the call; the CRM lookup never does. A subject is found
// when it has a live profile or live records.
func (a *Aggregator) Collect(ctx context.Context, subjectID string) (*SubjectData, error) {
	if err := ValidateSubjectID(subjectID); err != nil {
		return nil, err
	}

	data := &SubjectData{
		SubjectID:     subjectID,
		CollectedAt:   a.now().UTC(),
		Orders:        []*compliance.Order{},
		CartSessions:  []*compliance.CartSession{},
		Subscriptions: []*compliance.Subscription{},
		AuditEntries:  []*compliance.AuditEntry{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p, err := a.store.GetProfile(gctx, subjectID)
		if errors.Is(err, compliance.ErrNotFound) {
			return nil
		}
		data.Profile = p
		return err
	})
	g.Go(func() error {
		orders, err := a.store.ListOrders(gctx, subjectID)
		if len(orders) > 0 {
			data.Orders = orders
		}
		return err
	})
	g.Go(func() error {
		carts, err := a.store.ListCartSessions(gctx, subjectID)
		if len(carts) > 0 {
			data.CartSessions = carts
		}
		return err
	})
	g.Go(func() error {
		subs, err := a.store.ListSubscriptions(gctx, subjectID)
		if len(subs) > 0 {
			data.Subscriptions = subs
		}
		return err
	})
	g.Go(func() error {
		entries, err := a.ledger.Recent(gctx, subjectID, a.auditLimit)
		if len(entries) > 0 {
			data.AuditEntries = entries
		}
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// An erased profile is a tombstone, not subject data. Ledger rows alone
	// never make a subject known.
	if data.Profile != nil && data.Profile.Anonymized {
		data.Profile = nil
	}
	data.Found = data.Profile != nil ||
		len(data.Orders) > 0 ||
		len(data.CartSessions) > 0 ||
		len(data.Subscriptions) > 0
	if !data.Found {
		data.AuditEntries = []*compliance.AuditEntry{}
	}

	if data.Profile != nil && data.Profile.CRMContactID != "" {
		data.CRM = a.lookupCRM(ctx, data.Profile.CRMContactID)
	}
	return data, nil
}

func (a *Aggregator) lookupCRM(ctx context.Context, contactID string) *CRMSection {
	ctx, cancel := context.WithTimeout(ctx, a.crmTimeout)
	defer cancel()

	contact, err := a.crm.GetContact(ctx, contactID)
	switch {
	case errors.Is(err, crm.ErrContactNotFound):
		return nil
	case err != nil:
		cerr := compliance.NewCollaboratorError("crm", "get_contact", err)
		a.logger.Warn("crm lookup failed, exporting local data only", "error", err)
		return &CRMSection{Error: cerr.Error()}
	case contact == nil:
		return nil
	}
	return &CRMSection{Contact: contact}
}

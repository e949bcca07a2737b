package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// memRow is one row of a tracked class. Exactly one payload field is set.
type memRow struct {
	id        string
	owner     string
	createdAt time.Time
	cart      *compliance.CartSession
	order     *compliance.Order
	entry     *compliance.AuditEntry
}

func (r *memRow) clone() *memRow {
	c := *r
	if r.cart != nil {
		cart := *r.cart
		cart.Items = append([]compliance.CartItem(nil), r.cart.Items...)
		c.cart = &cart
	}
	if r.order != nil {
		order := *r.order
		order.Lines = append([]compliance.OrderLine(nil), r.order.Lines...)
		c.order = &order
	}
	if r.entry != nil {
		entry := *r.entry
		c.entry = &entry
	}
	return &c
}

// MemoryStore implements compliance.Store using in-memory maps.
// This implementation is intended for testing and local runs only.
type MemoryStore struct {
	mu            sync.RWMutex
	tiers         map[compliance.EntityClass]map[compliance.Tier]map[string]*memRow
	profiles      map[string]*compliance.Profile
	subscriptions map[string]*compliance.Subscription
	requests      map[string]*compliance.DeletionRequest
	snapshot      *compliance.ComplianceSnapshot
	runs          map[compliance.RunKind]*compliance.RunRecord
}

var _ compliance.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		tiers:         make(map[compliance.EntityClass]map[compliance.Tier]map[string]*memRow),
		profiles:      make(map[string]*compliance.Profile),
		subscriptions: make(map[string]*compliance.Subscription),
		requests:      make(map[string]*compliance.DeletionRequest),
		runs:          make(map[compliance.RunKind]*compliance.RunRecord),
	}
	for _, class := range compliance.EntityClasses() {
		s.tiers[class] = map[compliance.Tier]map[string]*memRow{
			compliance.TierActive:  {},
			compliance.TierArchive: {},
		}
	}
	return s
}

func (s *MemoryStore) tier(class compliance.EntityClass, tier compliance.Tier) (map[string]*memRow, error) {
	t, ok := s.tiers[class][tier]
	if !ok {
		return nil, compliance.NewStorageError(BackendMemory, "resolve_table",
			&UnknownTableError{Class: class, Tier: tier})
	}
	return t, nil
}

// IDsCreatedBefore returns ids created at or before cutoff, oldest first.
func (s *MemoryStore) IDsCreatedBefore(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.tier(class, tier)
	if err != nil {
		return nil, err
	}

	var due []*memRow
	for _, row := range rows {
		if !row.createdAt.After(cutoff) {
			due = append(due, row)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].createdAt.Equal(due[j].createdAt) {
			return due[i].id < due[j].id
		}
		return due[i].createdAt.Before(due[j].createdAt)
	})

	ids := make([]string, len(due))
	for i, row := range due {
		ids[i] = row.id
	}
	return ids, nil
}

// CopyToArchive copies active rows into the archive, skipping archived ids.
func (s *MemoryStore) CopyToArchive(ctx context.Context, class compliance.EntityClass, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.tier(class, compliance.TierActive)
	if err != nil {
		return 0, err
	}
	archive, err := s.tier(class, compliance.TierArchive)
	if err != nil {
		return 0, err
	}

	var inserted int64
	for _, id := range ids {
		row, ok := active[id]
		if !ok {
			continue
		}
		if _, exists := archive[id]; exists {
			continue
		}
		archive[id] = row.clone()
		inserted++
	}
	return inserted, nil
}

// PresentIn returns the subset of ids stored in tier.
func (s *MemoryStore) PresentIn(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, ids []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.tier(class, tier)
	if err != nil {
		return nil, err
	}
	var present []string
	for _, id := range ids {
		if _, ok := rows[id]; ok {
			present = append(present, id)
		}
	}
	return present, nil
}

// DeleteRecords removes ids from tier.
func (s *MemoryStore) DeleteRecords(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, ids []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.tier(class, tier)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for _, id := range ids {
		if _, ok := rows[id]; ok {
			delete(rows, id)
			deleted++
		}
	}
	return deleted, nil
}

// CountRecords returns the number of rows in tier.
func (s *MemoryStore) CountRecords(ctx context.Context, class compliance.EntityClass, tier compliance.Tier) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.tier(class, tier)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// GetProfile returns the subject's profile or compliance.ErrNotFound.
func (s *MemoryStore) GetProfile(ctx context.Context, subjectID string) (*compliance.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[subjectID]
	if !ok {
		return nil, compliance.ErrNotFound
	}
	profileCopy := *p
	return &profileCopy, nil
}

// PutProfile creates or replaces a profile.
func (s *MemoryStore) PutProfile(ctx context.Context, p *compliance.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	profileCopy := *p
	s.profiles[p.SubjectID] = &profileCopy
	return nil
}

// AnonymizeProfile strips personal fields and replaces the email with sentinelEmail.
func (s *MemoryStore) AnonymizeProfile(ctx context.Context, subjectID, sentinelEmail string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.profiles[subjectID]
	if !ok {
		return compliance.ErrNotFound
	}
	p.Email = sentinelEmail
	p.FirstName = ""
	p.LastName = ""
	p.Phone = ""
	p.Address = ""
	p.CRMContactID = ""
	p.Anonymized = true
	p.UpdatedAt = at
	return nil
}

// DeleteProfile removes the profile.
func (s *MemoryStore) DeleteProfile(ctx context.Context, subjectID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.profiles[subjectID]; !ok {
		return compliance.ErrNotFound
	}
	delete(s.profiles, subjectID)
	return nil
}

// PutOrder inserts or replaces an order in the active tier.
func (s *MemoryStore) PutOrder(ctx context.Context, o *compliance.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := &memRow{id: o.ID, owner: o.SubjectID, createdAt: o.CreatedAt, order: o}
	s.tiers[compliance.ClassOrders][compliance.TierActive][o.ID] = row.clone()
	return nil
}

// ListOrders returns the subject's orders from both tiers, oldest first.
func (s *MemoryStore) ListOrders(ctx context.Context, subjectID string) ([]*compliance.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var orders []*compliance.Order
	for _, row := range s.ownedRows(compliance.ClassOrders, subjectID) {
		orders = append(orders, row.order)
	}
	return orders, nil
}

// CountOrders counts the subject's orders in both tiers.
func (s *MemoryStore) CountOrders(ctx context.Context, subjectID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.ownedRows(compliance.ClassOrders, subjectID))), nil
}

// PutCartSession inserts or replaces a cart session in the active tier.
func (s *MemoryStore) PutCartSession(ctx context.Context, c *compliance.CartSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := &memRow{id: c.ID, owner: c.SubjectID, createdAt: c.CreatedAt, cart: c}
	s.tiers[compliance.ClassCartSessions][compliance.TierActive][c.ID] = row.clone()
	return nil
}

// ListCartSessions returns the subject's cart sessions, oldest first.
func (s *MemoryStore) ListCartSessions(ctx context.Context, subjectID string) ([]*compliance.CartSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var carts []*compliance.CartSession
	for _, row := range s.ownedRows(compliance.ClassCartSessions, subjectID) {
		carts = append(carts, row.cart)
	}
	return carts, nil
}

// DeleteCartSessions removes every cart session owned by the subject.
func (s *MemoryStore) DeleteCartSessions(ctx context.Context, subjectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, rows := range s.tiers[compliance.ClassCartSessions] {
		for id, row := range rows {
			if row.owner == subjectID {
				delete(rows, id)
				deleted++
			}
		}
	}
	return deleted, nil
}

// PutSubscription inserts or replaces a subscription.
func (s *MemoryStore) PutSubscription(ctx context.Context, sub *compliance.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	subCopy := *sub
	s.subscriptions[sub.ID] = &subCopy
	return nil
}

// ListSubscriptions returns the subject's subscriptions, oldest first.
func (s *MemoryStore) ListSubscriptions(ctx context.Context, subjectID string) ([]*compliance.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subs []*compliance.Subscription
	for _, sub := range s.subscriptions {
		if sub.SubjectID == subjectID {
			subCopy := *sub
			subs = append(subs, &subCopy)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
	return subs, nil
}

// DeleteSubscriptions removes every subscription of the subject.
func (s *MemoryStore) DeleteSubscriptions(ctx context.Context, subjectID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, sub := range s.subscriptions {
		if sub.SubjectID == subjectID {
			delete(s.subscriptions, id)
			deleted++
		}
	}
	return deleted, nil
}

// AppendEntry adds an entry to the active ledger tier.
func (s *MemoryStore) AppendEntry(ctx context.Context, e *compliance.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.tiers[compliance.ClassAuditLog][compliance.TierActive]
	if _, exists := active[e.ID]; exists {
		return compliance.NewStorageError(BackendMemory, "append_entry", &DuplicateIDError{ID: e.ID})
	}
	row := &memRow{id: e.ID, owner: e.Actor, createdAt: e.CreatedAt, entry: e}
	active[e.ID] = row.clone()
	return nil
}

// RecentEntries returns up to limit entries by actor, newest first.
func (s *MemoryStore) RecentEntries(ctx context.Context, actor string, limit int) ([]*compliance.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.ownedRows(compliance.ClassAuditLog, actor)
	var entries []*compliance.AuditEntry
	for i := len(rows) - 1; i >= 0; i-- {
		if limit > 0 && len(entries) == limit {
			break
		}
		entries = append(entries, rows[i].entry)
	}
	return entries, nil
}

// EntriesByAction returns entries with action created at or after since, oldest first.
func (s *MemoryStore) EntriesByAction(ctx context.Context, action compliance.AuditAction, since time.Time) ([]*compliance.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*memRow
	for _, tier := range s.tiers[compliance.ClassAuditLog] {
		for _, row := range tier {
			if row.entry.Action == action && !row.createdAt.Before(since) {
				rows = append(rows, row.clone())
			}
		}
	}
	sortRows(rows)

	entries := make([]*compliance.AuditEntry, len(rows))
	for i, row := range rows {
		entries[i] = row.entry
	}
	return entries, nil
}

// AnonymizeActor rewrites the actor and source address of every entry by actor.
func (s *MemoryStore) AnonymizeActor(ctx context.Context, actor string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rewritten int64
	for _, tier := range s.tiers[compliance.ClassAuditLog] {
		for _, row := range tier {
			if row.owner != actor {
				continue
			}
			row.owner = compliance.ActorAnonymous
			row.entry.Actor = compliance.ActorAnonymous
			row.entry.SourceAddress = ""
			rewritten++
		}
	}
	return rewritten, nil
}

// SaveSnapshot replaces the stored snapshot.
func (s *MemoryStore) SaveSnapshot(ctx context.Context, snap *compliance.ComplianceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapCopy := *snap
	snapCopy.Classes = make(map[compliance.EntityClass]compliance.ClassCounts, len(snap.Classes))
	for class, counts := range snap.Classes {
		snapCopy.Classes[class] = counts
	}
	s.snapshot = &snapCopy
	return nil
}

// LatestSnapshot returns the stored snapshot or compliance.ErrNotFound.
func (s *MemoryStore) LatestSnapshot(ctx context.Context) (*compliance.ComplianceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return nil, compliance.ErrNotFound
	}
	snapCopy := *s.snapshot
	snapCopy.Classes = make(map[compliance.EntityClass]compliance.ClassCounts, len(s.snapshot.Classes))
	for class, counts := range s.snapshot.Classes {
		snapCopy.Classes[class] = counts
	}
	return &snapCopy, nil
}

// SaveRun records the last run of a cadence.
func (s *MemoryStore) SaveRun(ctx context.Context, r *compliance.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runCopy := *r
	s.runs[r.Kind] = &runCopy
	return nil
}

// LastRun returns the last run of kind or compliance.ErrNotFound.
func (s *MemoryStore) LastRun(ctx context.Context, kind compliance.RunKind) (*compliance.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[kind]
	if !ok {
		return nil, compliance.ErrNotFound
	}
	runCopy := *r
	return &runCopy, nil
}

// PutDeletionRequest stores r, replacing any live request of the subject.
func (s *MemoryStore) PutDeletionRequest(ctx context.Context, r *compliance.DeletionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reqCopy := *r
	s.requests[r.SubjectID] = &reqCopy
	return nil
}

// GetDeletionRequest returns the subject's request or compliance.ErrNotFound.
func (s *MemoryStore) GetDeletionRequest(ctx context.Context, subjectID string) (*compliance.DeletionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.requests[subjectID]
	if !ok {
		return nil, compliance.ErrNotFound
	}
	reqCopy := *r
	return &reqCopy, nil
}

// ConsumeDeletionRequest deletes the request only if its hash still matches.
func (s *MemoryStore) ConsumeDeletionRequest(ctx context.Context, subjectID, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[subjectID]
	if !ok || r.TokenHash != tokenHash {
		return false, nil
	}
	delete(s.requests, subjectID)
	return true, nil
}

// DeleteExpiredRequests drops every request expired at now.
func (s *MemoryStore) DeleteExpiredRequests(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for subjectID, r := range s.requests {
		if r.Expired(now) {
			delete(s.requests, subjectID)
			deleted++
		}
	}
	return deleted, nil
}

// Health always succeeds.
func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// ownedRows returns copies of the rows of class owned by owner in both
// tiers, oldest first. Callers must hold the lock.
func (s *MemoryStore) ownedRows(class compliance.EntityClass, owner string) []*memRow {
	var rows []*memRow
	for _, tier := range s.tiers[class] {
		for _, row := range tier {
			if row.owner == owner {
				rows = append(rows, row.clone())
			}
		}
	}
	sortRows(rows)
	return rows
}

func sortRows(rows []*memRow) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].createdAt.Equal(rows[j].createdAt) {
			return rows[i].id < rows[j].id
		}
		return rows[i].createdAt.Before(rows[j].createdAt)
	})
}

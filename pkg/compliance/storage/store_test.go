package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// storeFactories returns every backend the conformance tests run against.
func storeFactories() map[string]func(t *testing.T) compliance.Store {
	sqlFactory := func(driver string) func(t *testing.T) compliance.Store {
		return func(t *testing.T) compliance.Store {
			t.Helper()
			cfg := DefaultConfig()
			cfg.Driver = driver
			cfg.DSN = filepath.Join(t.TempDir(), "custodian.db")
			s, err := NewSQLStore(cfg)
			if err != nil {
				t.Fatalf("NewSQLStore(%s) error = %v", driver, err)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return map[string]func(t *testing.T) compliance.Store{
		"memory":  func(t *testing.T) compliance.Store { return NewMemoryStore() },
		"sqlite3": sqlFactory(DriverSQLite),
		"sqlite":  sqlFactory(DriverSQLitePure),
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s compliance.Store)) {
	for name, factory := range storeFactories() {
		name := name
		factory := factory
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func TestIDsCreatedBeforeIsInclusive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()
		for i, age := range []time.Duration{0, time.Hour, 2 * time.Hour} {
			cart := &compliance.CartSession{ID: fmt.Sprintf("cart-%d", i), CreatedAt: base.Add(-age)}
			if err := s.PutCartSession(ctx, cart); err != nil {
				t.Fatalf("PutCartSession() error = %v", err)
			}
		}

		ids, err := s.IDsCreatedBefore(ctx, compliance.ClassCartSessions, compliance.TierActive, base.Add(-time.Hour))
		if err != nil {
			t.Fatalf("IDsCreatedBefore() error = %v", err)
		}
		want := []string{"cart-2", "cart-1"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("IDsCreatedBefore() = %v, want %v (oldest first, boundary included)", ids, want)
		}
	})
}

func TestCopyToArchiveSkipsExisting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			e := &compliance.AuditEntry{
				ID:         fmt.Sprintf("e%d", i),
				Actor:      "alice",
				Action:     compliance.AuditDataExport,
				ObjectType: "subject",
				Detail:     compliance.ExportDetail{Format: compliance.FormatFlat, Found: true},
				CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			}
			if err := s.AppendEntry(ctx, e); err != nil {
				t.Fatalf("AppendEntry() error = %v", err)
			}
		}

		ids := []string{"e0", "e1"}
		n, err := s.CopyToArchive(ctx, compliance.ClassAuditLog, ids)
		if err != nil || n != 2 {
			t.Fatalf("CopyToArchive() = %d, %v; want 2, nil", n, err)
		}

		n, err = s.CopyToArchive(ctx, compliance.ClassAuditLog, []string{"e0", "e1", "e2"})
		if err != nil {
			t.Fatalf("second CopyToArchive() error = %v", err)
		}
		if n != 1 {
			t.Errorf("second CopyToArchive() inserted %d, want 1 (existing ids skipped)", n)
		}

		present, err := s.PresentIn(ctx, compliance.ClassAuditLog, compliance.TierArchive, []string{"e0", "e2", "missing"})
		if err != nil {
			t.Fatalf("PresentIn() error = %v", err)
		}
		sort.Strings(present)
		if fmt.Sprint(present) != "[e0 e2]" {
			t.Errorf("PresentIn() = %v", present)
		}

		deleted, err := s.DeleteRecords(ctx, compliance.ClassAuditLog, compliance.TierActive, present)
		if err != nil || deleted != 2 {
			t.Fatalf("DeleteRecords() = %d, %v", deleted, err)
		}

		active, _ := s.CountRecords(ctx, compliance.ClassAuditLog, compliance.TierActive)
		archived, _ := s.CountRecords(ctx, compliance.ClassAuditLog, compliance.TierArchive)
		if active != 1 || archived != 3 {
			t.Errorf("counts active=%d archived=%d, want 1 and 3", active, archived)
		}
		if _, err := s.DeleteRecords(ctx, compliance.ClassAuditLog, compliance.TierActive, []string{"e1"}); err != nil {
			t.Fatalf("DeleteRecords(e1) error = %v", err)
		}

		// Archived entries keep their typed detail.
		entries, err := s.RecentEntries(ctx, "alice", 0)
		if err != nil {
			t.Fatalf("RecentEntries() error = %v", err)
		}
		if len(entries) != 3 {
			t.Fatalf("RecentEntries() returned %d entries across tiers, want 3", len(entries))
		}
		if entries[0].ID != "e2" {
			t.Errorf("RecentEntries() first = %s, want newest e2", entries[0].ID)
		}
		if _, ok := entries[2].Detail.(compliance.ExportDetail); !ok {
			t.Errorf("archived detail type = %T", entries[2].Detail)
		}
	})
}

func TestAnonymizeActorCoversBothTiers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()
		for i, actor := range []string{"alice", "alice", "bob"} {
			e := &compliance.AuditEntry{
				ID:            fmt.Sprintf("e%d", i),
				Actor:         actor,
				Action:        compliance.AuditDataExport,
				ObjectType:    "subject",
				SourceAddress: "203.0.113.7",
				CreatedAt:     base.Add(time.Duration(i) * time.Second),
			}
			if err := s.AppendEntry(ctx, e); err != nil {
				t.Fatalf("AppendEntry() error = %v", err)
			}
		}
		if _, err := s.CopyToArchive(ctx, compliance.ClassAuditLog, []string{"e0"}); err != nil {
			t.Fatalf("CopyToArchive() error = %v", err)
		}
		if _, err := s.DeleteRecords(ctx, compliance.ClassAuditLog, compliance.TierActive, []string{"e0"}); err != nil {
			t.Fatalf("DeleteRecords() error = %v", err)
		}

		n, err := s.AnonymizeActor(ctx, "alice")
		if err != nil {
			t.Fatalf("AnonymizeActor() error = %v", err)
		}
		if n != 2 {
			t.Errorf("AnonymizeActor() rewrote %d, want 2", n)
		}

		if left, _ := s.RecentEntries(ctx, "alice", 0); len(left) != 0 {
			t.Errorf("entries still attributed to alice: %d", len(left))
		}
		anon, _ := s.RecentEntries(ctx, compliance.ActorAnonymous, 0)
		if len(anon) != 2 {
			t.Fatalf("anonymous entries = %d, want 2", len(anon))
		}
		for _, e := range anon {
			if e.SourceAddress != "" {
				t.Errorf("entry %s kept source address %q", e.ID, e.SourceAddress)
			}
		}
		if bob, _ := s.RecentEntries(ctx, "bob", 0); len(bob) != 1 || bob[0].SourceAddress == "" {
			t.Errorf("unrelated actor was modified: %+v", bob)
		}
	})
}

func TestSubjectRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()

		if _, err := s.GetProfile(ctx, "alice"); !errors.Is(err, compliance.ErrNotFound) {
			t.Fatalf("GetProfile(unknown) error = %v, want ErrNotFound", err)
		}

		p := &compliance.Profile{
			SubjectID: "alice", Email: "alice@example.com", FirstName: "Alice", LastName: "Liddell",
			Phone: "+44 20 7946 0000", Address: "1 Rabbit Hole", CRMContactID: "crm-1",
			CreatedAt: base, UpdatedAt: base,
		}
		if err := s.PutProfile(ctx, p); err != nil {
			t.Fatalf("PutProfile() error = %v", err)
		}

		order := &compliance.Order{
			ID: "o1", SubjectID: "alice", CreatedAt: base, Status: compliance.PaymentPaid,
			Currency: "EUR", TotalCents: 1299,
			Lines: []compliance.OrderLine{{SKU: "tea", Name: "Tea", Quantity: 1, UnitCents: 1299}},
		}
		old := &compliance.Order{ID: "o0", SubjectID: "alice", CreatedAt: base.Add(-time.Hour), Status: compliance.PaymentPaid, Currency: "EUR"}
		for _, o := range []*compliance.Order{order, old} {
			if err := s.PutOrder(ctx, o); err != nil {
				t.Fatalf("PutOrder() error = %v", err)
			}
		}
		// Move one order to the archive tier; it still counts for the subject.
		if _, err := s.CopyToArchive(ctx, compliance.ClassOrders, []string{"o0"}); err != nil {
			t.Fatalf("CopyToArchive() error = %v", err)
		}
		if _, err := s.DeleteRecords(ctx, compliance.ClassOrders, compliance.TierActive, []string{"o0"}); err != nil {
			t.Fatalf("DeleteRecords() error = %v", err)
		}

		orders, err := s.ListOrders(ctx, "alice")
		if err != nil {
			t.Fatalf("ListOrders() error = %v", err)
		}
		if len(orders) != 2 || orders[0].ID != "o0" || orders[1].Lines[0].SKU != "tea" {
			t.Errorf("ListOrders() = %+v", orders)
		}
		if n, _ := s.CountOrders(ctx, "alice"); n != 2 {
			t.Errorf("CountOrders() = %d, want 2", n)
		}

		if err := s.PutCartSession(ctx, &compliance.CartSession{ID: "c1", SubjectID: "alice", CreatedAt: base}); err != nil {
			t.Fatalf("PutCartSession() error = %v", err)
		}
		if err := s.PutSubscription(ctx, &compliance.Subscription{ID: "s1", SubjectID: "alice", List: "news", Status: "active", CreatedAt: base}); err != nil {
			t.Fatalf("PutSubscription() error = %v", err)
		}

		if err := s.AnonymizeProfile(ctx, "alice", "anonymized-x@invalid", base.Add(time.Hour)); err != nil {
			t.Fatalf("AnonymizeProfile() error = %v", err)
		}
		got, err := s.GetProfile(ctx, "alice")
		if err != nil {
			t.Fatalf("GetProfile() error = %v", err)
		}
		if !got.Anonymized || got.Email != "anonymized-x@invalid" || got.FirstName != "" || got.Phone != "" || got.CRMContactID != "" {
			t.Errorf("anonymized profile = %+v", got)
		}

		if n, _ := s.DeleteCartSessions(ctx, "alice"); n != 1 {
			t.Errorf("DeleteCartSessions() = %d, want 1", n)
		}
		if n, _ := s.DeleteSubscriptions(ctx, "alice"); n != 1 {
			t.Errorf("DeleteSubscriptions() = %d, want 1", n)
		}
		if err := s.DeleteProfile(ctx, "alice"); err != nil {
			t.Fatalf("DeleteProfile() error = %v", err)
		}
		if err := s.DeleteProfile(ctx, "alice"); !errors.Is(err, compliance.ErrNotFound) {
			t.Errorf("second DeleteProfile() error = %v, want ErrNotFound", err)
		}
	})
}

func TestDeletionRequestCompareAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		testTokenStore(t, s)
	})
}

// testTokenStore is shared with the Redis token store tests.
func testTokenStore(t *testing.T, s compliance.TokenStore) {
	t.Helper()
	ctx := context.Background()

	first := &compliance.DeletionRequest{SubjectID: "alice", TokenHash: "h1", IssuedAt: base, ExpiresAt: base.Add(compliance.DeletionTokenTTL)}
	if err := s.PutDeletionRequest(ctx, first); err != nil {
		t.Fatalf("PutDeletionRequest() error = %v", err)
	}
	second := &compliance.DeletionRequest{SubjectID: "alice", TokenHash: "h2", IssuedAt: base.Add(time.Minute), ExpiresAt: base.Add(time.Minute + compliance.DeletionTokenTTL)}
	if err := s.PutDeletionRequest(ctx, second); err != nil {
		t.Fatalf("PutDeletionRequest() error = %v", err)
	}

	got, err := s.GetDeletionRequest(ctx, "alice")
	if err != nil {
		t.Fatalf("GetDeletionRequest() error = %v", err)
	}
	if got.TokenHash != "h2" || !got.ExpiresAt.Equal(second.ExpiresAt) {
		t.Errorf("GetDeletionRequest() = %+v, want superseding request", got)
	}

	if ok, err := s.ConsumeDeletionRequest(ctx, "alice", "h1"); err != nil || ok {
		t.Errorf("consume with superseded hash = %v, %v; want false", ok, err)
	}
	if ok, err := s.ConsumeDeletionRequest(ctx, "alice", "h2"); err != nil || !ok {
		t.Errorf("consume with live hash = %v, %v; want true", ok, err)
	}
	if ok, _ := s.ConsumeDeletionRequest(ctx, "alice", "h2"); ok {
		t.Errorf("request consumed twice")
	}
	if _, err := s.GetDeletionRequest(ctx, "alice"); !errors.Is(err, compliance.ErrNotFound) {
		t.Errorf("GetDeletionRequest() after consume error = %v, want ErrNotFound", err)
	}

	stale := &compliance.DeletionRequest{SubjectID: "bob", TokenHash: "hb", IssuedAt: base, ExpiresAt: base.Add(time.Hour)}
	live := &compliance.DeletionRequest{SubjectID: "carol", TokenHash: "hc", IssuedAt: base, ExpiresAt: base.Add(compliance.DeletionTokenTTL)}
	for _, r := range []*compliance.DeletionRequest{stale, live} {
		if err := s.PutDeletionRequest(ctx, r); err != nil {
			t.Fatalf("PutDeletionRequest() error = %v", err)
		}
	}
	n, err := s.DeleteExpiredRequests(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DeleteExpiredRequests() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpiredRequests() = %d, want 1", n)
	}
	if _, err := s.GetDeletionRequest(ctx, "carol"); err != nil {
		t.Errorf("live request removed: %v", err)
	}
}

func TestSnapshotAndRuns(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()

		if _, err := s.LatestSnapshot(ctx); !errors.Is(err, compliance.ErrNotFound) {
			t.Fatalf("LatestSnapshot() on empty store error = %v", err)
		}

		for i, total := range []int64{5, 7} {
			snap := &compliance.ComplianceSnapshot{
				GeneratedAt: base.Add(time.Duration(i) * time.Hour),
				Classes: map[compliance.EntityClass]compliance.ClassCounts{
					compliance.ClassOrders: {Active: total, Total: total},
				},
			}
			if err := s.SaveSnapshot(ctx, snap); err != nil {
				t.Fatalf("SaveSnapshot() error = %v", err)
			}
		}
		snap, err := s.LatestSnapshot(ctx)
		if err != nil {
			t.Fatalf("LatestSnapshot() error = %v", err)
		}
		if snap.Classes[compliance.ClassOrders].Total != 7 || !snap.GeneratedAt.Equal(base.Add(time.Hour)) {
			t.Errorf("LatestSnapshot() = %+v, want replaced snapshot", snap)
		}

		run := &compliance.RunRecord{ID: "r1", Kind: compliance.RunDaily, StartedAt: base, FinishedAt: base.Add(time.Second), FailedTasks: 1}
		if err := s.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
		got, err := s.LastRun(ctx, compliance.RunDaily)
		if err != nil {
			t.Fatalf("LastRun() error = %v", err)
		}
		if got.ID != "r1" || got.FailedTasks != 1 {
			t.Errorf("LastRun() = %+v", got)
		}
		if _, err := s.LastRun(ctx, compliance.RunMonthly); !errors.Is(err, compliance.ErrNotFound) {
			t.Errorf("LastRun(monthly) error = %v, want ErrNotFound", err)
		}
	})
}

func TestAppendEntryRejectsDuplicateID(t *testing.T) {
	forEachStore(t, func(t *testing.T, s compliance.Store) {
		ctx := context.Background()
		e := &compliance.AuditEntry{ID: "dup", Actor: compliance.ActorSystem, Action: compliance.AuditRetentionPurge, ObjectType: "orders", CreatedAt: base}
		if err := s.AppendEntry(ctx, e); err != nil {
			t.Fatalf("AppendEntry() error = %v", err)
		}
		err := s.AppendEntry(ctx, e)
		var storageErr *compliance.StorageError
		if !errors.As(err, &storageErr) {
			t.Errorf("duplicate AppendEntry() error = %v, want StorageError", err)
		}
	})
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(&Config{Driver: "oracle"}); err == nil {
		t.Fatal("Open() accepted unknown driver")
	}
	s, err := Open(&Config{Driver: BackendMemory})
	if err != nil {
		t.Fatalf("Open(memory) error = %v", err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Errorf("Open(memory) = %T", s)
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{config: &Config{Driver: DriverPostgres}}
	got := s.rebind("SELECT id FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT id FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}

	s.config.Driver = DriverSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestChunkIDs(t *testing.T) {
	ids := make([]string, maxIDsPerStatement*2+3)
	for i := range ids {
		ids[i] = fmt.Sprint(i)
	}
	chunks := chunkIDs(ids)
	if len(chunks) != 3 || len(chunks[2]) != 3 {
		t.Errorf("chunkIDs() produced %d chunks, last of %d", len(chunks), len(chunks[len(chunks)-1]))
	}
	if chunkIDs(nil) != nil {
		t.Errorf("chunkIDs(nil) should be empty")
	}
}

func TestConnStringAddsSQLitePragmas(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"mattn", Config{Driver: DriverSQLite, DSN: "c.db", BusyTimeout: 5 * time.Second, WALMode: true},
			"c.db?_busy_timeout=5000&_journal_mode=WAL"},
		{"modernc", Config{Driver: DriverSQLitePure, DSN: "c.db?mode=rwc", BusyTimeout: time.Second},
			"c.db?mode=rwc&_pragma=busy_timeout(1000)"},
		{"postgres untouched", Config{Driver: DriverPostgres, DSN: "postgres://h/db", BusyTimeout: time.Second, WALMode: true},
			"postgres://h/db"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := connString(&tt.cfg); got != tt.want {
				t.Errorf("connString() = %q, want %q", got, tt.want)
			}
		})
	}
}

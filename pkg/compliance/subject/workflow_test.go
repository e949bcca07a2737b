package subject

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/compliance/retention"
	"mercator-hq/custodian/pkg/compliance/storage"
	"mercator-hq/custodian/pkg/crm"
	"mercator-hq/custodian/pkg/notify"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeCRM struct {
	contacts map[string]*crm.Contact
	getErr   error
	deleted  []string
}

func (f *fakeCRM) GetContact(ctx context.Context, id string) (*crm.Contact, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	if c, ok := f.contacts[id]; ok {
		return c, nil
	}
	return nil, crm.ErrContactNotFound
}

func (f *fakeCRM) DeleteContact(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

type fixture struct {
	store    *storage.MemoryStore
	ledger   *ledger.Ledger
	crm      *fakeCRM
	mail     *notify.Recorder
	clock    *testClock
	workflow *Workflow
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemoryStore(),
		crm:   &fakeCRM{contacts: map[string]*crm.Contact{}},
		mail:  notify.NewRecorder(),
		clock: &testClock{now: base},
	}
	f.ledger = ledger.New(f.store, ledger.WithClock(f.clock.Now))

	engine, err := retention.NewEngine(compliance.DefaultRules(), f.store, f.store)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.BcryptCost = bcrypt.MinCost
	if mutate != nil {
		mutate(&cfg)
	}

	agg := NewAggregator(f.store, f.ledger, f.crm, WithAggregatorClock(f.clock.Now))
	f.workflow, err = NewWorkflow(cfg, Deps{
		Store:      f.store,
		Tokens:     f.store,
		Hold:       engine,
		Ledger:     f.ledger,
		Aggregator: agg,
		CRM:        f.crm,
		Notifier:   f.mail,
	}, WithWorkflowClock(f.clock.Now))
	if err != nil {
		t.Fatalf("NewWorkflow() error = %v", err)
	}
	return f
}

func (f *fixture) seedSubject(t *testing.T, id string, orders int) {
	t.Helper()
	ctx := context.Background()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	must(f.store.PutProfile(ctx, &compliance.Profile{
		SubjectID: id, Email: id + "@example.com", FirstName: "Alice", LastName: "Liddell",
		Phone: "+44 20 7946 0000", Address: "1 Rabbit Hole", CRMContactID: "crm-" + id,
		CreatedAt: base.Add(-100 * compliance.Day), UpdatedAt: base.Add(-100 * compliance.Day),
	}))
	for i := 0; i < orders; i++ {
		must(f.store.PutOrder(ctx, &compliance.Order{
			ID: id + "-order-" + string(rune('a'+i)), SubjectID: id, CreatedAt: base.Add(-50 * compliance.Day),
			Status: compliance.PaymentPaid, Currency: "EUR", TotalCents: 4200,
			Lines: []compliance.OrderLine{{SKU: "TEA-1", Name: "Tea", Quantity: 2, UnitCents: 2100}},
		}))
	}
	must(f.store.PutCartSession(ctx, &compliance.CartSession{
		ID: id + "-cart", SubjectID: id, CreatedAt: base.Add(-2 * compliance.Day),
		Items: []compliance.CartItem{{SKU: "CUP-1", Name: "Cup", Quantity: 1, UnitCents: 900}},
	}))
	must(f.store.PutSubscription(ctx, &compliance.Subscription{
		ID: id + "-sub", SubjectID: id, List: "newsletter", Status: "active", CreatedAt: base.Add(-10 * compliance.Day),
	}))
	f.crm.contacts["crm-"+id] = &crm.Contact{ID: "crm-" + id, Email: id + "@example.com"}
}

var tokenPattern = regexp.MustCompile(`token=([A-Za-z0-9_-]{43})`)

func (f *fixture) requestToken(t *testing.T, subjectID string) string {
	t.Helper()
	resp, err := f.workflow.RequestDeletion(context.Background(), DeletionInput{SubjectID: subjectID, SourceAddress: "203.0.113.7:5555"})
	if err != nil {
		t.Fatalf("RequestDeletion() error = %v", err)
	}
	if resp.Message != RequestedMessage {
		t.Errorf("RequestDeletion() message = %q", resp.Message)
	}
	msg, ok := f.mail.Last()
	if !ok {
		t.Fatal("no confirmation mail sent")
	}
	m := tokenPattern.FindStringSubmatch(msg.Body)
	if m == nil {
		t.Fatalf("no token in mail body: %s", msg.Body)
	}
	return m[1]
}

func (f *fixture) confirm(subjectID, token string) (*ConfirmResponse, error) {
	return f.workflow.ConfirmDeletion(context.Background(), ConfirmInput{SubjectID: subjectID, Token: token})
}

func isConfirmationError(err error) bool {
	var cerr *compliance.ConfirmationError
	return errors.As(err, &cerr)
}

func TestTokenIsSingleUse(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)

	token := f.requestToken(t, "alice")
	if len(token) != 43 {
		t.Fatalf("token length = %d", len(token))
	}

	resp, err := f.confirm("alice", token)
	if err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}
	if resp.Status != compliance.DeletionDone {
		t.Errorf("status = %s, want done", resp.Status)
	}

	if _, err := f.confirm("alice", token); !isConfirmationError(err) {
		t.Errorf("second ConfirmDeletion() error = %v, want ConfirmationError", err)
	}
}

func TestNewRequestSupersedesOld(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)

	first := f.requestToken(t, "alice")
	second := f.requestToken(t, "alice")

	if _, err := f.confirm("alice", first); !isConfirmationError(err) {
		t.Fatalf("superseded token error = %v, want ConfirmationError", err)
	}
	if _, err := f.confirm("alice", second); err != nil {
		t.Errorf("latest token error = %v", err)
	}
}

func TestConfirmationFailuresLookAlike(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)
	f.seedSubject(t, "bob", 0)

	aliceToken := f.requestToken(t, "alice")
	bobToken := f.requestToken(t, "bob")
	f.clock.Advance(compliance.DeletionTokenTTL)

	_, expired := f.confirm("bob", bobToken)
	_, missing := f.confirm("carol", aliceToken)
	f.clock.Advance(-compliance.DeletionTokenTTL)
	_, mismatch := f.confirm("alice", bobToken)

	for name, err := range map[string]error{"expired": expired, "missing": missing, "mismatch": mismatch} {
		if !isConfirmationError(err) {
			t.Errorf("%s: error = %v, want ConfirmationError", name, err)
			continue
		}
		if err.Error() != expired.Error() {
			t.Errorf("%s: message %q differs from %q", name, err.Error(), expired.Error())
		}
	}

	// a failed attempt does not burn the live request
	if _, err := f.confirm("alice", aliceToken); err != nil {
		t.Errorf("valid token after failed attempt error = %v", err)
	}
}

func TestRejectedConfirmationsCompareHash(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)
	f.seedSubject(t, "bob", 0)

	var hashes []string
	f.workflow.verify = func(token, hash string) error {
		hashes = append(hashes, hash)
		return VerifyToken(token, hash)
	}

	aliceToken := f.requestToken(t, "alice")
	bobToken := f.requestToken(t, "bob")
	bobRequest, err := f.store.GetDeletionRequest(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetDeletionRequest() error = %v", err)
	}

	tests := []struct {
		name      string
		subjectID string
		token     string
		advance   time.Duration
		wantHash  string
	}{
		{"missing", "carol", aliceToken, 0, f.workflow.decoyHash},
		{"mismatch", "bob", aliceToken, 0, bobRequest.TokenHash},
		{"expired with valid token", "bob", bobToken, compliance.DeletionTokenTTL, bobRequest.TokenHash},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			hashes = nil
			f.clock.Advance(tt.advance)
			defer f.clock.Advance(-tt.advance)

			if _, err := f.confirm(tt.subjectID, tt.token); !isConfirmationError(err) {
				t.Fatalf("ConfirmDeletion() error = %v, want ConfirmationError", err)
			}
			if len(hashes) != 1 || hashes[0] != tt.wantHash {
				t.Errorf("hash comparisons = %d, want exactly one against the expected hash", len(hashes))
			}
		})
	}
}

func TestConfirmRacesNewRequest(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := f.store.PutProfile(ctx, &compliance.Profile{SubjectID: "alice", Email: "alice@example.com", CreatedAt: base}); err != nil {
			t.Fatalf("PutProfile() error = %v", err)
		}
		token := f.requestToken(t, "alice")

		var (
			wg         sync.WaitGroup
			confirmErr error
			requestErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, confirmErr = f.workflow.ConfirmDeletion(ctx, ConfirmInput{SubjectID: "alice", Token: token})
		}()
		go func() {
			defer wg.Done()
			_, requestErr = f.workflow.RequestDeletion(ctx, DeletionInput{SubjectID: "alice"})
		}()
		wg.Wait()

		if requestErr != nil {
			t.Fatalf("round %d: RequestDeletion() error = %v", i, requestErr)
		}
		if confirmErr != nil && !isConfirmationError(confirmErr) {
			t.Fatalf("round %d: ConfirmDeletion() error = %v", i, confirmErr)
		}

		// A superseded confirmation leaves the newer request pending.
		if confirmErr != nil {
			if _, err := f.store.GetDeletionRequest(ctx, "alice"); err != nil {
				t.Errorf("round %d: newer request missing after lost confirmation: %v", i, err)
			}
		}
		if _, err := f.confirm("alice", token); !isConfirmationError(err) {
			t.Errorf("round %d: replayed token error = %v, want ConfirmationError", i, err)
		}
	}
}

func TestUnknownSubjectHasNoSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp, err := f.workflow.RequestDeletion(ctx, DeletionInput{SubjectID: "ghost"})
	if err != nil {
		t.Fatalf("RequestDeletion() error = %v", err)
	}
	if resp.Message != RequestedMessage {
		t.Errorf("message = %q", resp.Message)
	}
	if len(f.mail.Messages()) != 0 {
		t.Error("mail sent for unknown subject")
	}
	if _, err := f.store.GetDeletionRequest(ctx, "ghost"); !errors.Is(err, compliance.ErrNotFound) {
		t.Errorf("request stored for unknown subject: %v", err)
	}
	if entries, _ := f.ledger.Recent(ctx, "ghost", 0); len(entries) != 0 {
		t.Errorf("ledger entries for unknown subject: %d", len(entries))
	}
}

func TestValidationErrors(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"reserved subject", func() error {
			_, err := f.workflow.RequestDeletion(ctx, DeletionInput{SubjectID: compliance.ActorSystem})
			return err
		}},
		{"bad characters", func() error {
			_, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "a/b", Format: compliance.FormatFlat})
			return err
		}},
		{"bad format", func() error {
			_, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "alice", Format: "xml"})
			return err
		}},
		{"short token", func() error {
			_, err := f.confirm("alice", "abc")
			return err
		}},
		{"too long", func() error {
			_, err := f.workflow.RequestDeletion(ctx, DeletionInput{SubjectID: strings.Repeat("a", 65)})
			return err
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var verr *compliance.ValidationError
			if err := tt.call(); !errors.As(err, &verr) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestLegalHoldAnonymizes(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DeleteCRMContact = true })
	f.seedSubject(t, "alice", 1)
	ctx := context.Background()

	if _, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "alice", Format: compliance.FormatStructured, SourceAddress: "198.51.100.4"}); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	token := f.requestToken(t, "alice")
	f.clock.Advance(time.Hour)

	resp, err := f.confirm("alice", token)
	if err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}
	if resp.Branch != compliance.BranchAnonymize {
		t.Errorf("branch = %s, want anonymize", resp.Branch)
	}

	p, err := f.store.GetProfile(ctx, "alice")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if !p.Anonymized || p.FirstName != "" || p.Phone != "" || p.Address != "" {
		t.Errorf("profile not anonymized: %+v", p)
	}
	if !strings.HasPrefix(p.Email, "anonymized-") || !strings.HasSuffix(p.Email, "@invalid") {
		t.Errorf("email = %q, want sentinel", p.Email)
	}
	if n, _ := f.store.CountOrders(ctx, "alice"); n != 1 {
		t.Errorf("orders = %d, want 1 retained", n)
	}
	if subs, _ := f.store.ListSubscriptions(ctx, "alice"); len(subs) != 0 {
		t.Errorf("subscriptions = %d, want 0", len(subs))
	}
	if len(f.crm.deleted) != 1 || f.crm.deleted[0] != "crm-alice" {
		t.Errorf("crm deletes = %v", f.crm.deleted)
	}

	if entries, _ := f.ledger.Recent(ctx, "alice", 0); len(entries) != 0 {
		t.Errorf("ledger still names subject in %d entries", len(entries))
	}
	anon, _ := f.ledger.Recent(ctx, compliance.ActorAnonymous, 0)
	if len(anon) != 2 {
		t.Errorf("anonymized entries = %d, want 2 (export + request)", len(anon))
	}
	for _, e := range anon {
		if e.SourceAddress != "" {
			t.Errorf("source address kept on %s", e.Action)
		}
	}

	done, _ := f.ledger.ByAction(ctx, compliance.AuditDeletionCompleted, time.Time{})
	if len(done) != 1 {
		t.Fatalf("deletion_completed entries = %d", len(done))
	}
	outcome, ok := done[0].Detail.(compliance.DeletionOutcome)
	if !ok {
		t.Fatalf("detail = %T", done[0].Detail)
	}
	if done[0].Actor != compliance.ActorSystem || outcome.OrdersRetained != 1 || outcome.LedgerRewritten != 2 ||
		outcome.CRM != compliance.CRMDeleted || !outcome.RequestedAt.Equal(base) {
		t.Errorf("outcome = %+v (actor %s)", outcome, done[0].Actor)
	}
}

func TestDeleteBranchRemovesRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "bob", 0)
	ctx := context.Background()

	resp, err := f.confirm("bob", f.requestToken(t, "bob"))
	if err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}
	if resp.Branch != compliance.BranchDelete {
		t.Errorf("branch = %s, want delete", resp.Branch)
	}
	if _, err := f.store.GetProfile(ctx, "bob"); !errors.Is(err, compliance.ErrNotFound) {
		t.Errorf("profile still present: %v", err)
	}
	if carts, _ := f.store.ListCartSessions(ctx, "bob"); len(carts) != 0 {
		t.Errorf("cart sessions = %d, want 0", len(carts))
	}
	if len(f.crm.deleted) != 0 {
		t.Errorf("crm contact deleted with policy off: %v", f.crm.deleted)
	}
}

func TestFlatExportSurvivesCRMFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 1)
	f.crm.getErr = errors.New("connection refused")
	ctx := context.Background()

	res, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "alice", Format: compliance.FormatFlat})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.ContentType != ContentTypeCSV {
		t.Errorf("content type = %s", res.ContentType)
	}

	body := string(res.Body)
	for _, want := range []string{
		"section,index,field,value\n",
		"profile,0,email,alice@example.com\n",
		"orders,0,id,alice-order-a\n",
		"orders,0,lines.0.sku,TEA-1\n",
		"crm,0,error,",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("flat export missing %q:\n%s", want, body)
		}
	}

	entries, _ := f.ledger.ByAction(ctx, compliance.AuditDataExport, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("data_export entries = %d", len(entries))
	}
	detail := entries[0].Detail.(compliance.ExportDetail)
	if detail.CRMError == "" || detail.Orders != 1 || !detail.Found {
		t.Errorf("export detail = %+v", detail)
	}
}

func TestExportAfterDeletionIsEmpty(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "bob", 0)
	ctx := context.Background()

	if _, err := f.confirm("bob", f.requestToken(t, "bob")); err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}

	res, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "bob"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Format != compliance.FormatStructured {
		t.Errorf("default format = %s", res.Format)
	}
	d := res.Data
	if d.Found || d.Profile != nil || len(d.Orders) != 0 || len(d.CartSessions) != 0 || len(d.AuditEntries) != 0 || d.CRM != nil {
		t.Errorf("export after deletion = %+v", d)
	}
	if !strings.Contains(string(res.Body), `"found": false`) {
		t.Errorf("structured body:\n%s", res.Body)
	}
}

func TestRepeatedExportStaysEmpty(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "bob", 0)
	ctx := context.Background()

	if _, err := f.confirm("bob", f.requestToken(t, "bob")); err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}

	for _, id := range []string{"bob", "ghost"} {
		id := id
		t.Run(id, func(t *testing.T) {
			for i := 0; i < 2; i++ {
				res, err := f.workflow.Export(ctx, ExportRequest{SubjectID: id, SourceAddress: "198.51.100.4"})
				if err != nil {
					t.Fatalf("Export() #%d error = %v", i+1, err)
				}
				if res.Data.Found || len(res.Data.AuditEntries) != 0 {
					t.Errorf("Export() #%d found = %v, audit entries = %d", i+1, res.Data.Found, len(res.Data.AuditEntries))
				}
				f.clock.Advance(time.Minute)
			}
			if entries, _ := f.ledger.Recent(ctx, id, 0); len(entries) != 0 {
				t.Errorf("ledger names %s in %d entries", id, len(entries))
			}
		})
	}

	exports, _ := f.ledger.ByAction(ctx, compliance.AuditDataExport, time.Time{})
	if len(exports) != 4 {
		t.Fatalf("data_export entries = %d, want 4", len(exports))
	}
	for _, e := range exports {
		if e.Actor != compliance.ActorSystem || e.SourceAddress != "" {
			t.Errorf("unknown-subject export logged as actor %q from %q", e.Actor, e.SourceAddress)
		}
	}
}

func TestExportAfterLegalHoldOmitsProfile(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 1)
	ctx := context.Background()

	if _, err := f.confirm("alice", f.requestToken(t, "alice")); err != nil {
		t.Fatalf("ConfirmDeletion() error = %v", err)
	}

	res, err := f.workflow.Export(ctx, ExportRequest{SubjectID: "alice"})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	d := res.Data
	if d.Profile != nil || d.CRM != nil {
		t.Errorf("anonymized profile exported: profile = %+v, crm = %+v", d.Profile, d.CRM)
	}
	if !d.Found || len(d.Orders) != 1 {
		t.Errorf("retained orders: found = %v, orders = %d", d.Found, len(d.Orders))
	}
	if strings.Contains(string(res.Body), "anonymized-") {
		t.Errorf("body leaks sentinel email:\n%s", res.Body)
	}
}

func TestNotificationFailureIsRecorded(t *testing.T) {
	f := newFixture(t, nil)
	f.seedSubject(t, "alice", 0)
	f.mail.FailWith(errors.New("relay down"))
	ctx := context.Background()

	if _, err := f.workflow.RequestDeletion(ctx, DeletionInput{SubjectID: "alice"}); err != nil {
		t.Fatalf("RequestDeletion() error = %v", err)
	}
	entries, _ := f.ledger.ByAction(ctx, compliance.AuditDeletionRequested, time.Time{})
	if len(entries) != 1 {
		t.Fatalf("deletion_requested entries = %d", len(entries))
	}
	d := entries[0].Detail.(compliance.DeletionRequestDetail)
	if !strings.Contains(d.NotificationError, "relay down") || !d.ExpiresAt.Equal(base.Add(compliance.DeletionTokenTTL)) {
		t.Errorf("detail = %+v", d)
	}
}

func TestTokenHelpers(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	other, _ := GenerateToken()
	if tok == other {
		t.Error("GenerateToken() repeated")
	}
	hash, err := HashToken(tok, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashToken() error = %v", err)
	}
	if err := VerifyToken(tok, hash); err != nil {
		t.Errorf("VerifyToken(valid) error = %v", err)
	}
	if err := VerifyToken(other, hash); !errors.Is(err, errTokenMismatch) {
		t.Errorf("VerifyToken(other) error = %v", err)
	}
	if _, err := HashToken("", 0); err == nil {
		t.Error("HashToken(\"\") accepted")
	}
}

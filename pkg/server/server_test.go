package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/reporter"
	"mercator-hq/custodian/pkg/compliance/subject"
	"mercator-hq/custodian/pkg/config"
	"mercator-hq/custodian/pkg/telemetry/health"
	"mercator-hq/custodian/pkg/telemetry/metrics"
)

const adminToken = "s3cret-admin-token-0123"

type fakeSubjects struct {
	exportErr  error
	confirmErr error
	lastExport subject.ExportRequest
	lastToken  string
}

func (f *fakeSubjects) Export(ctx context.Context, req subject.ExportRequest) (*subject.ExportResult, error) {
	f.lastExport = req
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	if req.Format == "" {
		req.Format = compliance.FormatStructured
	}
	ct := subject.ContentTypeJSON
	if req.Format == compliance.FormatFlat {
		ct = subject.ContentTypeCSV
	}
	return &subject.ExportResult{SubjectID: req.SubjectID, Format: req.Format, ContentType: ct, Body: []byte(`{"found":true}`)}, nil
}

func (f *fakeSubjects) RequestDeletion(ctx context.Context, in subject.DeletionInput) (*subject.Response, error) {
	return &subject.Response{Message: subject.RequestedMessage}, nil
}

func (f *fakeSubjects) ConfirmDeletion(ctx context.Context, in subject.ConfirmInput) (*subject.ConfirmResponse, error) {
	f.lastToken = in.Token
	if f.confirmErr != nil {
		return nil, f.confirmErr
	}
	return &subject.ConfirmResponse{
		Message:     subject.CompletedMessage,
		Status:      compliance.DeletionDone,
		Branch:      compliance.BranchDelete,
		CompletedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

type fakeAdmin struct {
	runs []compliance.RunKind
}

func (f *fakeAdmin) GetRetentionStats(ctx context.Context) (*reporter.Stats, error) {
	return &reporter.Stats{Rules: compliance.DefaultRules()}, nil
}

func (f *fakeAdmin) RunManualCleanup(ctx context.Context, kind compliance.RunKind) (*reporter.Report, error) {
	f.runs = append(f.runs, kind)
	return &reporter.Report{RunID: "run-1", Kind: kind}, nil
}

type fixture struct {
	server   *Server
	subjects *fakeSubjects
	admin    *fakeAdmin
	metrics  *metrics.Collector
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	f := &fixture{
		subjects: &fakeSubjects{},
		admin:    &fakeAdmin{},
		metrics:  metrics.NewCollector(config.MetricsConfig{}, nil),
	}
	cfg := config.ServerConfig{AdminToken: token}
	s, err := New(cfg, Deps{
		Subjects:    f.subjects,
		Admin:       f.admin,
		Metrics:     f.metrics,
		MetricsPath: "/metrics",
		Build:       BuildInfo{Version: "1.0.0"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.server = s
	return f
}

func (f *fixture) do(method, target, subjectHeader string, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if subjectHeader != "" {
		req.Header.Set(config.DefaultSubjectHeader, subjectHeader)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error
}

func TestNewRequiresServices(t *testing.T) {
	if _, err := New(config.ServerConfig{}, Deps{}); err == nil {
		t.Error("New() without services succeeded")
	}
}

func TestExport(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/v1/subjects/alice/export?format=flat", "alice", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("Content-Type"); got != subject.ContentTypeCSV {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Content-Disposition"); !strings.Contains(got, "alice-export.csv") {
		t.Errorf("Content-Disposition = %q", got)
	}
	if f.subjects.lastExport.Format != compliance.FormatFlat || f.subjects.lastExport.SubjectID != "alice" {
		t.Errorf("Export() got %+v", f.subjects.lastExport)
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestSubjectAuthorization(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"other subject", "mallory"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			rec := f.do(http.MethodPost, "/v1/subjects/alice/export", tt.header, "")
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
			if f.subjects.lastExport.SubjectID != "" {
				t.Error("workflow was called for an unauthorized request")
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantType string
	}{
		{"validation", compliance.NewValidationError("format", "must be structured or flat"), http.StatusBadRequest, errTypeInvalidRequest},
		{"storage", compliance.NewStorageError("sqlite3", "select", errors.New("database is locked")), http.StatusInternalServerError, errTypeServer},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "")
			f.subjects.exportErr = tt.err
			rec := f.do(http.MethodPost, "/v1/subjects/alice/export", "alice", "")
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			detail := decodeError(t, rec)
			if detail.Type != tt.wantType {
				t.Errorf("type = %q, want %q", detail.Type, tt.wantType)
			}
			if strings.Contains(detail.Message, "database is locked") {
				t.Error("internal error detail leaked to the client")
			}
		})
	}
}

func TestRequestDeletion(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/v1/subjects/alice/deletion", "alice", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp subject.Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Message != subject.RequestedMessage {
		t.Errorf("Message = %q", resp.Message)
	}
}

func TestConfirmDeletion(t *testing.T) {
	token := strings.Repeat("a", 43)

	t.Run("body token", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodPost, "/v1/subjects/alice/deletion/confirm", "alice", `{"token":"`+token+`"}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
		}
		if f.subjects.lastToken != token {
			t.Errorf("token = %q", f.subjects.lastToken)
		}
	})

	t.Run("query token", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodPost, "/v1/subjects/alice/deletion/confirm?token="+token, "alice", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if f.subjects.lastToken != token {
			t.Errorf("token = %q", f.subjects.lastToken)
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, "")
		rec := f.do(http.MethodPost, "/v1/subjects/alice/deletion/confirm", "alice", `{"token":`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("generic confirmation failure", func(t *testing.T) {
		f := newFixture(t, "")
		f.subjects.confirmErr = compliance.NewConfirmationError(errors.New("deletion request expired"))
		rec := f.do(http.MethodPost, "/v1/subjects/alice/deletion/confirm", "alice", `{"token":"`+token+`"}`)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
		detail := decodeError(t, rec)
		if strings.Contains(detail.Message, "expired") {
			t.Errorf("confirmation failure reveals its cause: %q", detail.Message)
		}
	})
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t, adminToken)

	rec := f.do(http.MethodGet, "/v1/admin/retention/stats", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stats without token = %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}

	rec = f.do(http.MethodGet, "/v1/admin/retention/stats", "", "", "Authorization", "Bearer wrong")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("stats with wrong token = %d, want 401", rec.Code)
	}

	rec = f.do(http.MethodGet, "/v1/admin/retention/stats", "", "", "Authorization", "Bearer "+adminToken)
	if rec.Code != http.StatusOK {
		t.Errorf("stats = %d, want 200", rec.Code)
	}

	rec = f.do(http.MethodPost, "/v1/admin/retention/cleanup/monthly", "", "", "Authorization", "Bearer "+adminToken)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup = %d, body = %s", rec.Code, rec.Body)
	}
	if len(f.admin.runs) != 1 || f.admin.runs[0] != compliance.RunMonthly {
		t.Errorf("runs = %v", f.admin.runs)
	}

	rec = f.do(http.MethodPost, "/v1/admin/retention/cleanup/weekly", "", "", "Authorization", "Bearer "+adminToken)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cleanup weekly = %d, want 400", rec.Code)
	}
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodGet, "/v1/admin/retention/stats", "", "", "Authorization", "Bearer anything")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	checker := health.New(time.Second)
	checker.RegisterCheck("storage", func(context.Context) error { return errors.New("down") })
	s, err := New(config.ServerConfig{}, Deps{Subjects: &fakeSubjects{}, Admin: &fakeAdmin{}, Health: checker})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	for path, want := range map[string]int{"/health": http.StatusOK, "/ready": http.StatusServiceUnavailable, "/version": http.StatusOK} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("GET %s = %d, want %d", path, rec.Code, want)
		}
	}
}

func TestMetricsUseRoutePattern(t *testing.T) {
	f := newFixture(t, "")
	f.do(http.MethodPost, "/v1/subjects/alice/deletion", "alice", "")
	f.do(http.MethodPost, "/v1/subjects/bob/deletion", "bob", "")

	rec := f.do(http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", rec.Code)
	}
	var series []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if strings.HasPrefix(line, "custodian_http_") {
			series = append(series, line)
		}
	}
	body := strings.Join(series, "\n")
	if !strings.Contains(body, `route="/v1/subjects/{subjectID}/deletion"`) {
		t.Errorf("route pattern missing from metrics:\n%s", body)
	}
	if strings.Contains(body, "alice") || strings.Contains(body, "bob") {
		t.Error("subject id leaked into metric labels")
	}
	if n := testutil.CollectAndCount(f.metrics.Registry(), "custodian_http_requests_total"); n == 0 {
		t.Error("no http request series recorded")
	}
}

func TestRecoverer(t *testing.T) {
	f := newFixture(t, "")
	f.server.router.Get("/boom", func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := f.do(http.MethodGet, "/boom", "", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestRequestIDPropagates(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(http.MethodGet, "/health", "", "", RequestIDHeader, "req-123")
	if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	f := newFixture(t, "")
	f.server.cfg.ListenAddress = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.server.Start(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !f.server.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	if f.server.IsRunning() {
		t.Error("IsRunning() after shutdown")
	}
}

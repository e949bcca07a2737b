package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/config"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollector(config.MetricsConfig{Namespace: "test"}, prometheus.NewRegistry())
}

func TestCollector_RecordsProcessed(t *testing.T) {
	c := newTestCollector(t)

	c.RecordsProcessed(compliance.ClassCartSessions, "purge_direct", 3)
	c.RecordsProcessed(compliance.ClassCartSessions, "purge_direct", 2)
	c.RecordsProcessed(compliance.ClassAuditLog, "archive", 0)

	got := testutil.ToFloat64(c.retention.records.WithLabelValues("cart_sessions", "purge_direct"))
	if got != 5 {
		t.Errorf("records_total = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(c.retention.records); n != 1 {
		t.Errorf("zero-count call created a series: %d series", n)
	}
}

func TestCollector_RunCompleted(t *testing.T) {
	c := newTestCollector(t)

	c.RunCompleted(compliance.RunDaily, 2*time.Second, 0)
	c.RunCompleted(compliance.RunDaily, time.Second, 1)

	if got := testutil.ToFloat64(c.retention.runs.WithLabelValues("daily", "ok")); got != 1 {
		t.Errorf("ok runs = %v", got)
	}
	if got := testutil.ToFloat64(c.retention.runs.WithLabelValues("daily", "partial")); got != 1 {
		t.Errorf("partial runs = %v", got)
	}
	if got := testutil.ToFloat64(c.retention.lastRun.WithLabelValues("daily")); got <= 0 {
		t.Errorf("last run timestamp = %v", got)
	}
}

func TestCollector_TaskFailedAndSnapshot(t *testing.T) {
	c := newTestCollector(t)

	c.TaskFailed(compliance.ClassOrders, "warn")
	if got := testutil.ToFloat64(c.retention.taskFailures.WithLabelValues("orders", "warn")); got != 1 {
		t.Errorf("task failures = %v", got)
	}

	c.SnapshotUpdated(&compliance.ComplianceSnapshot{Classes: map[compliance.EntityClass]compliance.ClassCounts{
		compliance.ClassAuditLog: {Active: 10, Archived: 4, Total: 14},
	}})
	if got := testutil.ToFloat64(c.retention.tracked.WithLabelValues("audit_log", "archive")); got != 4 {
		t.Errorf("archived gauge = %v", got)
	}
	c.SnapshotUpdated(nil)
}

func TestCollector_SubjectAndHTTP(t *testing.T) {
	c := newTestCollector(t)

	c.SubjectRequest("export", "ok", 30*time.Millisecond)
	c.SubjectRequest("confirm_deletion", "rejected", time.Millisecond)
	if got := testutil.ToFloat64(c.subject.requests.WithLabelValues("confirm_deletion", "rejected")); got != 1 {
		t.Errorf("subject requests = %v", got)
	}

	c.ObserveHTTP("/v1/subjects/{subjectID}/export", http.MethodPost, 200, time.Millisecond)
	c.ObserveHTTP("", http.MethodGet, 404, time.Millisecond)
	if got := testutil.ToFloat64(c.http.requests.WithLabelValues("unmatched", "GET", "404")); got != 1 {
		t.Errorf("unmatched requests = %v", got)
	}
}

func TestCollector_Disabled(t *testing.T) {
	c := NewCollector(config.MetricsConfig{Enabled: config.Bool(false)}, prometheus.NewRegistry())

	c.RecordsProcessed(compliance.ClassCartSessions, "purge_direct", 3)
	c.SubjectRequest("export", "ok", time.Millisecond)

	if n := testutil.CollectAndCount(c.retention.records); n != 0 {
		t.Errorf("disabled collector recorded %d series", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := newTestCollector(t)
	c.RecordsProcessed(compliance.ClassCartSessions, "purge_direct", 1)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_retention_records_total{entity_class="cart_sessions",task="purge_direct"} 1`) {
		t.Errorf("exposition missing series:\n%s", rec.Body.String())
	}
}

func TestNewCollector_DefaultRegistry(t *testing.T) {
	c := NewCollector(config.MetricsConfig{}, nil)
	families, err := c.Registry().Gather()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "go_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("runtime collector not registered on the default registry")
	}
}

// Package reporter drives the scheduled retention runs and produces
// compliance reports and statistics.
//
// A run walks every retention rule with each class isolated: a failing task
// is captured in the report and never stops the remaining classes. Every run
// ends with one retention_run_summary ledger entry per class.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/archive"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/compliance/retention"
	"mercator-hq/custodian/pkg/notify"
	"mercator-hq/custodian/pkg/telemetry/tracing"
)

// Task names beyond the archive pipeline's.
const (
	TaskWarn         = "approaching_limit"
	TaskSweep        = "expire_requests"
	TaskSnapshot     = "snapshot"
	TaskCancelled    = "cancelled"
	ObjectRun        = "retention_run"
	defaultStatsSpan = 30 * compliance.Day

	// finishTimeout bounds the bookkeeping of a run whose context was
	// cancelled.
	finishTimeout = 30 * time.Second
)

// Store is the persistence the reporter reads and writes.
type Store interface {
	compliance.RecordStore
	compliance.ReportStore
	compliance.TokenStore
}

// Metrics receives run and snapshot measurements.
type Metrics interface {
	RunCompleted(kind compliance.RunKind, duration time.Duration, failedTasks int)
	TaskFailed(class compliance.EntityClass, task string)
	SnapshotUpdated(s *compliance.ComplianceSnapshot)
}

type nopMetrics struct{}

func (nopMetrics) RunCompleted(compliance.RunKind, time.Duration, int) {}
func (nopMetrics) TaskFailed(compliance.EntityClass, string) {}
func (nopMetrics) SnapshotUpdated(*compliance.ComplianceSnapshot) {}

// NotificationSettings controls operator notifications. It can be replaced
// at runtime with UpdateNotifications.
type NotificationSettings struct {
	Enabled    bool
	Recipients []string
	// WarnLeadTime is how far ahead of the horizon records are reported.
	WarnLeadTime time.Duration
	Timeout      time.Duration
}

// Config configures a Reporter.
type Config struct {
	DailySchedule   string
	MonthlySchedule string
	Notifications   NotificationSettings
	// StatsWindow is the look-back for subject request statistics.
	StatsWindow time.Duration
}

// DefaultConfig returns the reporter defaults.
func DefaultConfig() Config {
	return Config{
		DailySchedule:   "0 3 * * *",
		MonthlySchedule: "0 4 1 * *",
		Notifications: NotificationSettings{
			WarnLeadTime: 30 * compliance.Day,
			Timeout:      10 * time.Second,
		},
		StatsWindow: defaultStatsSpan,
	}
}

// ClassSummary aggregates one class's outcome in a run. Zero fields are
// omitted so a report reads as {"cart_sessions": {"deleted": 1}}.
type ClassSummary struct {
	Archived    int64 `json:"archived,omitempty"`
	Deleted     int64 `json:"deleted,omitempty"`
	Approaching int   `json:"approaching,omitempty"`
	Failed      int   `json:"failed,omitempty"`
}

// TaskResult is one executed task.
type TaskResult struct {
	EntityClass compliance.EntityClass `json:"entity_class,omitempty"`
	Task        string                 `json:"task"`
	Count       int64                  `json:"count"`
	Error       string                 `json:"error,omitempty"`
}

// Report is the outcome of a retention run.
type Report struct {
	RunID             string                                   `json:"run_id"`
	Kind              compliance.RunKind                       `json:"kind"`
	StartedAt         time.Time                                `json:"started_at"`
	FinishedAt        time.Time                                `json:"finished_at"`
	Classes           map[compliance.EntityClass]*ClassSummary `json:"classes"`
	Tasks             []TaskResult                             `json:"tasks"`
	ExpiredRequests   int64                                    `json:"expired_requests,omitempty"`
	Warning           *compliance.RetentionWarning             `json:"warning,omitempty"`
	Snapshot          *compliance.ComplianceSnapshot           `json:"snapshot,omitempty"`
	NotificationError string                                   `json:"notification_error,omitempty"`
}

// FailedTasks counts tasks that returned an error.
func (r *Report) FailedTasks() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Error != "" {
			n++
		}
	}
	return n
}

func (r *Report) summary(class compliance.EntityClass) *ClassSummary {
	s, ok := r.Classes[class]
	if !ok {
		s = &ClassSummary{}
		r.Classes[class] = s
	}
	return s
}

// Reporter runs retention cadences and answers statistics queries.
type Reporter struct {
	engine   *retention.Engine
	pipeline *archive.Pipeline
	ledger   *ledger.Ledger
	store    Store
	notifier notify.Sender
	metrics  Metrics

	mu       sync.RWMutex
	cfg      Config
	schedule map[compliance.RunKind]cron.Schedule

	tracer trace.Tracer
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) { r.now = now }
}

// WithMetrics reports run measurements to m.
func WithMetrics(m Metrics) Option {
	return func(r *Reporter) {
		if m != nil {
			r.metrics = m
		}
	}
}

// New creates a reporter. The cron expressions are parsed up front so a bad
// schedule fails at startup.
func New(cfg Config, engine *retention.Engine, pipeline *archive.Pipeline, l *ledger.Ledger, store Store, notifier notify.Sender, opts ...Option) (*Reporter, error) {
	if engine == nil || pipeline == nil || l == nil || store == nil {
		return nil, errors.New("reporter: engine, pipeline, ledger and store are required")
	}
	if notifier == nil {
		notifier = notify.NewLogSender(nil)
	}
	if cfg.StatsWindow <= 0 {
		cfg.StatsWindow = defaultStatsSpan
	}
	if cfg.Notifications.Timeout <= 0 {
		cfg.Notifications.Timeout = 10 * time.Second
	}

	schedule := make(map[compliance.RunKind]cron.Schedule, 2)
	for kind, expr := range map[compliance.RunKind]string{
		compliance.RunDaily:   cfg.DailySchedule,
		compliance.RunMonthly: cfg.MonthlySchedule,
	} {
		if expr == "" {
			continue
		}
		s, err := cron.ParseStandard(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid %s schedule %q: %w", kind, expr, err)
		}
		schedule[kind] = s
	}

	r := &Reporter{
		engine:   engine,
		pipeline: pipeline,
		ledger:   l,
		store:    store,
		notifier: notifier,
		metrics:  nopMetrics{},
		cfg:      cfg,
		schedule: schedule,
		tracer:   otel.Tracer("mercator-hq/custodian/reporter"),
		now:      time.Now,
		logger:   slog.Default().With("component", "compliance.reporter"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Schedule returns the cron expression configured for kind.
func (r *Reporter) Schedule(kind compliance.RunKind) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if kind == compliance.RunMonthly {
		return r.cfg.MonthlySchedule
	}
	return r.cfg.DailySchedule
}

// UpdateNotifications replaces the notification settings.
func (r *Reporter) UpdateNotifications(n NotificationSettings) {
	if n.Timeout <= 0 {
		n.Timeout = 10 * time.Second
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Notifications = n
	r.logger.Info("notification settings updated", "enabled", n.Enabled, "recipients", len(n.Recipients))
}

func (r *Reporter) notifications() NotificationSettings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.cfg.Notifications
	n.Recipients = append([]string(nil), n.Recipients...)
	return n
}

func (r *Reporter) newReport(kind compliance.RunKind) *Report {
	report := &Report{
		RunID:     uuid.NewString(),
		Kind:      kind,
		StartedAt: r.now().UTC(),
		Classes:   make(map[compliance.EntityClass]*ClassSummary),
		Tasks:     []TaskResult{},
	}
	for _, rule := range r.engine.Rules() {
		report.summary(rule.EntityClass)
	}
	return report
}

func (r *Reporter) record(report *Report, class compliance.EntityClass, task string, count int64, err error) {
	result := TaskResult{EntityClass: class, Task: task, Count: count}
	if err != nil {
		result.Error = err.Error()
		if class != "" {
			report.summary(class).Failed++
		}
		r.metrics.TaskFailed(class, task)
		r.logger.Error("retention task failed", "class", class, "task", task, "error", err)
	}
	report.Tasks = append(report.Tasks, result)
}

// RunDaily archives and purges every class according to its rule, warns about
// records nearing the longest horizon and drops expired deletion requests.
// When ctx is cancelled mid-run the remaining classes are reported as
// cancelled tasks and the partial report is still persisted.
func (r *Reporter) RunDaily(ctx context.Context) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "reporter.run_daily")
	defer span.End()

	report := r.newReport(compliance.RunDaily)

	for _, rule := range r.engine.Rules() {
		if err := ctx.Err(); err != nil {
			r.record(report, rule.EntityClass, TaskCancelled, 0, err)
			continue
		}
		r.runRule(ctx, report, rule)
	}

	if err := ctx.Err(); err != nil {
		r.record(report, "", TaskCancelled, 0, err)
		return r.finish(ctx, span, report)
	}

	r.warnApproaching(ctx, report)

	expired, err := r.store.DeleteExpiredRequests(ctx, r.now())
	report.ExpiredRequests = expired
	r.record(report, "", TaskSweep, expired, err)

	return r.finish(ctx, span, report)
}

func (r *Reporter) runRule(ctx context.Context, report *Report, rule compliance.RetentionRule) {
	class := rule.EntityClass
	summary := report.summary(class)

	switch rule.TerminalAction {
	case compliance.ActionArchiveThenPurge:
		res, err := r.pipeline.ArchiveDue(ctx, class)
		var moved int64
		if res != nil {
			moved = res.Removed
			summary.Archived += res.Removed
		}
		r.record(report, class, archive.TaskArchive, moved, err)

		purged, err := r.pipeline.PurgeExpired(ctx, class)
		var deleted int64
		if purged != nil {
			deleted = purged.Deleted
			summary.Deleted += purged.Deleted
		}
		r.record(report, class, archive.TaskPurgeExpired, deleted, err)

	case compliance.ActionPurge:
		purged, err := r.pipeline.PurgeDirect(ctx, class)
		var deleted int64
		if purged != nil {
			deleted = purged.Deleted
			summary.Deleted += purged.Deleted
		}
		r.record(report, class, archive.TaskPurgeDirect, deleted, err)

	case compliance.ActionWarnOnly:
		// nothing to move; covered by the approaching-limit check
	}
}

func (r *Reporter) warnApproaching(ctx context.Context, report *Report) {
	rule := r.engine.LongestHorizon()
	settings := r.notifications()

	ids, err := r.engine.ApproachingLimit(ctx, rule.EntityClass, r.now(), settings.WarnLeadTime)
	r.record(report, rule.EntityClass, TaskWarn, int64(len(ids)), err)
	if err != nil || len(ids) == 0 {
		return
	}

	warning := compliance.RetentionWarning{
		EntityClass: rule.EntityClass,
		Count:       len(ids),
		LeadTime:    settings.WarnLeadTime,
		Horizon:     rule.Horizon(),
	}
	report.Warning = &warning
	report.summary(rule.EntityClass).Approaching = len(ids)

	if _, err := r.ledger.Record(ctx, compliance.ActorSystem, compliance.AuditRetentionWarning, string(rule.EntityClass), warning, ""); err != nil {
		r.record(report, rule.EntityClass, TaskWarn, 0, err)
		return
	}

	if settings.Enabled {
		subject := fmt.Sprintf("Retention warning: %d %s records near their %d-day horizon",
			warning.Count, warning.EntityClass, int(warning.Horizon/compliance.Day))
		body := fmt.Sprintf("%d %s records will reach the end of their retention horizon (%d days) within %d days.\n"+
			"Review them before they become eligible for removal.\n",
			warning.Count, warning.EntityClass, int(warning.Horizon/compliance.Day), int(warning.LeadTime/compliance.Day))
		if err := r.broadcast(ctx, settings, subject, body); err != nil {
			report.NotificationError = err.Error()
		}
	}
}

// RunMonthly purges expired archive rows and refreshes the compliance
// snapshot.
func (r *Reporter) RunMonthly(ctx context.Context) (*Report, error) {
	ctx, span := r.tracer.Start(ctx, "reporter.run_monthly")
	defer span.End()

	report := r.newReport(compliance.RunMonthly)

	for _, rule := range r.engine.Rules() {
		if rule.TerminalAction != compliance.ActionArchiveThenPurge {
			continue
		}
		purged, err := r.pipeline.PurgeExpired(ctx, rule.EntityClass)
		var deleted int64
		if purged != nil {
			deleted = purged.Deleted
			report.summary(rule.EntityClass).Deleted += deleted
		}
		r.record(report, rule.EntityClass, archive.TaskPurgeExpired, deleted, err)
	}

	snap, err := r.GenerateSnapshot(ctx)
	var classes int64
	if snap != nil {
		report.Snapshot = snap
		classes = int64(len(snap.Classes))
	}
	r.record(report, "", TaskSnapshot, classes, err)

	return r.finish(ctx, span, report)
}

// finish writes the per-class summaries, persists the run and sends the
// report notification.
// A cancelled run is still summarized and persisted, under a detached
// context.
func (r *Reporter) finish(ctx context.Context, span trace.Span, report *Report) (*Report, error) {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
		defer cancel()
	}
	report.FinishedAt = r.now().UTC()
	failed := report.FailedTasks()

	for _, class := range sortedClasses(report.Classes) {
		s := report.Classes[class]
		summary := compliance.RunSummary{
			RunID:       report.RunID,
			RunKind:     report.Kind,
			EntityClass: class,
			Archived:    s.Archived,
			Deleted:     s.Deleted,
			Approaching: s.Approaching,
			Failed:      s.Failed,
		}
		if _, err := r.ledger.Record(ctx, compliance.ActorSystem, compliance.AuditRetentionRunSummary, ObjectRun, summary, ""); err != nil {
			return report, err
		}
	}

	run := &compliance.RunRecord{
		ID:          report.RunID,
		Kind:        report.Kind,
		StartedAt:   report.StartedAt,
		FinishedAt:  report.FinishedAt,
		FailedTasks: failed,
	}
	if err := r.store.SaveRun(ctx, run); err != nil {
		return report, err
	}

	if settings := r.notifications(); settings.Enabled {
		subject := fmt.Sprintf("Retention %s run: %d failed tasks", report.Kind, failed)
		if err := r.broadcast(ctx, settings, subject, FormatReport(report)); err != nil {
			if report.NotificationError != "" {
				report.NotificationError += "; "
			}
			report.NotificationError += err.Error()
		}
	}

	duration := report.FinishedAt.Sub(report.StartedAt)
	r.metrics.RunCompleted(report.Kind, duration, failed)
	span.SetAttributes(
		attribute.String(tracing.AttrRunKind, string(report.Kind)),
		attribute.Int(tracing.AttrFailedTasks, failed),
	)

	r.logger.Info("retention run completed",
		"kind", report.Kind,
		"run_id", report.RunID,
		"failed_tasks", failed,
		"duration", duration,
	)
	return report, nil
}

func (r *Reporter) broadcast(ctx context.Context, settings NotificationSettings, subject, body string) error {
	var errs []error
	for _, to := range settings.Recipients {
		sendCtx, cancel := context.WithTimeout(ctx, settings.Timeout)
		err := r.notifier.Send(sendCtx, to, subject, body)
		cancel()
		if err != nil {
			errs = append(errs, compliance.NewCollaboratorError("notify", "send", err))
		}
	}
	if len(errs) > 0 {
		r.logger.Warn("report notification failed", "failures", len(errs))
	}
	return errors.Join(errs...)
}

// GenerateSnapshot counts every tracked class in both tiers and replaces the
// stored snapshot.
func (r *Reporter) GenerateSnapshot(ctx context.Context) (*compliance.ComplianceSnapshot, error) {
	classes, err := r.countClasses(ctx)
	if err != nil {
		return nil, err
	}
	snap := &compliance.ComplianceSnapshot{GeneratedAt: r.now().UTC(), Classes: classes}
	if err := r.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	r.metrics.SnapshotUpdated(snap)
	return snap, nil
}

func (r *Reporter) countClasses(ctx context.Context) (map[compliance.EntityClass]compliance.ClassCounts, error) {
	out := make(map[compliance.EntityClass]compliance.ClassCounts)
	for _, class := range compliance.EntityClasses() {
		active, err := r.store.CountRecords(ctx, class, compliance.TierActive)
		if err != nil {
			return nil, err
		}
		archived, err := r.store.CountRecords(ctx, class, compliance.TierArchive)
		if err != nil {
			return nil, err
		}
		out[class] = compliance.ClassCounts{Active: active, Archived: archived, Total: active + archived}
	}
	return out, nil
}

// RunManualCleanup runs one cadence on demand.
func (r *Reporter) RunManualCleanup(ctx context.Context, kind compliance.RunKind) (*Report, error) {
	switch kind {
	case compliance.RunDaily:
		return r.RunDaily(ctx)
	case compliance.RunMonthly:
		return r.RunMonthly(ctx)
	}
	return nil, compliance.NewValidationError("kind", "must be daily or monthly")
}

// FormatReport renders a report as plain text for notifications.
func FormatReport(report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Retention %s run %s\n", report.Kind, report.RunID)
	fmt.Fprintf(&b, "Started:  %s\nFinished: %s\n\n", report.StartedAt.Format(time.RFC3339), report.FinishedAt.Format(time.RFC3339))

	for _, class := range sortedClasses(report.Classes) {
		s := report.Classes[class]
		fmt.Fprintf(&b, "%-14s archived=%d deleted=%d approaching=%d failed=%d\n",
			class, s.Archived, s.Deleted, s.Approaching, s.Failed)
	}
	if report.ExpiredRequests > 0 {
		fmt.Fprintf(&b, "\nExpired deletion requests dropped: %d\n", report.ExpiredRequests)
	}

	var failures []string
	for _, t := range report.Tasks {
		if t.Error != "" {
			failures = append(failures, fmt.Sprintf("  %s/%s: %s", t.EntityClass, t.Task, t.Error))
		}
	}
	if len(failures) > 0 {
		b.WriteString("\nFailed tasks:\n")
		b.WriteString(strings.Join(failures, "\n"))
		b.WriteString("\n")
	}
	return b.String()
}

func sortedClasses(m map[compliance.EntityClass]*ClassSummary) []compliance.EntityClass {
	out := make([]compliance.EntityClass, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

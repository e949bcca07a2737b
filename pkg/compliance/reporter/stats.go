package reporter

import (
	"context"
	"errors"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// SubjectRequestStats summarises subject-rights activity over a window.
type SubjectRequestStats struct {
	Window             time.Duration `json:"-"`
	WindowDays         int           `json:"window_days"`
	Exports            int           `json:"exports"`
	DeletionRequests   int           `json:"deletion_requests"`
	DeletionsCompleted int           `json:"deletions_completed"`
	AvgResponseTime    time.Duration `json:"-"`
	AvgResponseSeconds float64       `json:"avg_response_seconds"`
}

// Stats is the administrative view of retention state.
type Stats struct {
	GeneratedAt     time.Time                                         `json:"generated_at"`
	Rules           []compliance.RetentionRule                        `json:"rules"`
	Classes         map[compliance.EntityClass]compliance.ClassCounts `json:"classes"`
	LastDaily       *compliance.RunRecord                             `json:"last_daily,omitempty"`
	LastMonthly     *compliance.RunRecord                             `json:"last_monthly,omitempty"`
	NextDaily       *time.Time                                        `json:"next_daily,omitempty"`
	NextMonthly     *time.Time                                        `json:"next_monthly,omitempty"`
	SnapshotAt      *time.Time                                        `json:"snapshot_at,omitempty"`
	SubjectRequests SubjectRequestStats                               `json:"subject_requests"`
}

// GetRetentionStats reports live counts, run bookkeeping and subject request
// statistics. The average response time is measured from each completed
// deletion's request time to its completion entry.
func (r *Reporter) GetRetentionStats(ctx context.Context) (*Stats, error) {
	now := r.now().UTC()

	classes, err := r.countClasses(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		GeneratedAt: now,
		Rules:       r.engine.Rules(),
		Classes:     classes,
	}

	if stats.LastDaily, err = r.lastRun(ctx, compliance.RunDaily); err != nil {
		return nil, err
	}
	if stats.LastMonthly, err = r.lastRun(ctx, compliance.RunMonthly); err != nil {
		return nil, err
	}

	r.mu.RLock()
	stats.NextDaily = nextRun(r.schedule[compliance.RunDaily], now)
	stats.NextMonthly = nextRun(r.schedule[compliance.RunMonthly], now)
	window := r.cfg.StatsWindow
	r.mu.RUnlock()

	snap, err := r.store.LatestSnapshot(ctx)
	switch {
	case errors.Is(err, compliance.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		at := snap.GeneratedAt
		stats.SnapshotAt = &at
	}

	if stats.SubjectRequests, err = r.subjectStats(ctx, now.Add(-window), window); err != nil {
		return nil, err
	}
	return stats, nil
}

func (r *Reporter) lastRun(ctx context.Context, kind compliance.RunKind) (*compliance.RunRecord, error) {
	run, err := r.store.LastRun(ctx, kind)
	if errors.Is(err, compliance.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

func nextRun(s interface{ Next(time.Time) time.Time }, now time.Time) *time.Time {
	if s == nil {
		return nil
	}
	next := s.Next(now)
	if next.IsZero() {
		return nil
	}
	return &next
}

func (r *Reporter) subjectStats(ctx context.Context, since time.Time, window time.Duration) (SubjectRequestStats, error) {
	out := SubjectRequestStats{Window: window, WindowDays: int(window / compliance.Day)}

	exports, err := r.ledger.ByAction(ctx, compliance.AuditDataExport, since)
	if err != nil {
		return out, err
	}
	requests, err := r.ledger.ByAction(ctx, compliance.AuditDeletionRequested, since)
	if err != nil {
		return out, err
	}
	completed, err := r.ledger.ByAction(ctx, compliance.AuditDeletionCompleted, since)
	if err != nil {
		return out, err
	}

	out.Exports = len(exports)
	out.DeletionRequests = len(requests)
	out.DeletionsCompleted = len(completed)

	var total time.Duration
	var measured int
	for _, e := range completed {
		outcome, ok := e.Detail.(compliance.DeletionOutcome)
		if !ok || outcome.RequestedAt.IsZero() {
			continue
		}
		if d := e.CreatedAt.Sub(outcome.RequestedAt); d >= 0 {
			total += d
			measured++
		}
	}
	if measured > 0 {
		out.AvgResponseTime = total / time.Duration(measured)
		out.AvgResponseSeconds = out.AvgResponseTime.Seconds()
	}
	return out, nil
}

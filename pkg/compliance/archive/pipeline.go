// Package archive moves aging records through the active → archive → purge
// pipeline and records every effective move in the audit ledger.
//
// Archival is insert-before-delete without a wrapping transaction: rows are
// copied into the archive tier (skipping ids already there), the archive is
// re-read, and only ids confirmed present are removed from the active tier.
// A failure between the two steps leaves rows in both tiers; the next run
// skips the insert and retries the delete. Rows are never lost.
package archive

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/custodian/pkg/compliance"
	"mercator-hq/custodian/pkg/compliance/ledger"
	"mercator-hq/custodian/pkg/compliance/retention"
)

// Task names used in results, metrics and integrity errors.
const (
	TaskArchive      = "archive"
	TaskPurgeExpired = "purge_expired"
	TaskPurgeDirect  = "purge_direct"
)

// Metrics receives counts of records moved or removed.
type Metrics interface {
	RecordsProcessed(class compliance.EntityClass, task string, n int64)
}

type nopMetrics struct{}

func (nopMetrics) RecordsProcessed(compliance.EntityClass, string, int64) {}

// Pipeline performs archival and purge tasks for one rule set.
type Pipeline struct {
	engine  *retention.Engine
	records compliance.RecordStore
	ledger  *ledger.Ledger
	metrics Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithMetrics reports processed record counts to m.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewPipeline creates a pipeline.
func NewPipeline(engine *retention.Engine, records compliance.RecordStore, l *ledger.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		engine:  engine,
		records: records,
		ledger:  l,
		metrics: nopMetrics{},
		now:     time.Now,
		logger:  slog.Default().With("component", "compliance.archive"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) ruleFor(class compliance.EntityClass, want compliance.TerminalAction, task string) (compliance.RetentionRule, error) {
	rule, ok := p.engine.Rule(class)
	if !ok {
		return rule, compliance.NewValidationError("entity_class", fmt.Sprintf("no retention rule for %q", class))
	}
	if rule.TerminalAction != want {
		return rule, compliance.NewValidationError("entity_class",
			fmt.Sprintf("%s is not allowed for %s (terminal action %s)", task, class, rule.TerminalAction))
	}
	return rule, nil
}

// ArchiveDue moves every due active row of class into the archive tier.
//
// When nothing is due no ledger entry is written. When the insert fails no
// row is deleted. Ids that end up neither archived nor removable are reported
// as an IntegrityError alongside the partial result.
func (p *Pipeline) ArchiveDue(ctx context.Context, class compliance.EntityClass) (*compliance.ArchiveResult, error) {
	rule, err := p.ruleFor(class, compliance.ActionArchiveThenPurge, TaskArchive)
	if err != nil {
		return nil, err
	}

	now := p.now()
	result := &compliance.ArchiveResult{EntityClass: class, Cutoff: retention.ActiveCutoff(rule, now).UTC()}

	due, err := p.engine.DueForAction(ctx, class, now)
	if err != nil {
		return nil, err
	}
	result.Selected = len(due)
	if len(due) == 0 {
		p.logger.Debug("nothing due for archival", "class", class)
		return result, nil
	}

	inserted, err := p.records.CopyToArchive(ctx, class, due)
	if err != nil {
		p.logger.Error("archive insert failed, active rows left in place", "class", class, "due", len(due), "error", err)
		return nil, err
	}
	result.Archived = inserted

	confirmed, err := p.records.PresentIn(ctx, class, compliance.TierArchive, due)
	if err != nil {
		return nil, err
	}

	removed, err := p.records.DeleteRecords(ctx, class, compliance.TierActive, confirmed)
	if err != nil {
		p.logger.Warn("active delete failed after archive insert, will retry next run",
			"class", class, "archived", inserted, "error", err)
		return nil, err
	}
	result.Removed = removed

	if _, err := p.ledger.Record(ctx, compliance.ActorSystem, compliance.AuditRetentionArchive, string(class), *result, ""); err != nil {
		return result, err
	}
	p.metrics.RecordsProcessed(class, TaskArchive, removed)

	p.logger.Info("records archived",
		"class", class,
		"selected", result.Selected,
		"inserted", inserted,
		"removed", removed,
		"cutoff", result.Cutoff,
	)

	if missing := len(due) - len(confirmed); missing > 0 {
		stranded, err := p.stranded(ctx, class, due, confirmed)
		if err != nil {
			return result, err
		}
		if len(stranded) > 0 {
			return result, compliance.NewIntegrityError(class, TaskArchive,
				fmt.Errorf("%d due rows are neither archived nor removable", len(stranded)))
		}
	}
	return result, nil
}

// stranded returns due ids that are missing from the archive but still
// present in the active tier. Ids gone from both tiers were removed
// concurrently and are not an inconsistency.
func (p *Pipeline) stranded(ctx context.Context, class compliance.EntityClass, due, confirmed []string) ([]string, error) {
	archived := make(map[string]struct{}, len(confirmed))
	for _, id := range confirmed {
		archived[id] = struct{}{}
	}
	var missing []string
	for _, id := range due {
		if _, ok := archived[id]; !ok {
			missing = append(missing, id)
		}
	}
	return p.records.PresentIn(ctx, class, compliance.TierActive, missing)
}

// PurgeExpired deletes archive rows of class whose archive window has ended.
// Only valid for archive_then_purge rules.
func (p *Pipeline) PurgeExpired(ctx context.Context, class compliance.EntityClass) (*compliance.CleanupResult, error) {
	rule, err := p.ruleFor(class, compliance.ActionArchiveThenPurge, TaskPurgeExpired)
	if err != nil {
		return nil, err
	}

	cutoff := retention.ArchiveCutoff(rule, p.now())
	ids, err := p.records.IDsCreatedBefore(ctx, class, compliance.TierArchive, cutoff)
	if err != nil {
		return nil, err
	}
	return p.purge(ctx, class, compliance.TierArchive, TaskPurgeExpired, ids, cutoff)
}

// PurgeDirect deletes active rows of class past the active window. Only
// valid for purge rules.
func (p *Pipeline) PurgeDirect(ctx context.Context, class compliance.EntityClass) (*compliance.CleanupResult, error) {
	rule, err := p.ruleFor(class, compliance.ActionPurge, TaskPurgeDirect)
	if err != nil {
		return nil, err
	}

	now := p.now()
	ids, err := p.engine.DueForAction(ctx, class, now)
	if err != nil {
		return nil, err
	}
	return p.purge(ctx, class, compliance.TierActive, TaskPurgeDirect, ids, retention.ActiveCutoff(rule, now))
}

func (p *Pipeline) purge(ctx context.Context, class compliance.EntityClass, tier compliance.Tier, task string, ids []string, cutoff time.Time) (*compliance.CleanupResult, error) {
	result := &compliance.CleanupResult{EntityClass: class, Task: task, Tier: tier, Cutoff: cutoff.UTC()}
	if len(ids) == 0 {
		return result, nil
	}

	deleted, err := p.records.DeleteRecords(ctx, class, tier, ids)
	if err != nil {
		return nil, err
	}
	result.Deleted = deleted
	if deleted == 0 {
		return result, nil
	}

	if _, err := p.ledger.Record(ctx, compliance.ActorSystem, compliance.AuditRetentionPurge, string(class), *result, ""); err != nil {
		return result, err
	}
	p.metrics.RecordsProcessed(class, task, deleted)

	p.logger.Info("records purged", "class", class, "tier", tier, "task", task, "deleted", deleted)
	return result, nil
}

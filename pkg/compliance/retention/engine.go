package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/custodian/pkg/compliance"
)

// OrderCounter counts a subject's orders across both tiers.
type OrderCounter interface {
	CountOrders(ctx context.Context, subjectID string) (int64, error)
}

// Engine evaluates retention rules against the record store. All methods are
// read-only.
type Engine struct {
	rules   map[compliance.EntityClass]compliance.RetentionRule
	order   []compliance.EntityClass
	records compliance.RecordStore
	orders  OrderCounter
	logger  *slog.Logger
}

// NewEngine validates rules and returns an engine. Each class may appear at
// most once.
func NewEngine(rules []compliance.RetentionRule, records compliance.RecordStore, orders OrderCounter) (*Engine, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("retention: at least one rule is required")
	}

	e := &Engine{
		rules:   make(map[compliance.EntityClass]compliance.RetentionRule, len(rules)),
		records: records,
		orders:  orders,
		logger:  slog.Default().With("component", "compliance.retention"),
	}
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("retention: %w", err)
		}
		if _, dup := e.rules[rule.EntityClass]; dup {
			return nil, fmt.Errorf("retention: duplicate rule for %s", rule.EntityClass)
		}
		e.rules[rule.EntityClass] = rule
		e.order = append(e.order, rule.EntityClass)
	}
	return e, nil
}

// Rule returns the rule of class.
func (e *Engine) Rule(class compliance.EntityClass) (compliance.RetentionRule, bool) {
	r, ok := e.rules[class]
	return r, ok
}

// Rules returns every rule in registration order.
func (e *Engine) Rules() []compliance.RetentionRule {
	rules := make([]compliance.RetentionRule, len(e.order))
	for i, class := range e.order {
		rules[i] = e.rules[class]
	}
	return rules
}

// LongestHorizon returns the rule whose records stay the longest.
func (e *Engine) LongestHorizon() compliance.RetentionRule {
	var longest compliance.RetentionRule
	for _, class := range e.order {
		if r := e.rules[class]; r.Horizon() > longest.Horizon() {
			longest = r
		}
	}
	return longest
}

func (e *Engine) mustRule(class compliance.EntityClass) (compliance.RetentionRule, error) {
	r, ok := e.rules[class]
	if !ok {
		return r, compliance.NewValidationError("entity_class", fmt.Sprintf("no retention rule for %q", class))
	}
	return r, nil
}

// DueForAction returns active ids of class whose age has reached the active
// window: created_at <= now - ActiveWindow.
func (e *Engine) DueForAction(ctx context.Context, class compliance.EntityClass, now time.Time) ([]string, error) {
	rule, err := e.mustRule(class)
	if err != nil {
		return nil, err
	}
	return e.records.IDsCreatedBefore(ctx, class, compliance.TierActive, ActiveCutoff(rule, now))
}

// ApproachingLimit returns ids in either tier whose age is at least
// horizon - lead.
func (e *Engine) ApproachingLimit(ctx context.Context, class compliance.EntityClass, now time.Time, lead time.Duration) ([]string, error) {
	rule, err := e.mustRule(class)
	if err != nil {
		return nil, err
	}
	threshold := now.Add(-(rule.Horizon() - lead))

	var ids []string
	for _, tier := range []compliance.Tier{compliance.TierActive, compliance.TierArchive} {
		tierIDs, err := e.records.IDsCreatedBefore(ctx, class, tier, threshold)
		if err != nil {
			return nil, err
		}
		ids = append(ids, tierIDs...)
	}

	if len(ids) > 0 {
		e.logger.Debug("records approaching retention limit", "class", class, "count", len(ids), "lead", lead)
	}
	return ids, nil
}

// UnderLegalHold reports whether the subject has at least one order in any
// tier. Such subjects are anonymized instead of deleted.
func (e *Engine) UnderLegalHold(ctx context.Context, subjectID string) (bool, error) {
	n, err := e.orders.CountOrders(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ActiveCutoff is the newest created_at that is due under rule's active window.
func ActiveCutoff(rule compliance.RetentionRule, now time.Time) time.Time {
	return now.Add(-rule.ActiveWindow)
}

// ArchiveCutoff is the newest created_at whose archive window has ended.
func ArchiveCutoff(rule compliance.RetentionRule, now time.Time) time.Time {
	return now.Add(-rule.ArchiveWindow)
}

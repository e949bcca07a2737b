// Package retention evaluates retention rules against tracked records.
//
// # Retention Rules
//
// Each entity class has exactly one rule with an active window, an optional
// archive window and a terminal action:
//
//   - purge: rows past the active window are deleted in place
//   - archive_then_purge: rows past the active window move to the archive
//     tier and are deleted once the archive window ends
//   - warn_only: rows are never removed automatically; the engine only
//     reports them as approaching their horizon
//
// Both windows are measured from created_at. The boundary is inclusive: a
// record whose age equals the window is due.
//
// # Basic Usage
//
//	engine, err := retention.NewEngine(compliance.DefaultRules(), store, store)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ids, err := engine.DueForAction(ctx, compliance.ClassCartSessions, time.Now())
//
// # Legal Hold
//
// UnderLegalHold reports whether a subject owns at least one order in either
// tier. Orders are kept for their full legal horizon, so such subjects can
// only be anonymized, never deleted.
//
// The engine never mutates data; the archive package performs moves and
// purges using the cutoffs computed here.
package retention

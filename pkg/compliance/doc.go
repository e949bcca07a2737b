// Package compliance defines the shared domain model of the data-lifecycle
// and subject-rights engine: entity classes, retention rules, tracked
// records, audit ledger entries and their typed details, and the storage
// contracts the engine components are built on.
//
// # Architecture
//
// The engine is split into leaf-first components, each in its own package:
//
//  1. ledger    - append-only audit ledger, the only path that writes audit_log rows
//  2. retention - retention rules, due-set evaluation and the legal-hold predicate
//  3. archive   - active → archive → purge pipeline
//  4. subject   - subject data aggregation, export and the deletion workflow
//  5. reporter  - daily/monthly entry points, snapshots and statistics
//
// Components never look each other up through global state; every
// constructor receives its stores and collaborators explicitly.
//
// # Storage
//
// Every retention-tracked entity class is persisted twice: an active tier and
// an archive tier with disjoint ids. Implementations of RecordStore must make
// CopyToArchive skip ids already present in the archive so that concurrent or
// repeated archival runs converge instead of failing or duplicating rows.
//
//	Active tier  ── CopyToArchive ──▶ Archive tier ── DeleteRecords ──▶ gone
//	     │                                  ▲
//	     └── DeleteRecords (only ids confirmed in archive)
//
// # Thread Safety
//
// All store implementations are safe for concurrent use. Domain values are
// plain structs; stores return copies.
package compliance

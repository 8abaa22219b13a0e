// Package store provides durable storage for versioned contexts.
//
// The store is an append-only log per context:
//   - Contexts: one row per context with its head version and lineage
//   - Versions: one row per version holding only the delta against its predecessor
//   - Snapshots: the full sequence, written every snapshot interval
//   - Message IDs: every id a context has ever used, deleted or not
//
// # Commit Protocol
//
// CommitVersion runs in one transaction. The context head advances with a
// conditional update (head = number-1). A writer that loses the race gets a
// CONFLICT error and nothing it wrote is visible.
//
// # Ordering
//
//   - Versions are read in ascending number order
//   - Contexts are listed by created_at DESC, id DESC COLLATE BINARY
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Deltas and snapshots are stored as RFC 8785 canonical JSON produced by
// internal/ir, so a byte-level comparison of two stored sequences is a
// content comparison. The badgerstore subpackage implements the same
// Backend contract on BadgerDB.
package store

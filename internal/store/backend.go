package store

import (
	"context"
	"time"

	"github.com/roach88/chronoctx/internal/ir"
)

// Backend is the storage contract shared by the SQLite store and the
// BadgerDB store. Every method is safe for concurrent use.
//
// Errors for unknown contexts and versions are *ir.Error values with
// CodeNotFound; storage failures are wrapped plain errors.
type Backend interface {
	// InsertContext creates a context together with its version 1 in one
	// transaction. The context head is first.Version.Number.
	InsertContext(ctx context.Context, c ir.Context, first Commit) error

	// CommitVersion appends a version and advances the head from
	// Number-1 to Number. Returns CodeConflict if the head moved.
	CommitVersion(ctx context.Context, commit Commit) error

	GetContext(ctx context.Context, id string) (ir.Context, error)

	// ListContexts returns up to limit contexts ordered newest first,
	// starting strictly after the cursor position when after is non-nil.
	ListContexts(ctx context.Context, after *Cursor, limit int) ([]ir.Context, error)

	// Versions returns versions from..to inclusive in ascending order.
	Versions(ctx context.Context, contextID string, from, to int64) ([]ir.Version, error)

	// NearestSnapshot returns the latest snapshot at or before the given
	// version. A zero Snapshot (Version 0, no messages) means none exists.
	NearestSnapshot(ctx context.Context, contextID string, atOrBefore int64) (Snapshot, error)

	// History returns the payload-free headers of every version.
	History(ctx context.Context, contextID string) ([]ir.VersionInfo, error)

	// UsedMessageIDs returns the subset of ids the context has ever used.
	UsedMessageIDs(ctx context.Context, contextID string, ids []string) ([]string, error)

	// VersionAt returns the latest version created at or before t.
	// Returns CodeOutOfRange when t predates version 1.
	VersionAt(ctx context.Context, contextID string, t time.Time) (int64, error)

	Close() error
}

// Commit is one version write.
type Commit struct {
	Version ir.Version

	// Snapshot, when non-nil, is the full sequence at Version and is stored
	// alongside it.
	Snapshot []ir.Message

	// NewIDs are message ids first used by this version.
	NewIDs []string
}

// Snapshot is a stored full sequence.
type Snapshot struct {
	Version  int64
	Messages []ir.Message
}

package history

import (
	"context"
	"time"

	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// Log is the read side of the version log that history needs.
// store.Backend satisfies it.
type Log interface {
	GetContext(ctx context.Context, id string) (ir.Context, error)
	Versions(ctx context.Context, contextID string, from, to int64) ([]ir.Version, error)
	NearestSnapshot(ctx context.Context, contextID string, atOrBefore int64) (store.Snapshot, error)
	VersionAt(ctx context.Context, contextID string, t time.Time) (int64, error)
}

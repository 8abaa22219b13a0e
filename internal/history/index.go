package history

import (
	"context"
	"time"

	"github.com/roach88/chronoctx/internal/ir"
)

// VersionSelector picks a version: an exact number, or the latest version
// created at or before a timestamp. The zero value selects the head.
type VersionSelector struct {
	Version int64
	At      *time.Time
}

// Index answers which version a selector refers to.
type Index struct {
	log Log
}

// NewIndex creates an Index over log.
func NewIndex(log Log) *Index {
	return &Index{log: log}
}

// HeadOf returns the current head version of a context.
func (x *Index) HeadOf(ctx context.Context, contextID string) (int64, error) {
	c, err := x.log.GetContext(ctx, contextID)
	if err != nil {
		return 0, err
	}
	return c.Head, nil
}

// VersionAt resolves sel against the context's history.
//
// Errors: INVALID_ARGUMENT when both Version and At are set, NOT_FOUND for an
// unknown context or version, OUT_OF_RANGE when At predates version 1.
func (x *Index) VersionAt(ctx context.Context, contextID string, sel VersionSelector) (int64, error) {
	if sel.Version != 0 && sel.At != nil {
		return 0, ir.InvalidArgument(contextID, "version and timestamp are mutually exclusive")
	}

	if sel.At != nil {
		return x.log.VersionAt(ctx, contextID, *sel.At)
	}

	head, err := x.HeadOf(ctx, contextID)
	if err != nil {
		return 0, err
	}
	if sel.Version == 0 {
		return head, nil
	}
	if sel.Version < 1 || sel.Version > head {
		return 0, ir.NotFound(contextID, "version %d not found (head is %d)", sel.Version, head)
	}
	return sel.Version, nil
}

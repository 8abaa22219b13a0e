package engine

import (
	"context"
	"time"

	"github.com/roach88/chronoctx/internal/history"
	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// GetOptions selects what Get materializes. The zero value selects the
// full head sequence.
type GetOptions struct {
	// Version selects a version exactly. Zero means unset.
	Version int64

	// At selects the latest version created at or before At.
	At *time.Time

	// Index keeps only messages 0..Index inclusive of the selected version.
	// Negative counts from the end.
	Index *int
}

// Get materializes a context at the selected version.
//
// Errors: INVALID_ARGUMENT when Version and At are both set; NOT_FOUND for
// an unknown context or version; OUT_OF_RANGE when At predates version 1 or
// Index falls outside the sequence.
func (e *Engine) Get(ctx context.Context, contextID string, opts GetOptions) (State, error) {
	ctx, done := e.tel.startRead(ctx, "get", contextID)
	st, err := e.get(ctx, contextID, opts)
	done(err)
	return st, err
}

func (e *Engine) get(ctx context.Context, contextID string, opts GetOptions) (State, error) {
	if opts.Version != 0 && opts.At != nil {
		return State{}, ir.InvalidArgument(contextID, "version and timestamp are mutually exclusive")
	}

	c, err := e.backend.GetContext(ctx, contextID)
	if err != nil {
		return State{}, err
	}
	v, err := e.index.VersionAt(ctx, contextID, history.VersionSelector{Version: opts.Version, At: opts.At})
	if err != nil {
		return State{}, err
	}
	msgs, err := e.mat.Sequence(ctx, contextID, v)
	if err != nil {
		return State{}, err
	}
	if opts.Index != nil {
		if msgs, err = prefix(contextID, msgs, *opts.Index); err != nil {
			return State{}, err
		}
	}

	// The head may have advanced since c was read.
	c.Head = max(c.Head, v)
	return State{Context: c, Version: v, Messages: msgs}, nil
}

// List returns one page of contexts, newest first. A zero limit selects
// DefaultListLimit; limits above MaxListLimit are clamped.
//
// Errors: INVALID_ARGUMENT for a negative limit or a malformed cursor.
func (e *Engine) List(ctx context.Context, page ir.Page) (ir.ContextPage, error) {
	ctx, done := e.tel.startRead(ctx, "list", "")
	p, err := e.list(ctx, page)
	done(err)
	return p, err
}

func (e *Engine) list(ctx context.Context, page ir.Page) (ir.ContextPage, error) {
	limit := page.Limit
	switch {
	case limit < 0:
		return ir.ContextPage{}, ir.InvalidArgument("", "limit must not be negative, got %d", limit)
	case limit == 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	var after *store.Cursor
	if page.Cursor != "" {
		cur, err := store.DecodeCursor(page.Cursor)
		if err != nil {
			return ir.ContextPage{}, err
		}
		after = &cur
	}

	// One extra row tells whether another page follows.
	contexts, err := e.backend.ListContexts(ctx, after, limit+1)
	if err != nil {
		return ir.ContextPage{}, err
	}

	out := ir.ContextPage{Contexts: contexts}
	if len(contexts) > limit {
		out.Contexts = contexts[:limit]
		out.NextCursor = store.CursorAfter(out.Contexts[limit-1]).Encode()
	}
	if out.Contexts == nil {
		out.Contexts = []ir.Context{}
	}
	return out, nil
}

// History returns the payload-free header of every version, oldest first.
func (e *Engine) History(ctx context.Context, contextID string) ([]ir.VersionInfo, error) {
	ctx, done := e.tel.startRead(ctx, "history", contextID)
	infos, err := e.backend.History(ctx, contextID)
	done(err)
	return infos, err
}

// Verify replays every version of a context from version 1 and reports
// each stored digest, count or snapshot that disagrees with the replay.
// An empty result means the history is intact.
func (e *Engine) Verify(ctx context.Context, contextID string) ([]history.Mismatch, error) {
	ctx, done := e.tel.startRead(ctx, "verify", contextID)
	mismatches, err := e.verify(ctx, contextID)
	done(err)
	return mismatches, err
}

func (e *Engine) verify(ctx context.Context, contextID string) ([]history.Mismatch, error) {
	c, err := e.backend.GetContext(ctx, contextID)
	if err != nil {
		return nil, err
	}
	mismatches, err := e.mat.Verify(ctx, contextID, c.Head)
	if err != nil {
		return nil, err
	}
	if len(mismatches) > 0 {
		e.logger.Warn("history verification failed",
			"context_id", contextID,
			"head", c.Head,
			"mismatches", len(mismatches))
	}
	return mismatches, nil
}

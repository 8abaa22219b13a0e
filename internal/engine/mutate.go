package engine

import (
	"context"
	"slices"
	"time"

	"github.com/roach88/chronoctx/internal/history"
	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// NewMessage is one record passed to Append. An empty ID is generated.
type NewMessage struct {
	ID      string
	Content ir.IRValue
}

// Update changes the content of the message Selector resolves to.
type Update struct {
	Selector ir.Selector
	Changes  ir.IRValue
}

// CreateOptions configures Create. With From empty a new, empty context is
// created; otherwise the new context is a fork of From.
type CreateOptions struct {
	From string

	// Version selects the source version exactly. Zero means unset.
	Version int64

	// At selects the latest source version created at or before At.
	At *time.Time

	// Index keeps only source messages 0..Index inclusive. Negative counts
	// from the end.
	Index *int

	Metadata ir.IRObject
}

// State is a context materialized at one version.
type State struct {
	Context  ir.Context   `json:"context"`
	Version  int64        `json:"version"`
	Messages []ir.Message `json:"data"`
}

// change is what a mutation builds from the head sequence.
type change struct {
	delta    ir.Delta
	metadata ir.IRObject
	newIDs   []string
}

// Append adds messages to the end of the context as one version.
//
// Errors: INVALID_ARGUMENT for an empty batch, an id repeated within the
// batch, or an id the context has used before (even if since deleted);
// NOT_FOUND for an unknown context.
func (e *Engine) Append(ctx context.Context, contextID string, msgs []NewMessage) (State, error) {
	if len(msgs) == 0 {
		return State{}, ir.InvalidArgument(contextID, "append needs at least one message")
	}

	return e.mutate(ctx, ir.KindAppend, contextID, func(ctx context.Context, cur []ir.Message) (change, error) {
		batch := make([]ir.Message, len(msgs))
		ids := make([]string, len(msgs))
		seen := make(map[string]bool, len(msgs))

		for i, m := range msgs {
			id := m.ID
			if id == "" {
				id = e.ids.Generate()
			}
			if seen[id] {
				return change{}, ir.InvalidArgument(contextID, "message id %q appears twice in batch", id)
			}
			seen[id] = true
			ids[i] = id

			content := ir.Clone(m.Content)
			if content == nil {
				content = ir.IRNull{}
			}
			batch[i] = ir.Message{ID: id, Content: content}
		}

		used, err := e.backend.UsedMessageIDs(ctx, contextID, ids)
		if err != nil {
			return change{}, err
		}
		if len(used) > 0 {
			return change{}, ir.InvalidArgument(contextID, "message id %q was already used in this context", used[0])
		}

		return change{
			delta:  ir.Delta{Op: ir.OpInsert, Position: len(cur), Messages: batch},
			newIDs: ids,
		}, nil
	})
}

// Update merges changes into one or more messages as one version. Selectors
// resolve against the head before any change applies. metadata, when set,
// attaches to every altered message and to the version.
//
// Errors: INVALID_ARGUMENT for an empty batch, a malformed selector, two
// updates resolving to the same message, or changes the merge mode cannot
// apply; NOT_FOUND for an unknown id; OUT_OF_RANGE for an index outside the
// sequence.
func (e *Engine) Update(ctx context.Context, contextID string, updates []Update, metadata ir.IRObject) (State, error) {
	if len(updates) == 0 {
		return State{}, ir.InvalidArgument(contextID, "update needs at least one change")
	}
	for i, u := range updates {
		if err := u.Selector.Validate(); err != nil {
			return State{}, ir.InvalidArgument(contextID, "update %d: %v", i, err)
		}
		if u.Changes == nil {
			return State{}, ir.InvalidArgument(contextID, "update %d has no changes", i)
		}
	}

	if len(metadata) == 0 {
		metadata = nil
	}

	return e.mutate(ctx, ir.KindUpdate, contextID, func(ctx context.Context, cur []ir.Message) (change, error) {
		positions := make([]int, 0, len(updates))
		replaced := make([]ir.Message, 0, len(updates))
		claimed := make(map[int]ir.Selector, len(updates))

		for _, u := range updates {
			pos, err := resolveSelector(contextID, cur, u.Selector)
			if err != nil {
				return change{}, err
			}
			if prev, dup := claimed[pos]; dup {
				return change{}, ir.InvalidArgument(contextID, "%s and %s select the same message", prev, u.Selector)
			}
			claimed[pos] = u.Selector

			merged, err := ir.Merge(cur[pos].Content, u.Changes, e.mergeMode)
			if err != nil {
				return change{}, ir.InvalidArgument(contextID, "update %s: %v", u.Selector, err)
			}
			positions = append(positions, pos)
			replaced = append(replaced, ir.Message{
				ID:       cur[pos].ID,
				Content:  merged,
				Metadata: metadata.Clone(),
			})
		}

		return change{
			delta:    ir.Delta{Op: ir.OpReplace, Positions: positions, Messages: replaced},
			metadata: metadata,
		}, nil
	})
}

// Delete removes the selected messages as one version. Every selector
// resolves against the pre-deletion sequence, so deleting indices 0 and 1
// of [m0, m1, m2] leaves [m2]. Selectors resolving to the same message
// collapse into one removal.
//
// Errors: INVALID_ARGUMENT for an empty or malformed selector list;
// NOT_FOUND for an unknown id; OUT_OF_RANGE for an index outside the
// sequence.
func (e *Engine) Delete(ctx context.Context, contextID string, selectors []ir.Selector, metadata ir.IRObject) (State, error) {
	if len(selectors) == 0 {
		return State{}, ir.InvalidArgument(contextID, "delete needs at least one selector")
	}
	for i, s := range selectors {
		if err := s.Validate(); err != nil {
			return State{}, ir.InvalidArgument(contextID, "selector %d: %v", i, err)
		}
	}
	if len(metadata) == 0 {
		metadata = nil
	}

	return e.mutate(ctx, ir.KindDelete, contextID, func(ctx context.Context, cur []ir.Message) (change, error) {
		positions := make([]int, 0, len(selectors))
		for _, s := range selectors {
			pos, err := resolveSelector(contextID, cur, s)
			if err != nil {
				return change{}, err
			}
			positions = append(positions, pos)
		}
		slices.Sort(positions)

		return change{
			delta:    ir.Delta{Op: ir.OpRemove, Positions: slices.Compact(positions)},
			metadata: metadata,
		}, nil
	})
}

// Create makes a new context at version 1: empty, or a fork of the
// selected version of opts.From. A fork keeps the source's message ids.
//
// Errors: INVALID_ARGUMENT when Version and At are both set, or when
// Version, At or Index is set without From; NOT_FOUND for an unknown
// source context or version; OUT_OF_RANGE when At predates the source or
// Index falls outside the source sequence.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (State, error) {
	kind := ir.KindCreate
	if opts.From != "" {
		kind = ir.KindFork
	}

	ctx, done := e.tel.startMutation(ctx, kind, opts.From)
	st, err := e.create(ctx, kind, opts)
	done(err)
	return st, err
}

func (e *Engine) create(ctx context.Context, kind ir.MutationKind, opts CreateOptions) (State, error) {
	if opts.From == "" && (opts.Version != 0 || opts.At != nil || opts.Index != nil) {
		return State{}, ir.InvalidArgument("", "version, at and index require a source context")
	}
	if opts.Version != 0 && opts.At != nil {
		return State{}, ir.InvalidArgument(opts.From, "version and timestamp are mutually exclusive")
	}

	msgs := []ir.Message{}
	var lineage *ir.Lineage
	if opts.From != "" {
		v, err := e.index.VersionAt(ctx, opts.From, history.VersionSelector{Version: opts.Version, At: opts.At})
		if err != nil {
			return State{}, err
		}
		if msgs, err = e.mat.Sequence(ctx, opts.From, v); err != nil {
			return State{}, err
		}
		if opts.Index != nil {
			if msgs, err = prefix(opts.From, msgs, *opts.Index); err != nil {
				return State{}, err
			}
		}
		lineage = &ir.Lineage{ContextID: opts.From, Version: v}
	}

	digest, err := ir.SequenceDigest(msgs)
	if err != nil {
		return State{}, err
	}

	now := stamp(e.clock, time.Time{})
	c := ir.Context{
		ID:        e.ids.Generate(),
		CreatedAt: now,
		Metadata:  opts.Metadata.Clone(),
		Head:      1,
		Lineage:   lineage,
	}

	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	first := store.Commit{
		Version: ir.Version{
			ContextID:    c.ID,
			Number:       1,
			CreatedAt:    now,
			Kind:         kind,
			Delta:        ir.Delta{Op: ir.OpReset, Messages: msgs},
			MessageCount: len(msgs),
			CountDelta:   len(msgs),
			Digest:       digest,
		},
		NewIDs: ids,
	}
	if 1%e.snapshotInterval == 0 {
		first.Snapshot = msgs
	}

	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if err := e.backend.InsertContext(ctx, c, first); err != nil {
		return State{}, err
	}
	e.mat.Remember(c.ID, 1, msgs)

	e.logger.Info("context created",
		"context_id", c.ID,
		"kind", string(kind),
		"from", opts.From,
		"messages", len(msgs))
	return State{Context: c, Version: 1, Messages: ir.CloneMessages(msgs)}, nil
}

// mutate runs build against a working copy of the head under the context
// lock and commits the resulting delta as the next version.
func (e *Engine) mutate(
	ctx context.Context,
	kind ir.MutationKind,
	contextID string,
	build func(ctx context.Context, cur []ir.Message) (change, error),
) (State, error) {
	ctx, done := e.tel.startMutation(ctx, kind, contextID)
	st, err := e.mutateLocked(ctx, kind, contextID, build)
	done(err)
	return st, err
}

func (e *Engine) mutateLocked(
	ctx context.Context,
	kind ir.MutationKind,
	contextID string,
	build func(ctx context.Context, cur []ir.Message) (change, error),
) (State, error) {
	release, err := e.locks.acquire(ctx, contextID)
	if err != nil {
		return State{}, err
	}
	defer release()

	c, err := e.backend.GetContext(ctx, contextID)
	if err != nil {
		return State{}, err
	}
	heads, err := e.backend.Versions(ctx, contextID, c.Head, c.Head)
	if err != nil {
		return State{}, err
	}
	prev := heads[0]

	cur, err := e.mat.Sequence(ctx, contextID, c.Head)
	if err != nil {
		return State{}, err
	}

	ch, err := build(ctx, cur)
	if err != nil {
		return State{}, err
	}
	next, err := history.Apply(cur, ch.delta)
	if err != nil {
		return State{}, err
	}
	digest, err := ir.SequenceDigest(next)
	if err != nil {
		return State{}, err
	}

	number := c.Head + 1
	commit := store.Commit{
		Version: ir.Version{
			ContextID:    contextID,
			Number:       number,
			CreatedAt:    stamp(e.clock, prev.CreatedAt),
			Kind:         kind,
			Delta:        ch.delta,
			Metadata:     ch.metadata.Clone(),
			MessageCount: len(next),
			CountDelta:   len(next) - len(cur),
			Digest:       digest,
		},
		NewIDs: ch.newIDs,
	}
	if number%e.snapshotInterval == 0 {
		commit.Snapshot = next
	}

	// Last point a cancelled request can back out without effect.
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	if err := e.backend.CommitVersion(ctx, commit); err != nil {
		if ir.IsConflict(err) {
			e.logger.Error("version commit conflict",
				"context_id", contextID,
				"version", number,
				"kind", string(kind),
				"error", err)
		}
		return State{}, err
	}
	e.mat.Remember(contextID, number, next)

	e.logger.Debug("version committed",
		"context_id", contextID,
		"version", number,
		"kind", string(kind),
		"messages", len(next),
		"snapshot", commit.Snapshot != nil)

	c.Head = number
	return State{Context: c, Version: number, Messages: ir.CloneMessages(next)}, nil
}

// resolveSelector returns the position sel refers to in msgs.
func resolveSelector(contextID string, msgs []ir.Message, sel ir.Selector) (int, error) {
	if sel.Index != nil {
		pos, ok := ir.ResolveIndex(*sel.Index, len(msgs))
		if !ok {
			return 0, ir.OutOfRange(contextID, "index %d outside sequence of %d messages", *sel.Index, len(msgs))
		}
		return pos, nil
	}

	for i, m := range msgs {
		if m.ID == sel.ID {
			return i, nil
		}
	}
	return 0, ir.NotFound(contextID, "message %q not found", sel.ID)
}

// prefix keeps msgs[0..index] inclusive. Negative index counts from the end.
func prefix(contextID string, msgs []ir.Message, index int) ([]ir.Message, error) {
	pos, ok := ir.ResolveIndex(index, len(msgs))
	if !ok {
		return nil, ir.OutOfRange(contextID, "index %d outside sequence of %d messages", index, len(msgs))
	}
	return msgs[:pos+1], nil
}

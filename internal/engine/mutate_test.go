package engine

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/chronoctx/internal/ir"
)

func TestCreateEmpty(t *testing.T) {
	h := setupEngine(t)

	st, err := h.Create(context.Background(), CreateOptions{
		Metadata: ir.IRObject{"owner": ir.IRString("ops")},
	})
	require.NoError(t, err)

	assert.Equal(t, "id-0001", st.Context.ID)
	assert.Equal(t, int64(1), st.Version)
	assert.Equal(t, int64(1), st.Context.Head)
	assert.Equal(t, t0, st.Context.CreatedAt)
	assert.Nil(t, st.Context.Lineage)
	assert.Empty(t, st.Messages)
	assert.Equal(t, ir.IRString("ops"), st.Context.Metadata["owner"])

	hist, err := h.History(context.Background(), st.Context.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, ir.KindCreate, hist[0].Kind)
}

func TestCreateRejectsSelectorsWithoutSource(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	idx := 0
	at := t0

	for name, opts := range map[string]CreateOptions{
		"version": {Version: 1},
		"at":      {At: &at},
		"index":   {Index: &idx},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := h.Create(ctx, opts)
			assert.True(t, ir.IsInvalidArgument(err), "got %v", err)
		})
	}
}

func TestCreateRejectsVersionAndAt(t *testing.T) {
	h := setupEngine(t)
	id := seeded(t, h, "a")
	at := t0.Add(time.Hour)

	_, err := h.Create(context.Background(), CreateOptions{From: id, Version: 1, At: &at})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)
}

func TestAppendOneVersionPerBatch(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h)

	st, err := h.Append(ctx, id, []NewMessage{text("a", "one"), text("b", "two"), text("c", "three")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.Version)
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(st.Messages))
	assert.Equal(t, 2, st.Messages[2].Index)

	st, err = h.Append(ctx, id, []NewMessage{text("d", "four")})
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Version)

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, ir.KindAppend, hist[1].Kind)
	assert.Equal(t, 3, hist[1].CountDelta)
	assert.Equal(t, 4, hist[2].MessageCount)
}

func TestAppendGeneratesMissingIDs(t *testing.T) {
	h := setupEngine(t)
	id := seeded(t, h)

	st, err := h.Append(context.Background(), id, []NewMessage{
		{Content: ir.IRString("x")},
		{ID: "mine", Content: ir.IRString("y")},
		{},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"id-0002", "mine", "id-0003"}, msgIDs(st.Messages))
	assert.Equal(t, ir.IRNull{}, st.Messages[2].Content)
}

func TestAppendRejects(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a")

	_, err := h.Append(ctx, id, nil)
	assert.True(t, ir.IsInvalidArgument(err), "empty batch: %v", err)

	_, err = h.Append(ctx, id, []NewMessage{text("x", "1"), text("x", "2")})
	assert.True(t, ir.IsInvalidArgument(err), "duplicate in batch: %v", err)

	_, err = h.Append(ctx, id, []NewMessage{text("a", "again")})
	assert.True(t, ir.IsInvalidArgument(err), "used id: %v", err)

	_, err = h.Append(ctx, "missing", []NewMessage{text("z", "1")})
	assert.True(t, ir.IsNotFound(err), "unknown context: %v", err)

	// No rejected call produced a version
	c, err := h.backend.GetContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Head)
}

func TestMessageIDNeverReusedAfterDelete(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")

	_, err := h.Delete(ctx, id, []ir.Selector{ir.ByID("a")}, nil)
	require.NoError(t, err)

	_, err = h.Append(ctx, id, []NewMessage{text("a", "reborn")})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)
}

func TestUpdateMergeModes(t *testing.T) {
	base := ir.IRObject{
		"role": ir.IRString("user"),
		"meta": ir.IRObject{"lang": ir.IRString("en"), "tone": ir.IRString("dry")},
	}
	changes := ir.IRObject{"meta": ir.IRObject{"tone": ir.IRString("warm")}}

	tests := []struct {
		mode ir.MergeMode
		want ir.IRValue
	}{
		{ir.MergeShallow, ir.IRObject{
			"role": ir.IRString("user"),
			"meta": ir.IRObject{"tone": ir.IRString("warm")},
		}},
		{ir.MergeDeep, ir.IRObject{
			"role": ir.IRString("user"),
			"meta": ir.IRObject{"lang": ir.IRString("en"), "tone": ir.IRString("warm")},
		}},
		{ir.MergeReplace, ir.IRObject{
			"meta": ir.IRObject{"tone": ir.IRString("warm")},
		}},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			h := setupEngine(t, WithMergeMode(tt.mode))
			ctx := context.Background()
			created, err := h.Create(ctx, CreateOptions{})
			require.NoError(t, err)
			id := created.Context.ID
			_, err = h.Append(ctx, id, []NewMessage{{ID: "m", Content: base}})
			require.NoError(t, err)

			st, err := h.Update(ctx, id, []Update{{Selector: ir.ByID("m"), Changes: changes}}, nil)
			require.NoError(t, err)
			assert.True(t, ir.Equal(tt.want, st.Messages[0].Content), "got %#v", st.Messages[0].Content)

			// The previous version is untouched
			prev, err := h.Get(ctx, id, GetOptions{Version: 2})
			require.NoError(t, err)
			assert.True(t, ir.Equal(base, prev.Messages[0].Content))
		})
	}
}

func TestUpdateBatchAndMetadata(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b", "c")
	meta := ir.IRObject{"reason": ir.IRString("typo")}

	st, err := h.Update(ctx, id, []Update{
		{Selector: ir.ByIndex(-1), Changes: ir.IRObject{"text": ir.IRString("C")}},
		{Selector: ir.ByID("a"), Changes: ir.IRObject{"text": ir.IRString("A")}},
	}, meta)
	require.NoError(t, err)
	assert.Equal(t, int64(3), st.Version)

	want := []string{"A", "b", "C"}
	for i, m := range st.Messages {
		assert.Equal(t, ir.IRString(want[i]), m.Content.(ir.IRObject)["text"])
	}
	assert.True(t, ir.Equal(meta, st.Messages[0].Metadata))
	assert.Nil(t, st.Messages[1].Metadata)
	assert.True(t, ir.Equal(meta, st.Messages[2].Metadata))

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ir.KindUpdate, hist[2].Kind)
	assert.Equal(t, 0, hist[2].CountDelta)
	assert.True(t, ir.Equal(meta, hist[2].Metadata))
}

func TestUpdateRejects(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")
	_, err := h.Append(ctx, id, []NewMessage{{ID: "s", Content: ir.IRString("scalar")}})
	require.NoError(t, err)

	change := ir.IRObject{"text": ir.IRString("x")}
	tests := []struct {
		name    string
		updates []Update
		check   func(error) bool
	}{
		{"empty", nil, ir.IsInvalidArgument},
		{"malformed selector", []Update{{Changes: change}}, ir.IsInvalidArgument},
		{"no changes", []Update{{Selector: ir.ByID("a")}}, ir.IsInvalidArgument},
		{"same target twice", []Update{
			{Selector: ir.ByID("a"), Changes: change},
			{Selector: ir.ByIndex(0), Changes: change},
		}, ir.IsInvalidArgument},
		{"merge into scalar", []Update{{Selector: ir.ByID("s"), Changes: change}}, ir.IsInvalidArgument},
		{"unknown id", []Update{{Selector: ir.ByID("zz"), Changes: change}}, ir.IsNotFound},
		{"index out of range", []Update{{Selector: ir.ByIndex(3), Changes: change}}, ir.IsOutOfRange},
		{"negative out of range", []Update{{Selector: ir.ByIndex(-4), Changes: change}}, ir.IsOutOfRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Update(ctx, id, tt.updates, nil)
			assert.True(t, tt.check(err), "got %v", err)
		})
	}

	c, err := h.backend.GetContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), c.Head)
}

func TestUpdateReplaceModeAcceptsScalars(t *testing.T) {
	h := setupEngine(t, WithMergeMode(ir.MergeReplace))
	id := seeded(t, h, "a")

	st, err := h.Update(context.Background(), id, []Update{{Selector: ir.ByIndex(0), Changes: ir.IRInt(7)}}, nil)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), st.Messages[0].Content)
}

func TestDeleteResolvesAgainstPreDeletionSequence(t *testing.T) {
	h := setupEngine(t)
	id := seeded(t, h, "m0", "m1", "m2")

	st, err := h.Delete(context.Background(), id, []ir.Selector{ir.ByIndex(0), ir.ByIndex(1)}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, msgIDs(st.Messages))
	assert.Equal(t, 0, st.Messages[0].Index)
}

func TestDeleteMixedSelectorsCollapseDuplicates(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b", "c", "d")

	st, err := h.Delete(ctx, id, []ir.Selector{ir.ByID("b"), ir.ByIndex(1), ir.ByIndex(-1)},
		ir.IRObject{"by": ir.IRString("janitor")})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, msgIDs(st.Messages))

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	last := hist[len(hist)-1]
	assert.Equal(t, ir.KindDelete, last.Kind)
	assert.Equal(t, -2, last.CountDelta)
	assert.Equal(t, ir.IRString("janitor"), last.Metadata["by"])
}

func TestDeleteRejects(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")

	_, err := h.Delete(ctx, id, nil, nil)
	assert.True(t, ir.IsInvalidArgument(err), "empty: %v", err)

	_, err = h.Delete(ctx, id, []ir.Selector{ir.ByID("a"), ir.ByID("nope")}, nil)
	assert.True(t, ir.IsNotFound(err), "unknown id: %v", err)

	_, err = h.Delete(ctx, id, []ir.Selector{ir.ByIndex(2)}, nil)
	assert.True(t, ir.IsOutOfRange(err), "index: %v", err)

	// "a" survived the rejected batch
	st, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, msgIDs(st.Messages))
}

func TestForkFidelity(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	src := seeded(t, h, "a", "b", "c")

	_, err := h.Update(ctx, src, []Update{{Selector: ir.ByID("b"), Changes: ir.IRObject{"text": ir.IRString("B")}}}, nil)
	require.NoError(t, err)

	v2, err := h.Get(ctx, src, GetOptions{Version: 2})
	require.NoError(t, err)

	fork, err := h.Create(ctx, CreateOptions{From: src, Version: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), fork.Version)
	require.NotNil(t, fork.Context.Lineage)
	assert.Equal(t, ir.Lineage{ContextID: src, Version: 2}, *fork.Context.Lineage)

	if diff := cmp.Diff(v2.Messages, fork.Messages, cmp.Comparer(ir.Equal)); diff != "" {
		t.Errorf("fork differs from source version 2 (-src +fork):\n%s", diff)
	}

	hist, err := h.History(ctx, fork.Context.ID)
	require.NoError(t, err)
	assert.Equal(t, ir.KindFork, hist[0].Kind)
	assert.Equal(t, v2.Messages[0].ID, fork.Messages[0].ID)

	// Mutating the fork leaves the source alone
	_, err = h.Append(ctx, fork.Context.ID, []NewMessage{text("d", "d")})
	require.NoError(t, err)
	after, err := h.Get(ctx, src, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(after.Messages))

	// Forked ids count as used in the fork
	_, err = h.Append(ctx, fork.Context.ID, []NewMessage{text("a", "dup")})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)
}

func TestForkSelectors(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	src := seeded(t, h, "a", "b", "c") // v1 at t0, v2 at t0+1s

	last := -1
	first := 0
	beyond := 5
	beforeAppend := t0.Add(500 * time.Millisecond)
	tooEarly := t0.Add(-time.Second)

	tests := []struct {
		name string
		opts CreateOptions
		want []string
		from int64
	}{
		{"head", CreateOptions{From: src}, []string{"a", "b", "c"}, 2},
		{"version", CreateOptions{From: src, Version: 1}, []string{}, 1},
		{"at", CreateOptions{From: src, At: &beforeAppend}, []string{}, 1},
		{"index inclusive", CreateOptions{From: src, Index: &first}, []string{"a"}, 2},
		{"negative index", CreateOptions{From: src, Index: &last}, []string{"a", "b", "c"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := h.Create(ctx, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, msgIDs(st.Messages))
			assert.Equal(t, tt.from, st.Context.Lineage.Version)
		})
	}

	_, err := h.Create(ctx, CreateOptions{From: src, Index: &beyond})
	assert.True(t, ir.IsOutOfRange(err), "index: %v", err)

	_, err = h.Create(ctx, CreateOptions{From: src, At: &tooEarly})
	assert.True(t, ir.IsOutOfRange(err), "at: %v", err)

	_, err = h.Create(ctx, CreateOptions{From: src, Version: 9})
	assert.True(t, ir.IsNotFound(err), "version: %v", err)

	_, err = h.Create(ctx, CreateOptions{From: "missing"})
	assert.True(t, ir.IsNotFound(err), "source: %v", err)
}

func TestTimestampsNeverDecrease(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a") // v1 at t0, v2 at t0+1s

	h.clock.Set(t0.Add(-time.Hour))
	_, err := h.Append(ctx, id, []NewMessage{text("b", "b")})
	require.NoError(t, err)

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, hist[1].CreatedAt, hist[2].CreatedAt)
}

func TestCancelledMutationLeavesNoVersion(t *testing.T) {
	h := setupEngine(t)
	id := seeded(t, h, "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.Append(ctx, id, []NewMessage{text("b", "b")})
	require.ErrorIs(t, err, context.Canceled)

	c, err := h.backend.GetContext(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.Head)
}

func TestConcurrentAppendsSameContext(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h)
	const writers = 16

	var g errgroup.Group
	for i := 0; i < writers; i++ {
		g.Go(func() error {
			_, err := h.Append(ctx, id, []NewMessage{{Content: ir.IRInt(int64(i))}})
			return err
		})
	}
	require.NoError(t, g.Wait())

	st, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), st.Version)
	assert.Len(t, st.Messages, writers)

	// Every writer's message landed exactly once
	seen := make(map[ir.IRValue]bool)
	for _, m := range st.Messages {
		seen[m.Content] = true
	}
	assert.Len(t, seen, writers)

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	for i, info := range hist {
		assert.Equal(t, int64(i+1), info.Number)
	}
	assert.Zero(t, h.locks.size())
}

func TestConcurrentAppendsAcrossContexts(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	a := seeded(t, h)
	b := seeded(t, h)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		for _, id := range []string{a, b} {
			g.Go(func() error {
				_, err := h.Append(ctx, id, []NewMessage{{Content: ir.IRInt(int64(i))}})
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for _, id := range []string{a, b} {
		st, err := h.Get(ctx, id, GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, int64(9), st.Version)
	}
}

func TestSnapshotIntervalDoesNotChangeResults(t *testing.T) {
	run := func(interval int64) []ir.VersionInfo {
		h := setupEngine(t, WithSnapshotInterval(interval), WithCacheMaxCost(0))
		ctx := context.Background()
		id := seeded(t, h, "a", "b")
		for i := 0; i < 10; i++ {
			_, err := h.Append(ctx, id, []NewMessage{{Content: ir.IRInt(int64(i))}})
			require.NoError(t, err)
			if i%3 == 0 {
				_, err = h.Update(ctx, id, []Update{{Selector: ir.ByIndex(0), Changes: ir.IRObject{"n": ir.IRInt(int64(i))}}}, nil)
				require.NoError(t, err)
			}
			if i%4 == 0 {
				_, err = h.Delete(ctx, id, []ir.Selector{ir.ByIndex(-1)}, nil)
				require.NoError(t, err)
			}
		}

		mismatches, err := h.Verify(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, mismatches)

		hist, err := h.History(ctx, id)
		require.NoError(t, err)
		return hist
	}

	sparse := run(1000)
	dense := run(2)
	require.Equal(t, len(sparse), len(dense))
	for i := range sparse {
		assert.Equal(t, sparse[i].Digest, dense[i].Digest, "version %d", sparse[i].Number)
	}
}

func TestLockRegistryReleases(t *testing.T) {
	r := newLockRegistry()
	ctx := context.Background()

	release, err := r.acquire(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, r.size())

	// A second acquire waits until the deadline
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = r.acquire(short, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// Other contexts are independent
	releaseB, err := r.acquire(ctx, "b")
	require.NoError(t, err)
	releaseB()

	release()
	release() // idempotent
	assert.Zero(t, r.size())

	release, err = r.acquire(ctx, "a")
	require.NoError(t, err)
	release()
}

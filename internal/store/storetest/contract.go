// Package storetest holds the behavioral contract every store.Backend must
// satisfy. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
)

// Factory opens a fresh, empty backend. The factory owns cleanup.
type Factory func(t *testing.T) store.Backend

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the contract against backends produced by open.
func Run(t *testing.T, open Factory) {
	t.Run("InsertAndGetContext", func(t *testing.T) { testInsertAndGet(t, open(t)) })
	t.Run("GetUnknownContext", func(t *testing.T) { testGetUnknown(t, open(t)) })
	t.Run("CommitAdvancesHead", func(t *testing.T) { testCommitAdvancesHead(t, open(t)) })
	t.Run("CommitConflict", func(t *testing.T) { testCommitConflict(t, open(t)) })
	t.Run("CommitUnknownContext", func(t *testing.T) { testCommitUnknown(t, open(t)) })
	t.Run("VersionsRange", func(t *testing.T) { testVersionsRange(t, open(t)) })
	t.Run("NearestSnapshot", func(t *testing.T) { testNearestSnapshot(t, open(t)) })
	t.Run("History", func(t *testing.T) { testHistory(t, open(t)) })
	t.Run("UsedMessageIDs", func(t *testing.T) { testUsedMessageIDs(t, open(t)) })
	t.Run("VersionAt", func(t *testing.T) { testVersionAt(t, open(t)) })
	t.Run("ListContexts", func(t *testing.T) { testListContexts(t, open(t)) })
	t.Run("Lineage", func(t *testing.T) { testLineage(t, open(t)) })
}

func msg(id, text string) ir.Message {
	return ir.Message{ID: id, Content: ir.IRObject{"text": ir.IRString(text)}}
}

// firstCommit builds version 1 for a context holding msgs.
func firstCommit(id string, at time.Time, msgs ...ir.Message) store.Commit {
	kind := ir.KindCreate
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return store.Commit{
		Version: ir.Version{
			ContextID:    id,
			Number:       1,
			CreatedAt:    at,
			Kind:         kind,
			Delta:        ir.Delta{Op: ir.OpReset, Messages: msgs},
			MessageCount: len(msgs),
			CountDelta:   len(msgs),
			Digest:       ir.MustSequenceDigest(msgs),
		},
		NewIDs: ids,
	}
}

func appendCommit(id string, number int64, at time.Time, prevCount int, msgs ...ir.Message) store.Commit {
	ids := make([]string, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	return store.Commit{
		Version: ir.Version{
			ContextID:    id,
			Number:       number,
			CreatedAt:    at,
			Kind:         ir.KindAppend,
			Delta:        ir.Delta{Op: ir.OpInsert, Position: prevCount, Messages: msgs},
			MessageCount: prevCount + len(msgs),
			CountDelta:   len(msgs),
			Digest:       fmt.Sprintf("digest-%d", number),
		},
		NewIDs: ids,
	}
}

func newContext(t *testing.T, b store.Backend, id string, at time.Time, msgs ...ir.Message) {
	t.Helper()
	c := ir.Context{ID: id, CreatedAt: at, Head: 1}
	require.NoError(t, b.InsertContext(context.Background(), c, firstCommit(id, at, msgs...)))
}

func testInsertAndGet(t *testing.T, b store.Backend) {
	ctx := context.Background()
	c := ir.Context{
		ID:        "ctx-1",
		CreatedAt: base,
		Metadata:  ir.IRObject{"owner": ir.IRString("alice")},
		Head:      1,
	}
	require.NoError(t, b.InsertContext(ctx, c, firstCommit("ctx-1", base)))

	got, err := b.GetContext(ctx, "ctx-1")
	require.NoError(t, err)
	assert.Equal(t, "ctx-1", got.ID)
	assert.Equal(t, int64(1), got.Head)
	assert.True(t, got.CreatedAt.Equal(base))
	assert.True(t, ir.Equal(c.Metadata, got.Metadata))
	assert.Nil(t, got.Lineage)

	// A second insert with the same id must fail and leave the first intact.
	assert.Error(t, b.InsertContext(ctx, c, firstCommit("ctx-1", base)))
}

func testGetUnknown(t *testing.T, b store.Backend) {
	_, err := b.GetContext(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func testCommitAdvancesHead(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base, msg("a", "one"))

	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 2, base.Add(time.Second), 1, msg("b", "two"))))

	got, err := b.GetContext(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Head)
}

func testCommitConflict(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base)
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 2, base, 0, msg("a", "x"))))

	// A second writer that also observed head 1.
	err := b.CommitVersion(ctx, appendCommit("c", 2, base, 0, msg("b", "y")))
	require.Error(t, err)
	assert.True(t, ir.IsConflict(err), "got %v", err)

	// Skipping a number is a conflict as well.
	err = b.CommitVersion(ctx, appendCommit("c", 4, base, 1, msg("c", "z")))
	assert.True(t, ir.IsConflict(err), "got %v", err)

	// The losing writers left nothing behind.
	used, err := b.UsedMessageIDs(ctx, "c", []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, used)
}

func testCommitUnknown(t *testing.T, b store.Backend) {
	err := b.CommitVersion(context.Background(), appendCommit("nope", 2, base, 0, msg("a", "x")))
	require.Error(t, err)
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func testVersionsRange(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base, msg("a", "one"))
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 2, base, 1, msg("b", "two"))))
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 3, base, 2, msg("c", "three"))))

	versions, err := b.Versions(ctx, "c", 2, 3)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, int64(2), versions[0].Number)
	assert.Equal(t, int64(3), versions[1].Number)
	assert.Equal(t, ir.OpInsert, versions[1].Delta.Op)
	assert.Equal(t, 2, versions[1].Delta.Position)
	require.Len(t, versions[1].Delta.Messages, 1)
	assert.Equal(t, "c", versions[1].Delta.Messages[0].ID)
	assert.True(t, ir.Equal(ir.IRObject{"text": ir.IRString("three")}, versions[1].Delta.Messages[0].Content))

	all, err := b.Versions(ctx, "c", 1, 3)
	require.NoError(t, err)
	assert.Equal(t, ir.OpReset, all[0].Delta.Op)
	assert.Equal(t, ir.KindCreate, all[0].Kind)

	_, err = b.Versions(ctx, "c", 2, 9)
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func testNearestSnapshot(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base, msg("a", "one"))

	snap, err := b.NearestSnapshot(ctx, "c", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
	assert.Empty(t, snap.Messages)

	commit := appendCommit("c", 2, base, 1, msg("b", "two"))
	commit.Snapshot = []ir.Message{msg("a", "one"), msg("b", "two")}
	require.NoError(t, b.CommitVersion(ctx, commit))
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 3, base, 2, msg("c", "three"))))

	snap, err = b.NearestSnapshot(ctx, "c", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.Version)
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, "b", snap.Messages[1].ID)
	assert.Equal(t, 1, snap.Messages[1].Index)

	snap, err = b.NearestSnapshot(ctx, "c", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Version)
}

func testHistory(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base, msg("a", "one"))
	commit := appendCommit("c", 2, base.Add(time.Minute), 1, msg("b", "two"))
	commit.Version.Metadata = ir.IRObject{"reason": ir.IRString("reply")}
	require.NoError(t, b.CommitVersion(ctx, commit))

	infos, err := b.History(ctx, "c")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, int64(1), infos[0].Number)
	assert.Equal(t, ir.KindCreate, infos[0].Kind)
	assert.Equal(t, 1, infos[0].MessageCount)
	assert.Equal(t, ir.KindAppend, infos[1].Kind)
	assert.Equal(t, 1, infos[1].CountDelta)
	assert.Equal(t, 2, infos[1].MessageCount)
	assert.Equal(t, "digest-2", infos[1].Digest)
	assert.True(t, infos[1].CreatedAt.Equal(base.Add(time.Minute)))
	assert.True(t, ir.Equal(ir.IRObject{"reason": ir.IRString("reply")}, infos[1].Metadata))

	_, err = b.History(ctx, "missing")
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func testUsedMessageIDs(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base, msg("a", "one"), msg("b", "two"))
	newContext(t, b, "other", base, msg("z", "zed"))

	used, err := b.UsedMessageIDs(ctx, "c", []string{"z", "b", "q", "a"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, used)

	used, err = b.UsedMessageIDs(ctx, "c", nil)
	require.NoError(t, err)
	assert.Empty(t, used)
}

func testVersionAt(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "c", base)
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 2, base.Add(10*time.Second), 0, msg("a", "x"))))
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 3, base.Add(10*time.Second), 1, msg("b", "y"))))
	require.NoError(t, b.CommitVersion(ctx, appendCommit("c", 4, base.Add(20*time.Second), 2, msg("c", "z"))))

	tests := []struct {
		at   time.Time
		want int64
	}{
		{base, 1},
		{base.Add(5 * time.Second), 1},
		{base.Add(10 * time.Second), 3},
		{base.Add(15 * time.Second), 3},
		{base.Add(time.Hour), 4},
	}
	for _, tt := range tests {
		got, err := b.VersionAt(ctx, "c", tt.at)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "at %s", tt.at)
	}

	_, err := b.VersionAt(ctx, "c", base.Add(-time.Millisecond))
	assert.True(t, ir.IsOutOfRange(err), "got %v", err)

	_, err = b.VersionAt(ctx, "missing", base)
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func testListContexts(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "a", base)
	newContext(t, b, "b", base.Add(time.Second))
	newContext(t, b, "c", base.Add(time.Second))
	newContext(t, b, "d", base.Add(2*time.Second))

	page, err := b.ListContexts(ctx, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c", "b"}, contextIDs(page))

	cursor := store.CursorAfter(page[len(page)-1])
	page, err = b.ListContexts(ctx, &cursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, contextIDs(page))

	cursor = store.CursorAfter(page[0])
	page, err = b.ListContexts(ctx, &cursor, 3)
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.NotNil(t, page)

	// A cursor between two ids with the same timestamp resumes after it.
	cursor = store.Cursor{CreatedAt: base.Add(time.Second).UnixMilli(), ID: "bz"}
	page, err = b.ListContexts(ctx, &cursor, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, contextIDs(page))
}

func testLineage(t *testing.T, b store.Backend) {
	ctx := context.Background()
	newContext(t, b, "src", base, msg("a", "one"))

	fork := ir.Context{
		ID:        "fork",
		CreatedAt: base,
		Head:      1,
		Lineage:   &ir.Lineage{ContextID: "src", Version: 1},
	}
	first := firstCommit("fork", base, msg("a", "one"))
	first.Version.Kind = ir.KindFork
	require.NoError(t, b.InsertContext(ctx, fork, first))

	got, err := b.GetContext(ctx, "fork")
	require.NoError(t, err)
	require.NotNil(t, got.Lineage)
	assert.Equal(t, ir.Lineage{ContextID: "src", Version: 1}, *got.Lineage)

	// Message ids are scoped per context.
	used, err := b.UsedMessageIDs(ctx, "fork", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, used)
}

func contextIDs(cs []ir.Context) []string {
	ids := make([]string, len(cs))
	for i, c := range cs {
		ids[i] = c.ID
	}
	return ids
}

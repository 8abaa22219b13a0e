package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/chronoctx/internal/ir"
)

func TestGetRoundTripAndImmutability(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")

	st, err := h.Append(ctx, id, []NewMessage{text("c", "c")})
	require.NoError(t, err)

	got, err := h.Get(ctx, id, GetOptions{Version: st.Version})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, msgIDs(got.Messages))

	prev, err := h.Get(ctx, id, GetOptions{Version: st.Version - 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, msgIDs(prev.Messages))
	assert.Equal(t, st.Version, prev.Context.Head)

	head, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, st.Version, head.Version)
}

func TestGetReturnsIndependentCopies(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a")

	first, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	first.Messages[0].Content.(ir.IRObject)["text"] = ir.IRString("scribbled")

	again, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("a"), again.Messages[0].Content.(ir.IRObject)["text"])
}

func TestGetTimeTravel(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a") // v1 at t0, v2 at t0+1s
	_, err := h.Append(ctx, id, []NewMessage{text("b", "b")}) // v3 at t0+2s
	require.NoError(t, err)

	at := func(d time.Duration) *time.Time {
		ts := t0.Add(d)
		return &ts
	}

	tests := []struct {
		name string
		at   *time.Time
		want int64
	}{
		{"exactly v1", at(0), 1},
		{"between v1 and v2", at(500 * time.Millisecond), 1},
		{"exactly v2", at(time.Second), 2},
		{"between v2 and v3", at(1999 * time.Millisecond), 2},
		{"after head", at(time.Hour), 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := h.Get(ctx, id, GetOptions{At: tt.at})
			require.NoError(t, err)
			assert.Equal(t, tt.want, st.Version)
			assert.Len(t, st.Messages, int(tt.want-1))
		})
	}

	_, err = h.Get(ctx, id, GetOptions{At: at(-time.Millisecond)})
	assert.True(t, ir.IsOutOfRange(err), "got %v", err)
}

func TestGetIndexPrefix(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b", "c")

	tests := []struct {
		index int
		want  []string
	}{
		{0, []string{"a"}},
		{1, []string{"a", "b"}},
		{-1, []string{"a", "b", "c"}},
		{-3, []string{"a"}},
	}
	for _, tt := range tests {
		idx := tt.index
		st, err := h.Get(ctx, id, GetOptions{Index: &idx})
		require.NoError(t, err)
		assert.Equal(t, tt.want, msgIDs(st.Messages), "index %d", tt.index)
	}

	bad := 3
	_, err := h.Get(ctx, id, GetOptions{Index: &bad})
	assert.True(t, ir.IsOutOfRange(err), "got %v", err)

	// Index applies to the selected version
	one := 1
	_, err = h.Get(ctx, id, GetOptions{Version: 1, Index: &one})
	assert.True(t, ir.IsOutOfRange(err), "got %v", err)
}

func TestGetRejects(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a")
	now := t0

	_, err := h.Get(ctx, id, GetOptions{Version: 1, At: &now})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)

	_, err = h.Get(ctx, id, GetOptions{Version: 3})
	assert.True(t, ir.IsNotFound(err), "got %v", err)

	_, err = h.Get(ctx, "missing", GetOptions{})
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func TestListPagination(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := h.Create(ctx, CreateOptions{})
		require.NoError(t, err)
	}

	var got []string
	cursor := ""
	pages := 0
	for {
		page, err := h.List(ctx, ir.Page{Limit: 2, Cursor: cursor})
		require.NoError(t, err)
		pages++
		for _, c := range page.Contexts {
			got = append(got, c.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	assert.Equal(t, 3, pages)
	assert.Equal(t, []string{"id-0005", "id-0004", "id-0003", "id-0002", "id-0001"}, got)
}

func TestListLimits(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()

	empty, err := h.List(ctx, ir.Page{})
	require.NoError(t, err)
	assert.NotNil(t, empty.Contexts)
	assert.Empty(t, empty.NextCursor)

	for i := 0; i < DefaultListLimit+1; i++ {
		_, err := h.Create(ctx, CreateOptions{})
		require.NoError(t, err)
	}

	page, err := h.List(ctx, ir.Page{})
	require.NoError(t, err)
	assert.Len(t, page.Contexts, DefaultListLimit)
	assert.NotEmpty(t, page.NextCursor)

	page, err = h.List(ctx, ir.Page{Limit: MaxListLimit * 5})
	require.NoError(t, err)
	assert.Len(t, page.Contexts, DefaultListLimit+1)

	_, err = h.List(ctx, ir.Page{Limit: -1})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)

	_, err = h.List(ctx, ir.Page{Cursor: "%%%"})
	assert.True(t, ir.IsInvalidArgument(err), "got %v", err)
}

func TestHistory(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")
	_, err := h.Delete(ctx, id, []ir.Selector{ir.ByID("a")}, nil)
	require.NoError(t, err)

	hist, err := h.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, hist, 3)

	kinds := []ir.MutationKind{hist[0].Kind, hist[1].Kind, hist[2].Kind}
	assert.Equal(t, []ir.MutationKind{ir.KindCreate, ir.KindAppend, ir.KindDelete}, kinds)
	assert.Equal(t, []int{0, 2, -1}, []int{hist[0].CountDelta, hist[1].CountDelta, hist[2].CountDelta})
	assert.Equal(t, t0.Add(2*time.Second), hist[2].CreatedAt)

	head, err := h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)
	digest, err := ir.SequenceDigest(head.Messages)
	require.NoError(t, err)
	assert.Equal(t, digest, hist[2].Digest)

	_, err = h.History(ctx, "missing")
	assert.True(t, ir.IsNotFound(err), "got %v", err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	h := setupEngine(t)
	ctx := context.Background()
	id := seeded(t, h, "a", "b")

	mismatches, err := h.Verify(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	_, err = h.backend.DB().Exec(`UPDATE versions SET digest = 'bogus' WHERE context_id = ? AND version = 2`, id)
	require.NoError(t, err)

	mismatches, err = h.Verify(ctx, id)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, int64(2), mismatches[0].Version)
	assert.Equal(t, "digest", mismatches[0].Field)
}

func TestTelemetry(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	h := setupEngine(t,
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
	)
	ctx := context.Background()

	id := seeded(t, h, "a")
	_, err := h.Append(ctx, id, nil)
	require.Error(t, err)
	_, err = h.Get(ctx, id, GetOptions{})
	require.NoError(t, err)

	var names []string
	for _, s := range spans.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"engine.create", "engine.append", "engine.get"}, names)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	outcomes := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "chronoctx.mutations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				kind, _ := dp.Attributes.Value("kind")
				result, _ := dp.Attributes.Value("outcome")
				outcomes[kind.AsString()+"/"+result.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"create/ok": 1, "append/ok": 1}, outcomes)
}

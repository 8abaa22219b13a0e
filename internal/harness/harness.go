package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/chronoctx/internal/api"
	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
	"github.com/roach88/chronoctx/internal/store"
	"github.com/roach88/chronoctx/internal/testutil"
)

// ClockStart is the scenario clock's first reading. Every mutation advances
// the clock by ClockStep.
var (
	ClockStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	ClockStep  = time.Second
)

// Harness is the test execution engine.
// It runs scenarios with a deterministic clock and id generator.
type Harness struct {
	engine  *engine.Engine
	clock   *testutil.ManualClock
	ids     *testutil.SequentialIDs
	aliases map[string]string
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation.
// Execution flow:
//  1. Create fresh in-memory database and engine
//  2. Execute steps, checking each expect clause
//  3. Evaluate assertions against the final state
//  4. Return result with pass/fail, trace, and errors
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		clock:   testutil.NewManualClock(ClockStart, ClockStep),
		ids:     testutil.NewSequentialIDs("id"),
		aliases: make(map[string]string),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}

	opts := []engine.Option{
		engine.WithClock(h.clock),
		engine.WithIDGenerator(h.ids),
		engine.WithLogger(h.logger),
	}
	if scenario.Engine.MergeMode != "" {
		opts = append(opts, engine.WithMergeMode(ir.MergeMode(scenario.Engine.MergeMode)))
	}
	if scenario.Engine.SnapshotInterval > 0 {
		opts = append(opts, engine.WithSnapshotInterval(scenario.Engine.SnapshotInterval))
	}
	h.engine, err = engine.New(st, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	defer h.engine.Close()

	ctx := context.Background()
	result := NewResult()
	for i, step := range scenario.Steps {
		h.executeStep(ctx, i, step, result)
	}

	for alias, id := range h.aliases {
		result.Contexts[alias] = id
	}

	actx := &AssertionContext{Engine: h.engine, Ctx: ctx, Aliases: h.aliases}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}
	return result, nil
}

// executeStep runs one step, records its trace event and checks its expect
// clause.
func (h *Harness) executeStep(ctx context.Context, i int, step Step, result *Result) {
	event := TraceEvent{Op: step.Op, Context: step.Context}
	if step.Op == OpCreate {
		event.Context = step.As
	}

	err := h.apply(ctx, step, &event)
	if err != nil {
		event.Error = string(ir.CodeOf(err))
		if event.Error == "" {
			event.Error = err.Error()
		}
	}
	result.AddTrace(event)

	prefix := fmt.Sprintf("steps[%d] %s", i, step.Op)
	expect := step.Expect
	switch {
	case expect == nil || expect.Error == "":
		if err != nil {
			result.AddError(fmt.Sprintf("%s: unexpected error: %v", prefix, err))
			return
		}
	case err == nil:
		result.AddError(fmt.Sprintf("%s: expected %s, got success", prefix, expect.Error))
		return
	case event.Error != expect.Error:
		result.AddError(fmt.Sprintf("%s: expected %s, got %v", prefix, expect.Error, err))
		return
	default:
		return
	}

	if expect == nil {
		return
	}
	if expect.Version != 0 && expect.Version != event.Version {
		result.AddError(fmt.Sprintf("%s: expected version %d, got %d", prefix, expect.Version, event.Version))
	}
	if expect.IDs != nil && !slices.Equal(expect.IDs, event.IDs) {
		result.AddError(fmt.Sprintf("%s: expected ids %v, got %v", prefix, expect.IDs, event.IDs))
	}
}

// apply performs the step's operation and fills in the event.
func (h *Harness) apply(ctx context.Context, step Step, event *TraceEvent) error {
	if step.Op == OpCreate {
		return h.create(ctx, step, event)
	}

	id := h.aliases[step.Context]
	if id == "" {
		// An unbound alias addresses a context that does not exist.
		id = "unbound:" + step.Context
	}

	var st engine.State
	var err error
	switch step.Op {
	case OpAppend:
		var msgs []engine.NewMessage
		if msgs, err = decodeVia(step.Messages, api.DecodeAppend); err != nil {
			return err
		}
		st, err = h.engine.Append(ctx, id, msgs)

	case OpUpdate:
		var body []byte
		if body, err = json.Marshal(withMetadata("updates", step.Updates, step.Metadata)); err != nil {
			return err
		}
		var updates []engine.Update
		var metadata ir.IRObject
		if updates, metadata, err = api.DecodeUpdate(body); err != nil {
			return ir.InvalidArgument(id, "%v", err)
		}
		st, err = h.engine.Update(ctx, id, updates, metadata)

	case OpDelete:
		var body []byte
		if body, err = json.Marshal(withMetadata("ids", step.Select, step.Metadata)); err != nil {
			return err
		}
		var sels []ir.Selector
		var metadata ir.IRObject
		if sels, metadata, err = api.DecodeDelete(body); err != nil {
			return ir.InvalidArgument(id, "%v", err)
		}
		st, err = h.engine.Delete(ctx, id, sels, metadata)

	case OpGet:
		opts := engine.GetOptions{Version: step.Version, Index: step.At, At: h.before(step)}
		st, err = h.engine.Get(ctx, id, opts)

	case OpHistory:
		var versions []ir.VersionInfo
		if versions, err = h.engine.History(ctx, id); err != nil {
			return err
		}
		for _, v := range versions {
			event.History = append(event.History, fmt.Sprintf("v%d %s %+d", v.Number, v.Kind, v.CountDelta))
		}
		event.Version = int64(len(versions))
		return nil

	case OpVerify:
		mismatches, err := h.engine.Verify(ctx, id)
		if err != nil {
			return err
		}
		event.Mismatches = len(mismatches)
		if len(mismatches) > 0 {
			return fmt.Errorf("%d mismatches", len(mismatches))
		}
		return nil
	}
	if err != nil {
		return err
	}

	record(event, st)
	return nil
}

func (h *Harness) create(ctx context.Context, step Step, event *TraceEvent) error {
	opts := engine.CreateOptions{
		Version: step.Version,
		Index:   step.At,
		At:      h.before(step),
	}
	if step.From != "" {
		opts.From = h.aliases[step.From]
	}
	if step.Metadata != nil {
		md, err := ir.FromAny(step.Metadata)
		if err != nil {
			return ir.InvalidArgument("", "metadata: %v", err)
		}
		opts.Metadata = md.(ir.IRObject)
	}

	st, err := h.engine.Create(ctx, opts)
	if err != nil {
		return err
	}
	h.aliases[step.As] = st.Context.ID
	record(event, st)
	return nil
}

// before converts a step's clock offset into a timestamp.
func (h *Harness) before(step Step) *time.Time {
	if step.Before == "" {
		return nil
	}
	d, _ := time.ParseDuration(step.Before) // checked by validateScenario
	ts := ClockStart.Add(d)
	return &ts
}

// decodeVia runs YAML-decoded messages through the wire decoder so
// scenarios follow the same id extraction as HTTP clients.
func decodeVia[T any](v any, decode func([]byte) (T, error)) (T, error) {
	var zero T
	body, err := json.Marshal(v)
	if err != nil {
		return zero, err
	}
	out, err := decode(body)
	if err != nil {
		return zero, ir.InvalidArgument("", "%v", err)
	}
	return out, nil
}

func withMetadata(key string, v any, metadata map[string]any) map[string]any {
	body := map[string]any{key: v}
	if metadata != nil {
		body["metadata"] = metadata
	}
	return body
}

func record(event *TraceEvent, st engine.State) {
	event.Version = st.Version
	event.IDs = make([]string, len(st.Messages))
	for i, m := range st.Messages {
		event.IDs[i] = m.ID
	}
}

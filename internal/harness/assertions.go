package harness

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Context  string       // Alias under test
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s on %s\n", e.Type, e.Context)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s", event.Seq, event.Op, event.Context)
			if event.Error != "" {
				fmt.Fprintf(&buf, " -> %s", event.Error)
			} else if event.Version > 0 {
				fmt.Fprintf(&buf, " -> v%d %v", event.Version, event.IDs)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext provides engine access for evaluating assertions.
type AssertionContext struct {
	Engine  *engine.Engine
	Ctx     context.Context
	Aliases map[string]string // alias -> context id
}

func (a *AssertionContext) state(alias string, version int64) (engine.State, error) {
	return a.Engine.Get(a.Ctx, a.Aliases[alias], engine.GetOptions{Version: version})
}

// assertMessageIDs checks the exact message id sequence at a version.
func assertMessageIDs(actx *AssertionContext, assertion Assertion) error {
	st, err := actx.state(assertion.Context, assertion.Version)
	if err != nil {
		return err
	}
	ids := make([]string, len(st.Messages))
	for i, m := range st.Messages {
		ids[i] = m.ID
	}
	if !slices.Equal(ids, assertion.IDs) {
		return &AssertionError{
			Type:     AssertMessageIDs,
			Context:  assertion.Context,
			Expected: fmt.Sprintf("%v at %s", assertion.IDs, versionLabel(assertion.Version)),
			Actual:   fmt.Sprintf("%v", ids),
		}
	}
	return nil
}

// assertHead checks the context's current head version.
func assertHead(actx *AssertionContext, assertion Assertion) error {
	st, err := actx.state(assertion.Context, 0)
	if err != nil {
		return err
	}
	if st.Context.Head != assertion.Head {
		return &AssertionError{
			Type:     AssertHead,
			Context:  assertion.Context,
			Expected: fmt.Sprintf("head v%d", assertion.Head),
			Actual:   fmt.Sprintf("head v%d", st.Context.Head),
		}
	}
	return nil
}

// assertContent checks that a message's content contains the expected keys
// (subset semantics). Extra keys in the message are ignored.
func assertContent(actx *AssertionContext, assertion Assertion) error {
	st, err := actx.state(assertion.Context, assertion.Version)
	if err != nil {
		return err
	}

	var msg *ir.Message
	for i := range st.Messages {
		if st.Messages[i].ID == assertion.Message {
			msg = &st.Messages[i]
			break
		}
	}
	if msg == nil {
		return &AssertionError{
			Type:     AssertContent,
			Context:  assertion.Context,
			Expected: fmt.Sprintf("message %q at %s", assertion.Message, versionLabel(assertion.Version)),
			Actual:   "message not found",
		}
	}

	expected, err := ir.FromAny(assertion.Content)
	if err != nil {
		return fmt.Errorf("content assertion on %s: %w", assertion.Context, err)
	}
	actual, ok := msg.Content.(ir.IRObject)
	if !ok {
		return &AssertionError{
			Type:     AssertContent,
			Context:  assertion.Context,
			Expected: fmt.Sprintf("message %q with object content", assertion.Message),
			Actual:   fmt.Sprintf("content %s", describe(msg.Content)),
		}
	}

	obj := expected.(ir.IRObject)
	keys := obj.SortedKeys()
	for _, key := range keys {
		got, exists := actual[key]
		if !exists || !ir.Equal(got, obj[key]) {
			actualDesc := "missing"
			if exists {
				actualDesc = describe(got)
			}
			return &AssertionError{
				Type:     AssertContent,
				Context:  assertion.Context,
				Expected: fmt.Sprintf("%s.%s = %s", assertion.Message, key, describe(obj[key])),
				Actual:   fmt.Sprintf("%s.%s = %s", assertion.Message, key, actualDesc),
			}
		}
	}
	return nil
}

// assertLineage checks a fork's recorded origin.
func assertLineage(actx *AssertionContext, assertion Assertion) error {
	st, err := actx.state(assertion.Context, 0)
	if err != nil {
		return err
	}

	want := fmt.Sprintf("%s@v%d", actx.Aliases[assertion.Source], assertion.SourceVersion)
	got := "none"
	if l := st.Context.Lineage; l != nil {
		got = fmt.Sprintf("%s@v%d", l.ContextID, l.Version)
	}
	if got != want {
		return &AssertionError{
			Type:     AssertLineage,
			Context:  assertion.Context,
			Expected: fmt.Sprintf("lineage %s (%s)", want, assertion.Source),
			Actual:   fmt.Sprintf("lineage %s", got),
		}
	}
	return nil
}

// assertVerified replays the context's history and checks every recorded
// digest and count.
func assertVerified(actx *AssertionContext, assertion Assertion) error {
	mismatches, err := actx.Engine.Verify(actx.Ctx, actx.Aliases[assertion.Context])
	if err != nil {
		return err
	}
	if len(mismatches) > 0 {
		parts := make([]string, len(mismatches))
		for i, m := range mismatches {
			parts[i] = fmt.Sprintf("v%d %s", m.Version, m.Field)
		}
		return &AssertionError{
			Type:     AssertVerified,
			Context:  assertion.Context,
			Expected: "no mismatches",
			Actual:   strings.Join(parts, ", "),
		}
	}
	return nil
}

func versionLabel(v int64) string {
	if v == 0 {
		return "head"
	}
	return fmt.Sprintf("v%d", v)
}

func describe(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertMessageIDs:
			err = assertMessageIDs(actx, assertion)
		case AssertHead:
			err = assertHead(actx, assertion)
		case AssertContent:
			err = assertContent(actx, assertion)
		case AssertLineage:
			err = assertLineage(actx, assertion)
		case AssertVerified:
			err = assertVerified(actx, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if ae, ok := err.(*AssertionError); ok {
			ae.Trace = result.Trace
		}
		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

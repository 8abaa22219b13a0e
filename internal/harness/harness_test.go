package harness

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScenarioGoldens(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		scenario, err := LoadScenario(path)
		require.NoError(t, err, path)

		t.Run(scenario.Name, func(t *testing.T) {
			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors:\n%s", strings.Join(result.Errors, "\n"))
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/basic_lifecycle.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	assert.Equal(t, first.Trace, second.Trace)
	assert.Equal(t, first.Contexts, second.Contexts)
}

func TestRunReportsExpectMismatches(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: mismatches
description: "Every expect clause here is wrong"
steps:
  - op: create
    as: main
    expect:
      version: 2
  - op: append
    context: main
    messages:
      - { id: m1 }
    expect:
      ids: [other]
  - op: get
    context: main
    version: 7
  - op: get
    context: main
    expect:
      error: NOT_FOUND
  - op: get
    context: main
    version: 8
    expect:
      error: OUT_OF_RANGE
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)
	assert.Contains(t, result.Errors[0], "steps[0] create: expected version 2, got 1")
	assert.Contains(t, result.Errors[1], "expected ids [other], got [m1]")
	assert.Contains(t, result.Errors[2], "steps[2] get: unexpected error")
	assert.Contains(t, result.Errors[3], "expected NOT_FOUND, got success")
	assert.Contains(t, result.Errors[4], "expected OUT_OF_RANGE, got NOT_FOUND")

	require.Len(t, result.Trace, 5)
	assert.Equal(t, "NOT_FOUND", result.Trace[2].Error)
	assert.Equal(t, int64(5), result.Trace[4].Seq)
}

func TestRunReportsFailedAssertions(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: failing_assertions
description: "Assertions that do not hold"
steps:
  - op: create
    as: main
  - op: append
    context: main
    messages:
      - { id: m1, text: hi }
  - op: create
    as: plain
assertions:
  - type: message_ids
    context: main
    ids: []
  - type: head
    context: main
    head: 3
  - type: content
    context: main
    message: m1
    content: { text: bye }
  - type: content
    context: main
    message: m9
    content: { text: hi }
  - type: lineage
    context: plain
    source: main
    source_version: 1
  - type: verified
    context: main
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 5)

	assert.Contains(t, result.Errors[0], "Assertion failed: message_ids on main")
	assert.Contains(t, result.Errors[0], "Actual: [m1]")
	assert.Contains(t, result.Errors[1], "Expected: head v3")
	assert.Contains(t, result.Errors[2], `Expected: m1.text = "bye"`)
	assert.Contains(t, result.Errors[2], `Actual: m1.text = "hi"`)
	assert.Contains(t, result.Errors[3], "message not found")
	assert.Contains(t, result.Errors[4], "Actual: lineage none")

	// Failures carry the trace for context.
	assert.Contains(t, result.Errors[0], "[2] append main -> v2 [m1]")
}

func TestParseScenarioValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", `
description: d
steps: [{op: create, as: a}]`, "name is required"},
		{"missing description", `
name: n
steps: [{op: create, as: a}]`, "description is required"},
		{"no steps", `
name: n
description: d`, "steps list is required"},
		{"unknown field", `
name: n
description: d
step: []`, "failed to parse YAML"},
		{"bad merge mode", `
name: n
description: d
engine: {merge_mode: sideways}
steps: [{op: create, as: a}]`, "merge_mode"},
		{"create without alias", `
name: n
description: d
steps: [{op: create}]`, "as is required"},
		{"fork of unknown alias", `
name: n
description: d
steps: [{op: create, as: a, from: b}]`, `from "b" is not a known context`},
		{"unknown op", `
name: n
description: d
steps: [{op: rename, context: a}]`, `unknown op "rename"`},
		{"missing op", `
name: n
description: d
steps: [{context: a}]`, "op is required"},
		{"unbound context", `
name: n
description: d
steps: [{op: get, context: a}]`, `context "a" is not a known context`},
		{"bad before", `
name: n
description: d
steps: [{op: create, as: a}, {op: get, context: a, before: soon}]`, "is not a duration"},
		{"assertion on unbound alias", `
name: n
description: d
steps: [{op: create, as: a}]
assertions: [{type: head, context: b, head: 1}]`, `assertions[0]: context "b"`},
		{"message_ids without ids", `
name: n
description: d
steps: [{op: create, as: a}]
assertions: [{type: message_ids, context: a}]`, "ids is required"},
		{"unknown assertion", `
name: n
description: d
steps: [{op: create, as: a}]
assertions: [{type: vibes, context: a}]`, `unknown assertion type "vibes"`},
		{"lineage without source", `
name: n
description: d
steps: [{op: create, as: a}]
assertions: [{type: lineage, context: a}]`, "source and source_version are required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseScenarioAllowsExpectedFailureOnUnboundAlias(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: ghost
description: "Reading a context that was never created"
steps:
  - op: history
    context: ghost
    expect:
      error: NOT_FOUND
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Empty(t, result.Contexts)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

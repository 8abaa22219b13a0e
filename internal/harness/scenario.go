package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chronoctx/internal/ir"
)

// Scenario is a scripted sequence of store operations with expectations.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Engine overrides engine settings for this scenario.
	Engine EngineSettings `yaml:"engine,omitempty"`

	// Steps run in order against a fresh store.
	Steps []Step `yaml:"steps"`

	// Assertions check the final state after all steps ran.
	Assertions []Assertion `yaml:"assertions"`
}

// EngineSettings tunes the engine a scenario runs against. Zero values keep
// the engine defaults.
type EngineSettings struct {
	MergeMode        string `yaml:"merge_mode,omitempty"`
	SnapshotInterval int64  `yaml:"snapshot_interval,omitempty"`
}

// Step is one store operation. Contexts are named by alias: create binds
// the new context's id to As, and later steps refer to it by that alias.
type Step struct {
	// Op is one of create, append, update, delete, get, history, verify.
	Op string `yaml:"op"`

	// As names the context a create step makes.
	As string `yaml:"as,omitempty"`

	// Context is the alias the step operates on.
	Context string `yaml:"context,omitempty"`

	// From is the alias a create step forks.
	From string `yaml:"from,omitempty"`

	// Version, At and Before select a version and prefix for create and get.
	// Before is an offset from the scenario clock's start, e.g. "2500ms".
	Version int64  `yaml:"version,omitempty"`
	At      *int   `yaml:"at,omitempty"`
	Before  string `yaml:"before,omitempty"`

	// Metadata is attached to the context (create) or version (update, delete).
	Metadata map[string]any `yaml:"metadata,omitempty"`

	// Messages are appended; a string "id" key names a message.
	Messages []map[string]any `yaml:"messages,omitempty"`

	// Updates each select a message by "id" or "index".
	Updates []map[string]any `yaml:"updates,omitempty"`

	// Select lists message ids (strings) and indexes (integers) to delete.
	Select []any `yaml:"select,omitempty"`

	// Expect checks the step's outcome. Without it the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect is a step's expected outcome.
type Expect struct {
	// Error is the expected error code (NOT_FOUND, OUT_OF_RANGE, ...).
	Error string `yaml:"error,omitempty"`

	// Version is the expected resulting version number.
	Version int64 `yaml:"version,omitempty"`

	// IDs is the expected message id sequence.
	IDs []string `yaml:"ids,omitempty"`
}

// Assertion checks the final state of one context.
type Assertion struct {
	// Type is one of message_ids, head, content, lineage, verified.
	Type string `yaml:"type"`

	// Context is the alias under test.
	Context string `yaml:"context"`

	// Version selects a version for message_ids and content (0 = head).
	Version int64 `yaml:"version,omitempty"`

	// IDs is the exact message id sequence (message_ids).
	IDs []string `yaml:"ids,omitempty"`

	// Head is the expected head version (head).
	Head int64 `yaml:"head,omitempty"`

	// Message and Content check a subset of one message's content (content).
	Message string         `yaml:"message,omitempty"`
	Content map[string]any `yaml:"content,omitempty"`

	// Source and SourceVersion are the expected fork origin (lineage).
	Source        string `yaml:"source,omitempty"`
	SourceVersion int64  `yaml:"source_version,omitempty"`
}

// Step operations.
const (
	OpCreate  = "create"
	OpAppend  = "append"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpGet     = "get"
	OpHistory = "history"
	OpVerify  = "verify"
)

// Assertion types.
const (
	AssertMessageIDs = "message_ids"
	AssertHead       = "head"
	AssertContent    = "content"
	AssertLineage    = "lineage"
	AssertVerified   = "verified"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and aliases are
// bound before use.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if s.Engine.MergeMode != "" && !ir.ValidMergeModes[ir.MergeMode(s.Engine.MergeMode)] {
		return fmt.Errorf("engine.merge_mode %q is not valid", s.Engine.MergeMode)
	}
	if s.Engine.SnapshotInterval < 0 {
		return fmt.Errorf("engine.snapshot_interval must be positive")
	}

	bound := make(map[string]bool)
	for i, step := range s.Steps {
		if err := validateStep(i, step, bound); err != nil {
			return err
		}
		if step.Op == OpCreate && step.As != "" {
			bound[step.As] = true
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, bound); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(i int, step Step, bound map[string]bool) error {
	if step.Before != "" {
		if _, err := time.ParseDuration(step.Before); err != nil {
			return fmt.Errorf("steps[%d]: before %q is not a duration", i, step.Before)
		}
	}

	switch step.Op {
	case OpCreate:
		if step.As == "" {
			return fmt.Errorf("steps[%d]: as is required for create", i)
		}
		if step.From != "" && !bound[step.From] {
			return fmt.Errorf("steps[%d]: from %q is not a known context", i, step.From)
		}
		return nil
	case OpAppend, OpUpdate, OpDelete, OpGet, OpHistory, OpVerify:
	case "":
		return fmt.Errorf("steps[%d]: op is required", i)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", i, step.Op)
	}

	// Unbound aliases are allowed only when the step expects the failure.
	if step.Context == "" {
		return fmt.Errorf("steps[%d]: context is required for %s", i, step.Op)
	}
	if !bound[step.Context] && (step.Expect == nil || step.Expect.Error == "") {
		return fmt.Errorf("steps[%d]: context %q is not a known context", i, step.Context)
	}
	return nil
}

func validateAssertion(i int, a Assertion, bound map[string]bool) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", i)
	}
	if !bound[a.Context] {
		return fmt.Errorf("assertions[%d]: context %q is not a known context", i, a.Context)
	}

	switch a.Type {
	case AssertMessageIDs:
		if a.IDs == nil {
			return fmt.Errorf("assertions[%d]: ids is required for message_ids (use [] for none)", i)
		}
	case AssertHead:
		if a.Head < 1 {
			return fmt.Errorf("assertions[%d]: head is required for head", i)
		}
	case AssertContent:
		if a.Message == "" || len(a.Content) == 0 {
			return fmt.Errorf("assertions[%d]: message and content are required for content", i)
		}
	case AssertLineage:
		if !bound[a.Source] || a.SourceVersion < 1 {
			return fmt.Errorf("assertions[%d]: source and source_version are required for lineage", i)
		}
	case AssertVerified:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", i, a.Type)
	}
	return nil
}

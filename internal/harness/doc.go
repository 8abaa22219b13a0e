// Package harness runs scripted context-store scenarios as executable
// contract tests.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: fork_then_diverge
//	description: "A fork keeps its source's prefix and diverges independently"
//	engine:
//	  merge_mode: deep
//	  snapshot_interval: 4
//	steps:
//	  - op: create
//	    as: main
//	  - op: append
//	    context: main
//	    messages:
//	      - { id: m1, text: hello }
//	    expect:
//	      version: 2
//	      ids: [m1]
//	  - op: create
//	    as: branch
//	    from: main
//	    version: 2
//	  - op: get
//	    context: ghost
//	    expect:
//	      error: NOT_FOUND
//	assertions:
//	  - type: message_ids
//	    context: branch
//	    ids: [m1]
//	  - type: lineage
//	    context: branch
//	    source: main
//	    source_version: 2
//
// Contexts are named by alias. A create step binds the generated id to its
// "as" alias and later steps refer to the alias. A step without an expect
// clause must succeed.
//
// # Assertion Types
//
//   - message_ids: the exact message id sequence at a version (head by default)
//   - head: the context's current head version
//   - content: a subset of one message's content keys
//   - lineage: the fork origin of a context
//   - verified: a full history replay finds no digest or count mismatches
//
// # Deterministic Testing
//
// Every scenario runs against a fresh in-memory SQLite store with a manual
// clock starting at ClockStart and advancing ClockStep per reading, and
// sequential ids ("id-0001", ...). The "before" field of create and get
// steps is an offset from ClockStart, so time-travel reads are reproducible
// and traces can be compared against golden files.
package harness

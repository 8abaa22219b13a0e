// Package ir provides the canonical record types for chronoctx.
//
// This package contains value and record definitions only. All other internal
// packages import ir; ir imports nothing internal. This keeps ir the
// foundational layer with no circular dependencies.
//
// Contents:
//   - IRValue: sealed tagged JSON tree used for message payloads and metadata
//   - Canonical JSON (RFC 8785) and content digests over it
//   - Context, Message, Version, Delta and Selector records
//   - Error taxonomy shared by the store, engine and transports
//
// Key design constraints:
//   - Payloads are schema-free; only merge validates their shape
//   - All JSON tags use snake_case
//   - Timestamps carry millisecond resolution and are stored as unix ms
package ir

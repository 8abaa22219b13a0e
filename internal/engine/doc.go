// Package engine implements the chronoctx mutation engine and resolver.
//
// Every mutation follows the same path:
//
//  1. Acquire the per-context lock (mutations on one context are serialized)
//  2. Materialize the head sequence into a working copy
//  3. Validate and apply the change to the copy
//  4. Commit exactly one new version; the head advance is conditional
//     on the head observed in step 2
//  5. Seed the materialization cache with the committed sequence
//
// Nothing is written before step 4, so a rejected or cancelled mutation
// leaves no trace. Reads never take the lock; a version becomes visible
// when its commit transaction does.
//
// Timestamps come from a Clock with millisecond resolution and never
// decrease within a context: if the wall clock steps backwards the
// previous version's timestamp is reused.
package engine

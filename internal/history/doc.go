// Package history rebuilds context sequences from the version log.
//
// A version stores only its delta. To read version V, the Materializer loads
// the nearest snapshot at or before V and replays the deltas after it.
// Materialized sequences are cached and concurrent misses for the same
// version share one rebuild.
//
// Sequences held by the cache are never mutated; every caller receives its
// own deep copy.
package history

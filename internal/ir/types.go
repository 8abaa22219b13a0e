package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationKind names the operation that produced a version.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindFork   MutationKind = "fork"
	KindAppend MutationKind = "append"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// ValidKinds defines allowed mutation kinds.
var ValidKinds = map[MutationKind]bool{
	KindCreate: true,
	KindFork:   true,
	KindAppend: true,
	KindUpdate: true,
	KindDelete: true,
}

// Message is one schema-free JSON record within a context.
type Message struct {
	ID       string   `json:"id"`
	Index    int      `json:"index"`              // Position in the materialized sequence, derived on read
	Content  IRValue  `json:"content"`            // Any JSON value
	Metadata IRObject `json:"metadata,omitempty"` // Attached by the last update of this message
}

// UnmarshalJSON decodes Content into the sealed IRValue tree.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID       string          `json:"id"`
		Index    int             `json:"index"`
		Content  json.RawMessage `json:"content"`
		Metadata IRObject        `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.ID = raw.ID
	m.Index = raw.Index
	m.Metadata = raw.Metadata
	m.Content = IRNull{}
	if len(raw.Content) > 0 {
		v, err := unmarshalIRValue(raw.Content)
		if err != nil {
			return fmt.Errorf("message %q content: %w", raw.ID, err)
		}
		m.Content = v
	}
	return nil
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	return Message{
		ID:       m.ID,
		Index:    m.Index,
		Content:  Clone(m.Content),
		Metadata: m.Metadata.Clone(),
	}
}

// CloneMessages deep-copies a sequence and renumbers Index to match positions.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
		out[i].Index = i
	}
	return out
}

// Lineage records where a forked context came from.
type Lineage struct {
	ContextID string `json:"context_id"`
	Version   int64  `json:"version"`
}

// Context is a logical, independently addressable versioned document.
type Context struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Metadata  IRObject  `json:"metadata,omitempty"`
	Head      int64     `json:"version"` // Current head version number
	Lineage   *Lineage  `json:"lineage,omitempty"`
}

// DeltaOp is the structural change a version applies to its predecessor.
type DeltaOp string

const (
	// OpReset replaces the whole sequence (version 1 of created and forked contexts).
	OpReset DeltaOp = "reset"
	// OpInsert inserts Messages starting at Position.
	OpInsert DeltaOp = "insert"
	// OpReplace replaces the messages at Positions with Messages, pairwise.
	OpReplace DeltaOp = "replace"
	// OpRemove removes the messages at Positions (ascending, unique).
	OpRemove DeltaOp = "remove"
)

// Delta describes the one structural change a version makes.
// Storage cost is proportional to the delta, not the sequence.
type Delta struct {
	Op        DeltaOp   `json:"op"`
	Position  int       `json:"position,omitempty"`
	Positions []int     `json:"positions,omitempty"`
	Messages  []Message `json:"messages,omitempty"`
}

// Version is an immutable, numbered snapshot of a context's sequence,
// stored as a delta against its predecessor.
type Version struct {
	ContextID    string       `json:"context_id"`
	Number       int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	Kind         MutationKind `json:"kind"`
	Delta        Delta        `json:"delta"`
	Metadata     IRObject     `json:"metadata,omitempty"`
	MessageCount int          `json:"message_count"` // Sequence length after this version
	CountDelta   int          `json:"count_delta"`   // MessageCount minus predecessor's
	Digest       string       `json:"digest"`        // SequenceDigest of the full sequence
}

// Info strips the payload-bearing delta.
func (v Version) Info() VersionInfo {
	return VersionInfo{
		Number:       v.Number,
		CreatedAt:    v.CreatedAt,
		Kind:         v.Kind,
		Metadata:     v.Metadata,
		MessageCount: v.MessageCount,
		CountDelta:   v.CountDelta,
		Digest:       v.Digest,
	}
}

// VersionInfo is the payload-free header of a version, returned by history queries.
type VersionInfo struct {
	Number       int64        `json:"version"`
	CreatedAt    time.Time    `json:"created_at"`
	Kind         MutationKind `json:"kind"`
	Metadata     IRObject     `json:"metadata,omitempty"`
	MessageCount int          `json:"message_count"`
	CountDelta   int          `json:"count_delta"`
	Digest       string       `json:"digest"`
}

// Page requests one page of the context listing.
type Page struct {
	Limit  int
	Cursor string // Opaque; empty for the first page
}

// ContextPage is one page of contexts, newest first.
type ContextPage struct {
	Contexts   []Context `json:"data"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// UnixMilli converts a unix millisecond timestamp to UTC time.
func UnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// TruncateMilli drops sub-millisecond precision and the monotonic reading,
// so timestamps survive a store round-trip unchanged.
func TruncateMilli(t time.Time) time.Time {
	return UnixMilli(t.UnixMilli())
}

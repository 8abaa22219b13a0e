package store

import (
	"encoding/base64"
	"strconv"
	"strings"

	"github.com/roach88/chronoctx/internal/ir"
)

// Cursor is a position in the context listing: the last context returned.
type Cursor struct {
	CreatedAt int64 // unix ms
	ID        string
}

// CursorAfter returns the cursor positioned after c.
func CursorAfter(c ir.Context) Cursor {
	return Cursor{CreatedAt: c.CreatedAt.UnixMilli(), ID: c.ID}
}

// Encode renders the cursor as an opaque URL-safe token.
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.CreatedAt, 10) + ":" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Follows reports whether a context at (createdAt, id) comes after the cursor
// in newest-first order.
func (c Cursor) Follows(createdAt int64, id string) bool {
	if createdAt != c.CreatedAt {
		return createdAt < c.CreatedAt
	}
	return id < c.ID
}

// DecodeCursor parses a token produced by Cursor.Encode.
func DecodeCursor(token string) (Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, ir.InvalidArgument("", "malformed cursor")
	}
	ms, id, ok := strings.Cut(string(raw), ":")
	if !ok || id == "" {
		return Cursor{}, ir.InvalidArgument("", "malformed cursor")
	}
	createdAt, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return Cursor{}, ir.InvalidArgument("", "malformed cursor")
	}
	return Cursor{CreatedAt: createdAt, ID: id}, nil
}

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronoctx/internal/ir"
)

func TestEncodeObjectNil(t *testing.T) {
	s, err := EncodeObject(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", s)

	obj, err := DecodeObject(s)
	require.NoError(t, err)
	assert.Nil(t, obj)
}

func TestEncodeObjectCanonical(t *testing.T) {
	s, err := EncodeObject(ir.IRObject{"b": ir.IRInt(1), "a": ir.IRString("<x>")})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<x>","b":1}`, s)
}

func TestEncodeMessagesDropsIndex(t *testing.T) {
	msgs := []ir.Message{
		{ID: "a", Index: 4, Content: ir.IRString("hi")},
		{ID: "b", Index: 5, Content: ir.IRObject{"k": ir.IRNull{}}, Metadata: ir.IRObject{"r": ir.IRBool(true)}},
	}

	s, err := EncodeMessages(msgs)
	require.NoError(t, err)
	assert.Equal(t, `[{"content":"hi","id":"a"},{"content":{"k":null},"id":"b","metadata":{"r":true}}]`, s)

	back, err := DecodeMessages(s)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, 0, back[0].Index)
	assert.Equal(t, 1, back[1].Index)
	assert.True(t, ir.Equal(msgs[1].Content, back[1].Content))
	assert.True(t, ir.Equal(msgs[1].Metadata, back[1].Metadata))
}

func TestDeltaRoundTrip(t *testing.T) {
	tests := []ir.Delta{
		{Op: ir.OpReset, Messages: []ir.Message{{ID: "a", Content: ir.IRInt(1)}}},
		{Op: ir.OpInsert, Position: 3, Messages: []ir.Message{{ID: "d", Content: ir.IRFloat(2.5)}}},
		{Op: ir.OpReplace, Positions: []int{0, 2}, Messages: []ir.Message{
			{ID: "a", Content: ir.IRString("x")},
			{ID: "c", Content: ir.IRString("y")},
		}},
		{Op: ir.OpRemove, Positions: []int{1, 4}},
	}

	for _, d := range tests {
		t.Run(string(d.Op), func(t *testing.T) {
			s, err := EncodeDelta(d)
			require.NoError(t, err)

			back, err := DecodeDelta(s)
			require.NoError(t, err)
			assert.Equal(t, d.Op, back.Op)
			assert.Equal(t, d.Position, back.Position)
			assert.Equal(t, d.Positions, back.Positions)
			require.Len(t, back.Messages, len(d.Messages))
			for i := range d.Messages {
				assert.Equal(t, d.Messages[i].ID, back.Messages[i].ID)
				assert.True(t, ir.Equal(d.Messages[i].Content, back.Messages[i].Content))
			}
		})
	}
}

func TestEncodeDeltaUnknownOp(t *testing.T) {
	_, err := EncodeDelta(ir.Delta{Op: "shuffle"})
	assert.Error(t, err)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: 1700000000123, ID: "0190a3c4-1234"}
	back, err := DecodeCursor(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c, back)

	assert.True(t, c.Follows(1700000000122, "zzz"))
	assert.True(t, c.Follows(1700000000123, "0000"))
	assert.False(t, c.Follows(1700000000123, "0190a3c4-1234"))
	assert.False(t, c.Follows(1700000000124, "0000"))
}

func TestDecodeCursorRejects(t *testing.T) {
	for _, token := range []string{"!!!", "bm9jb2xvbg", "eHg6aWQ"} {
		_, err := DecodeCursor(token)
		assert.True(t, ir.IsInvalidArgument(err), "token %q: %v", token, err)
	}
}

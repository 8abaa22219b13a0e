package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectorValidate(t *testing.T) {
	assert.NoError(t, ByID("m1").Validate())
	assert.NoError(t, ByIndex(-1).Validate())
	assert.Error(t, Selector{}.Validate())

	both := ByIndex(0)
	both.ID = "m1"
	assert.Error(t, both.Validate())
}

func TestSelectorJSON(t *testing.T) {
	var sels []Selector
	require.NoError(t, json.Unmarshal([]byte(`["m1", 2, -1]`), &sels))
	require.Len(t, sels, 3)

	assert.Equal(t, "m1", sels[0].ID)
	require.NotNil(t, sels[1].Index)
	assert.Equal(t, 2, *sels[1].Index)
	require.NotNil(t, sels[2].Index)
	assert.Equal(t, -1, *sels[2].Index)

	data, err := json.Marshal(sels)
	require.NoError(t, err)
	assert.JSONEq(t, `["m1",2,-1]`, string(data))
}

func TestSelectorJSONRejects(t *testing.T) {
	for _, in := range []string{`""`, `1.5`, `true`, `{}`} {
		var s Selector
		assert.Error(t, json.Unmarshal([]byte(in), &s), in)
	}
}

func TestSelectorString(t *testing.T) {
	assert.Equal(t, `id "m1"`, ByID("m1").String())
	assert.Equal(t, "index -2", ByIndex(-2).String())
}

func TestResolveIndex(t *testing.T) {
	tests := []struct {
		i, n   int
		want   int
		wantOK bool
	}{
		{0, 3, 0, true},
		{2, 3, 2, true},
		{3, 3, 0, false},
		{-1, 3, 2, true},
		{-3, 3, 0, true},
		{-4, 3, 0, false},
		{0, 0, 0, false},
	}

	for _, tt := range tests {
		got, ok := ResolveIndex(tt.i, tt.n)
		assert.Equal(t, tt.wantOK, ok, "ResolveIndex(%d, %d)", tt.i, tt.n)
		assert.Equal(t, tt.want, got, "ResolveIndex(%d, %d)", tt.i, tt.n)
	}
}

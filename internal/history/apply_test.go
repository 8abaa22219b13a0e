package history

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronoctx/internal/ir"
)

func m(id string) ir.Message {
	return ir.Message{ID: id, Content: ir.IRString(id)}
}

func ids(msgs []ir.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.ID
	}
	return out
}

func TestApply(t *testing.T) {
	base := []ir.Message{m("a"), m("b"), m("c")}

	tests := []struct {
		name  string
		delta ir.Delta
		want  []string
	}{
		{"reset", ir.Delta{Op: ir.OpReset, Messages: []ir.Message{m("x")}}, []string{"x"}},
		{"reset empty", ir.Delta{Op: ir.OpReset}, []string{}},
		{"append", ir.Delta{Op: ir.OpInsert, Position: 3, Messages: []ir.Message{m("d"), m("e")}}, []string{"a", "b", "c", "d", "e"}},
		{"insert front", ir.Delta{Op: ir.OpInsert, Position: 0, Messages: []ir.Message{m("z")}}, []string{"z", "a", "b", "c"}},
		{"replace", ir.Delta{Op: ir.OpReplace, Positions: []int{0, 2}, Messages: []ir.Message{m("A"), m("C")}}, []string{"A", "b", "C"}},
		{"remove", ir.Delta{Op: ir.OpRemove, Positions: []int{0, 1}}, []string{"c"}},
		{"remove all", ir.Delta{Op: ir.OpRemove, Positions: []int{0, 1, 2}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(base, tt.delta)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, ids(got)); diff != "" {
				t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
			}
			for i, msg := range got {
				assert.Equal(t, i, msg.Index)
			}
		})
	}

	assert.Equal(t, []string{"a", "b", "c"}, ids(base), "input must be untouched")
}

func TestApplyRejectsBadPositions(t *testing.T) {
	base := []ir.Message{m("a")}

	bad := []ir.Delta{
		{Op: ir.OpInsert, Position: 2, Messages: []ir.Message{m("x")}},
		{Op: ir.OpReplace, Positions: []int{1}, Messages: []ir.Message{m("x")}},
		{Op: ir.OpReplace, Positions: []int{0, 0}, Messages: []ir.Message{m("x")}},
		{Op: ir.OpRemove, Positions: []int{-1}},
		{Op: "rotate"},
	}
	for _, d := range bad {
		_, err := Apply(base, d)
		assert.Error(t, err, "%+v", d)
	}
}

package history

import (
	"fmt"
	"slices"

	"github.com/roach88/chronoctx/internal/ir"
)

// Apply returns the sequence produced by applying d to msgs.
// msgs is not modified. Index fields of the result match positions.
func Apply(msgs []ir.Message, d ir.Delta) ([]ir.Message, error) {
	var out []ir.Message

	switch d.Op {
	case ir.OpReset:
		out = slices.Clone(d.Messages)

	case ir.OpInsert:
		if d.Position < 0 || d.Position > len(msgs) {
			return nil, fmt.Errorf("insert position %d outside [0, %d]", d.Position, len(msgs))
		}
		out = make([]ir.Message, 0, len(msgs)+len(d.Messages))
		out = append(out, msgs[:d.Position]...)
		out = append(out, d.Messages...)
		out = append(out, msgs[d.Position:]...)

	case ir.OpReplace:
		if len(d.Positions) != len(d.Messages) {
			return nil, fmt.Errorf("replace has %d positions for %d messages", len(d.Positions), len(d.Messages))
		}
		out = slices.Clone(msgs)
		for i, p := range d.Positions {
			if p < 0 || p >= len(out) {
				return nil, fmt.Errorf("replace position %d outside [0, %d)", p, len(out))
			}
			out[p] = d.Messages[i]
		}

	case ir.OpRemove:
		remove := make(map[int]bool, len(d.Positions))
		for _, p := range d.Positions {
			if p < 0 || p >= len(msgs) {
				return nil, fmt.Errorf("remove position %d outside [0, %d)", p, len(msgs))
			}
			remove[p] = true
		}
		out = make([]ir.Message, 0, len(msgs)-len(remove))
		for i, m := range msgs {
			if !remove[i] {
				out = append(out, m)
			}
		}

	default:
		return nil, fmt.Errorf("unknown delta op %q", d.Op)
	}

	for i := range out {
		out[i].Index = i
	}
	return out, nil
}

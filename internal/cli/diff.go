package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/spf13/cobra"

	"github.com/roach88/chronoctx/internal/engine"
)

// Diff line operations.
const (
	diffEqual  = "equal"
	diffInsert = "insert"
	diffDelete = "delete"
)

// diffReport is the line diff between two versions of one context.
type diffReport struct {
	ContextID string     `json:"context_id"`
	From      int64      `json:"from"`
	To        int64      `json:"to"`
	Changes   []diffLine `json:"changes"`
}

type diffLine struct {
	Op   string `json:"op"`
	Line string `json:"line"`
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <context-id> <from-version> [to-version]",
		Short: "Show the messages that changed between two versions",
		Long: `Compare two versions of a context message by message. Each message
is one line of id and canonical content, so an edited message shows up as
one removed and one added line. to-version defaults to the head.

Example:
  chronoctx diff 0192f0c4-... 3
  chronoctx diff 0192f0c4-... 2 5`,
		Args:          cobra.RangeArgs(2, 3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || from < 1 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid from-version %q", args[1]))
			}
			var to int64
			if len(args) == 3 {
				if to, err = strconv.ParseInt(args[2], 10, 64); err != nil || to < 1 {
					return NewExitError(ExitCommandError, fmt.Sprintf("invalid to-version %q", args[2]))
				}
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx := commandContext(cmd)
			before, err := a.engine.Get(ctx, args[0], engine.GetOptions{Version: from})
			if err != nil {
				return a.out.Fail(err)
			}
			after, err := a.engine.Get(ctx, args[0], engine.GetOptions{Version: to})
			if err != nil {
				return a.out.Fail(err)
			}

			return a.out.Success(diffReport{
				ContextID: args[0],
				From:      before.Version,
				To:        after.Version,
				Changes:   diffStates(before, after),
			})
		},
	}
}

// diffStates line-diffs the message sequences of two states.
func diffStates(before, after engine.State) []diffLine {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(messageLines(before), messageLines(after))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	out := []diffLine{}
	for _, d := range diffs {
		op := diffEqual
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			op = diffInsert
		case diffmatchpatch.DiffDelete:
			op = diffDelete
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, diffLine{Op: op, Line: line})
		}
	}
	return out
}

// messageLines renders one line per message. Indexes are left out so a
// removal does not mark every later message as changed.
func messageLines(st engine.State) string {
	var sb strings.Builder
	for _, m := range st.Messages {
		fmt.Fprintf(&sb, "%s  %s", m.ID, compact(m.Content))
		if len(m.Metadata) > 0 {
			fmt.Fprintf(&sb, "  metadata=%s", compact(m.Metadata))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/chronoctx/internal/api"
	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
)

// selectorFlags are the version and prefix selectors shared by create and get.
type selectorFlags struct {
	Version int64
	At      int
	Before  string
}

func (s *selectorFlags) register(cmd *cobra.Command, verb string) {
	cmd.Flags().Int64Var(&s.Version, "version", 0, verb+" this version (default: head)")
	cmd.Flags().IntVar(&s.At, "at", 0, verb+" messages up to this index, inclusive; negative counts from the end")
	cmd.Flags().StringVar(&s.Before, "before", "", verb+" the version current at this time (RFC 3339 or unix ms)")
}

// resolve converts the flags into engine selectors. --at applies only when set.
func (s *selectorFlags) resolve(cmd *cobra.Command) (version int64, index *int, before *time.Time, err error) {
	version = s.Version
	if cmd.Flags().Changed("at") {
		at := s.At
		index = &at
	}
	if s.Before != "" {
		ts, perr := api.ParseTimestamp(s.Before)
		if perr != nil {
			return 0, nil, nil, WrapExitError(ExitCommandError, "invalid --before", perr)
		}
		before = &ts
	}
	return version, index, before, nil
}

// readData returns --data, the file it names with a leading @, or stdin for "-".
func readData(cmd *cobra.Command, data string) ([]byte, error) {
	switch {
	case data == "":
		return nil, NewExitError(ExitCommandError, "--data is required")
	case data == "-":
		return io.ReadAll(cmd.InOrStdin())
	case strings.HasPrefix(data, "@"):
		b, err := os.ReadFile(data[1:])
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read data file", err)
		}
		return b, nil
	}
	return []byte(data), nil
}

// parseMetadata decodes a --metadata JSON object.
func parseMetadata(s string) (ir.IRObject, error) {
	if s == "" {
		return nil, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --metadata JSON", err)
	}
	return obj, nil
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var sel selectorFlags
	var from, metadata string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a context, or fork one with --from",
		Long: `Create an empty context, or fork an existing context.

A fork copies the source's messages at the selected version, optionally
truncated with --at, and records where it came from.

Example:
  chronoctx create --metadata '{"agent":"planner"}'
  chronoctx create --from 0192f0c4-... --version 3 --at -2`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, index, before, err := sel.resolve(cmd)
			if err != nil {
				return err
			}
			md, err := parseMetadata(metadata)
			if err != nil {
				return err
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			opts := engine.CreateOptions{From: from, Version: version, At: before, Index: index, Metadata: md}
			st, err := a.engine.Create(commandContext(cmd), opts)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(st)
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "context id to fork")
	cmd.Flags().StringVar(&metadata, "metadata", "", "context metadata as a JSON object")
	sel.register(cmd, "fork")
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	var sel selectorFlags

	cmd := &cobra.Command{
		Use:   "get <context-id>",
		Short: "Show a context at its head or a past version",
		Long: `Show a context's messages.

Example:
  chronoctx get 0192f0c4-...
  chronoctx get 0192f0c4-... --version 2
  chronoctx get 0192f0c4-... --before 2025-03-01T12:00:00Z --at -1`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			version, index, before, err := sel.resolve(cmd)
			if err != nil {
				return err
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			opts := engine.GetOptions{Version: version, At: before, Index: index}
			st, err := a.engine.Get(commandContext(cmd), args[0], opts)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(st)
		},
	}

	sel.register(cmd, "show")
	return cmd
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	var page ir.Page

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contexts, newest first",
		Long: `List contexts, newest first. Pass the printed cursor to --cursor
for the next page.

Example:
  chronoctx list --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			contexts, err := a.engine.List(commandContext(cmd), page)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(contexts)
		},
	}

	cmd.Flags().IntVar(&page.Limit, "limit", engine.DefaultListLimit, "page size")
	cmd.Flags().StringVar(&page.Cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "append <context-id>",
		Short: "Append messages as one new version",
		Long: `Append one message object or an array of them. A string "id" key
names the message; every other key is its content.

--data takes JSON inline, @file, or - for stdin.

Example:
  chronoctx append 0192f0c4-... --data '{"role":"user","text":"hi"}'
  chronoctx append 0192f0c4-... --data @messages.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			msgs, err := api.DecodeAppend(body)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid messages", err)
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.engine.Append(commandContext(cmd), args[0], msgs)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(st)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "messages as JSON, @file or - for stdin")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var data string

	cmd := &cobra.Command{
		Use:   "update <context-id>",
		Short: "Merge changes into messages as one new version",
		Long: `Update messages selected by "id" or "index". Either one update
object, or {"updates": [...], "metadata": {...}} for a batch.

Example:
  chronoctx update 0192f0c4-... --data '{"index":-1,"text":"fixed"}'
  chronoctx update 0192f0c4-... --data '{"updates":[{"id":"m1","pinned":true}],"metadata":{"by":"reviewer"}}'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readData(cmd, data)
			if err != nil {
				return err
			}
			updates, metadata, err := api.DecodeUpdate(body)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid updates", err)
			}

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.engine.Update(commandContext(cmd), args[0], updates, metadata)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(st)
		},
	}

	cmd.Flags().StringVarP(&data, "data", "d", "", "update JSON, @file or - for stdin")
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var metadata string

	cmd := &cobra.Command{
		Use:   "delete <context-id> <selector>...",
		Short: "Remove messages as one new version",
		Long: `Remove messages by id or index. Integer selectors are indexes;
negative indexes count from the end. All selectors resolve against the
current head before anything is removed. Put -- before negative indexes.

Example:
  chronoctx delete 0192f0c4-... m1 2
  chronoctx delete 0192f0c4-... -- -1`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			md, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			sels := parseSelectors(args[1:])

			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			st, err := a.engine.Delete(commandContext(cmd), args[0], sels, md)
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(st)
		},
	}

	cmd.Flags().StringVar(&metadata, "metadata", "", "version metadata as a JSON object")
	return cmd
}

// parseSelectors reads integer arguments as indexes and the rest as ids.
func parseSelectors(args []string) []ir.Selector {
	sels := make([]ir.Selector, len(args))
	for i, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			sels[i] = ir.ByIndex(n)
			continue
		}
		sels[i] = ir.ByID(arg)
	}
	return sels
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <context-id>",
		Short: "List every version of a context",
		Long: `List every version of a context with its kind, time, message count
and metadata.

Example:
  chronoctx history 0192f0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			versions, err := a.engine.History(commandContext(cmd), args[0])
			if err != nil {
				return a.out.Fail(err)
			}
			return a.out.Success(versions)
		},
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <context-id>",
		Short: "Replay a context's history and check recorded digests",
		Long: `Replay every version of a context from scratch and compare each
version's recorded digest, message count and stored snapshot with the
replay. Exits 1 when anything differs.

Example:
  chronoctx verify 0192f0c4-...`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer a.close()

			mismatches, err := a.engine.Verify(commandContext(cmd), args[0])
			if err != nil {
				return a.out.Fail(err)
			}

			report := verifyReport{ContextID: args[0], OK: len(mismatches) == 0, Mismatches: mismatches}
			if err := a.out.Success(report); err != nil {
				return err
			}
			if !report.OK {
				return NewExitError(ExitFailure, fmt.Sprintf("%d mismatches in %s", len(mismatches), args[0]))
			}
			return nil
		},
	}
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/history"
	"github.com/roach88/chronoctx/internal/ir"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Operation rejected (unknown context, bad selector, failed verification)
	ExitCommandError = 2 // Command error (bad flags, unreadable config, store won't open)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`              // NOT_FOUND, INVALID_ARGUMENT, ...
	Message string `json:"message"`           // human-readable message
	Details any    `json:"details,omitempty"` // additional context
}

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "ok",
			Data:   data,
		})
	}

	// Human-readable text output
	_, err := io.WriteString(f.Writer, renderText(data))
	return err
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail reports err and returns it as an ExitError. Store errors keep their
// code; anything else is reported as INTERNAL.
func (f *OutputFormatter) Fail(err error) error {
	code := string(ir.CodeOf(err))
	message := err.Error()
	var e *ir.Error
	if errors.As(err, &e) {
		message = e.Message
	}
	if code == "" {
		code = "INTERNAL"
	}
	if outErr := f.Error(code, message, nil); outErr != nil {
		return outErr
	}
	return WrapExitError(ExitFailure, strings.ToLower(code), err)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

// verifyReport is the verify command's result.
type verifyReport struct {
	ContextID  string             `json:"context_id"`
	OK         bool               `json:"ok"`
	Mismatches []history.Mismatch `json:"mismatches,omitempty"`
}

// renderText formats command results for a terminal.
func renderText(data any) string {
	var sb strings.Builder
	switch v := data.(type) {
	case engine.State:
		writeState(&sb, v)
	case ir.ContextPage:
		if len(v.Contexts) == 0 {
			sb.WriteString("No contexts found.\n")
		}
		for _, c := range v.Contexts {
			fmt.Fprintf(&sb, "%s  v%d  %s", c.ID, c.Head, c.CreatedAt.Format(time.RFC3339))
			if c.Lineage != nil {
				fmt.Fprintf(&sb, "  forked from %s@v%d", c.Lineage.ContextID, c.Lineage.Version)
			}
			sb.WriteByte('\n')
		}
		if v.NextCursor != "" {
			fmt.Fprintf(&sb, "next cursor: %s\n", v.NextCursor)
		}
	case []ir.VersionInfo:
		for _, info := range v {
			fmt.Fprintf(&sb, "v%-4d %-7s %s  %d messages (%+d)\n",
				info.Number, info.Kind, info.CreatedAt.Format(time.RFC3339Nano), info.MessageCount, info.CountDelta)
			if len(info.Metadata) > 0 {
				fmt.Fprintf(&sb, "      metadata %s\n", compact(info.Metadata))
			}
		}
	case verifyReport:
		if v.OK {
			fmt.Fprintf(&sb, "%s: history verified\n", v.ContextID)
		}
		for _, m := range v.Mismatches {
			fmt.Fprintf(&sb, "%s: v%d %s mismatch: recorded %s, replayed %s\n", v.ContextID, m.Version, m.Field, m.Want, m.Got)
		}
	case diffReport:
		fmt.Fprintf(&sb, "--- %s@v%d\n+++ %s@v%d\n", v.ContextID, v.From, v.ContextID, v.To)
		for _, c := range v.Changes {
			prefix := "  "
			switch c.Op {
			case diffInsert:
				prefix = "+ "
			case diffDelete:
				prefix = "- "
			}
			sb.WriteString(prefix + c.Line + "\n")
		}
	default:
		fmt.Fprintln(&sb, data)
	}
	return sb.String()
}

func writeState(sb *strings.Builder, st engine.State) {
	fmt.Fprintf(sb, "context %s  version %d of %d  (%d messages)\n",
		st.Context.ID, st.Version, st.Context.Head, len(st.Messages))
	if st.Context.Lineage != nil {
		fmt.Fprintf(sb, "forked from %s@v%d\n", st.Context.Lineage.ContextID, st.Context.Lineage.Version)
	}
	for _, m := range st.Messages {
		fmt.Fprintf(sb, "  [%d] %s  %s", m.Index, m.ID, compact(m.Content))
		if len(m.Metadata) > 0 {
			fmt.Fprintf(sb, "  metadata=%s", compact(m.Metadata))
		}
		sb.WriteByte('\n')
	}
}

// compact renders a value as canonical JSON.
func compact(v ir.IRValue) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(data)
}

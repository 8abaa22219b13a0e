// Package mcptools exposes the context store to agents as MCP tools over
// stdio.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/roach88/chronoctx/internal/api"
	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
)

// ServerName identifies the tool server to MCP clients.
const ServerName = "chronoctx"

// Tools binds MCP tool handlers to an Engine.
type Tools struct {
	engine *engine.Engine
	logger *slog.Logger
}

// New returns the tool handlers for e.
func New(e *engine.Engine, logger *slog.Logger) *Tools {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tools{engine: e, logger: logger}
}

// NewServer registers every tool on a new MCP server.
func NewServer(e *engine.Engine, version string, logger *slog.Logger) *server.MCPServer {
	t := New(e, logger)
	s := server.NewMCPServer(ServerName, version)
	t.Register(s)
	return s
}

// Serve runs the tool server on stdin and stdout until the client hangs up.
func Serve(e *engine.Engine, version string, logger *slog.Logger) error {
	return server.ServeStdio(NewServer(e, version, logger))
}

// Register adds the tools to s.
func (t *Tools) Register(s *server.MCPServer) {
	s.AddTool(mcp.NewTool("create_context",
		mcp.WithDescription("Creates an empty context, or forks an existing one when 'from' is set."),
		mcp.WithString("from", mcp.Description("Context id to fork")),
		mcp.WithNumber("version", mcp.Description("Source version to fork (default: head)")),
		mcp.WithNumber("at", mcp.Description("Fork only messages up to this index, inclusive; negative counts from the end")),
		mcp.WithString("before", mcp.Description("Fork the version current at this time (RFC 3339 or unix milliseconds)")),
		mcp.WithObject("metadata", mcp.Description("Metadata stored on the new context")),
	), t.createContext)

	s.AddTool(mcp.NewTool("get_context",
		mcp.WithDescription("Returns a context's messages at its head or at a past version."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Context id")),
		mcp.WithNumber("version", mcp.Description("Version number (default: head)")),
		mcp.WithNumber("at", mcp.Description("Return only messages up to this index, inclusive")),
		mcp.WithString("before", mcp.Description("Return the version current at this time (RFC 3339 or unix milliseconds)")),
		mcp.WithBoolean("history", mcp.Description("Include the version history")),
	), t.getContext)

	s.AddTool(mcp.NewTool("list_contexts",
		mcp.WithDescription("Lists contexts, newest first."),
		mcp.WithNumber("limit", mcp.Description("Page size (default 20, max 100)")),
		mcp.WithString("cursor", mcp.Description("Cursor from a previous page")),
	), t.listContexts)

	s.AddTool(mcp.NewTool("append_messages",
		mcp.WithDescription("Appends messages to a context as one new version. A string 'id' key names a message; other keys are its content."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Context id")),
		mcp.WithArray("messages", mcp.Required(), mcp.Description("Message objects to append")),
	), t.appendMessages)

	s.AddTool(mcp.NewTool("update_message",
		mcp.WithDescription("Merges changes into messages selected by 'id' or 'index', as one new version."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Context id")),
		mcp.WithArray("updates", mcp.Required(), mcp.Description("Update objects, each with an 'id' or 'index' key and the fields to change")),
		mcp.WithObject("metadata", mcp.Description("Metadata attached to the altered messages")),
	), t.updateMessage)

	s.AddTool(mcp.NewTool("delete_messages",
		mcp.WithDescription("Removes messages by id or index as one new version."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Context id")),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("Message ids (strings) or indexes (integers)")),
		mcp.WithObject("metadata", mcp.Description("Metadata recorded on the version")),
	), t.deleteMessages)

	s.AddTool(mcp.NewTool("context_history",
		mcp.WithDescription("Lists every version of a context with its kind, time and message count."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Context id")),
	), t.contextHistory)
}

func arguments(request mcp.CallToolRequest) map[string]any {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return map[string]any{}
	}
	return args
}

// stringArg returns a trimmed string argument.
func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// intArg returns an integer argument, or nil when absent. JSON numbers
// arrive as float64.
func intArg(args map[string]any, key string) (*int, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	f, ok := raw.(float64)
	if !ok || f != float64(int(f)) {
		return nil, fmt.Errorf("%s must be an integer", key)
	}
	n := int(f)
	return &n, nil
}

func timeArg(args map[string]any, key string) (*time.Time, error) {
	s := stringArg(args, key)
	if s == "" {
		return nil, nil
	}
	ts, err := api.ParseTimestamp(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return &ts, nil
}

// objectArg decodes an object argument into an IRObject.
func objectArg(args map[string]any, key string) (ir.IRObject, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var obj ir.IRObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("%s must be an object", key)
	}
	return obj, nil
}

// rawArg re-encodes an argument for the HTTP body decoders. Clients that
// send the value as a JSON string are accepted too.
func rawArg(args map[string]any, key string) ([]byte, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%s is required", key)
	}
	if s, ok := raw.(string); ok {
		return []byte(s), nil
	}
	return json.Marshal(raw)
}

// result renders v as indented JSON text.
func result(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// failure reports err to the agent. Store errors keep their code so the
// agent can tell a missing context from a bad argument.
func (t *Tools) failure(tool string, err error) *mcp.CallToolResult {
	if code := ir.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", code, err))
	}
	t.logger.Error("tool failed", "tool", tool, "error", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", tool, err))
}

func (t *Tools) createContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)

	opts := engine.CreateOptions{From: stringArg(args, "from")}
	version, err := intArg(args, "version")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if version != nil {
		opts.Version = int64(*version)
	}
	if opts.Index, err = intArg(args, "at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.At, err = timeArg(args, "before"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.Metadata, err = objectArg(args, "metadata"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := t.engine.Create(ctx, opts)
	if err != nil {
		return t.failure("create_context", err), nil
	}
	return result(st)
}

func (t *Tools) getContext(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id cannot be empty"), nil
	}

	var opts engine.GetOptions
	version, err := intArg(args, "version")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if version != nil {
		opts.Version = int64(*version)
	}
	if opts.Index, err = intArg(args, "at"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if opts.At, err = timeArg(args, "before"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := t.engine.Get(ctx, id, opts)
	if err != nil {
		return t.failure("get_context", err), nil
	}

	if history, _ := args["history"].(bool); history {
		versions, err := t.engine.History(ctx, id)
		if err != nil {
			return t.failure("get_context", err), nil
		}
		return result(struct {
			engine.State
			Versions []ir.VersionInfo `json:"versions"`
		}{st, versions})
	}
	return result(st)
}

func (t *Tools) listContexts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	page := ir.Page{Cursor: stringArg(args, "cursor")}
	limit, err := intArg(args, "limit")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if limit != nil {
		page.Limit = *limit
	}

	contexts, err := t.engine.List(ctx, page)
	if err != nil {
		return t.failure("list_contexts", err), nil
	}
	if len(contexts.Contexts) == 0 {
		return mcp.NewToolResultText("No contexts found."), nil
	}
	return result(contexts)
}

func (t *Tools) appendMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id cannot be empty"), nil
	}
	body, err := rawArg(args, "messages")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msgs, err := api.DecodeAppend(body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := t.engine.Append(ctx, id, msgs)
	if err != nil {
		return t.failure("append_messages", err), nil
	}
	return result(st)
}

func (t *Tools) updateMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id cannot be empty"), nil
	}

	updatesArg, err := rawArg(args, "updates")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	// A lone update object is accepted in place of a one-element array.
	if trimmed := strings.TrimSpace(string(updatesArg)); strings.HasPrefix(trimmed, "{") {
		updatesArg = []byte("[" + trimmed + "]")
	}
	body, err := json.Marshal(map[string]json.RawMessage{"updates": updatesArg})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	updates, _, err := api.DecodeUpdate(body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	metadata, err := objectArg(args, "metadata")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := t.engine.Update(ctx, id, updates, metadata)
	if err != nil {
		return t.failure("update_message", err), nil
	}
	return result(st)
}

func (t *Tools) deleteMessages(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id cannot be empty"), nil
	}

	ids, err := rawArg(args, "ids")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	body, err := json.Marshal(map[string]json.RawMessage{"ids": ids})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sels, _, err := api.DecodeDelete(body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	metadata, err := objectArg(args, "metadata")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	st, err := t.engine.Delete(ctx, id, sels, metadata)
	if err != nil {
		return t.failure("delete_messages", err), nil
	}
	return result(st)
}

func (t *Tools) contextHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(request)
	id := stringArg(args, "id")
	if id == "" {
		return mcp.NewToolResultError("id cannot be empty"), nil
	}

	versions, err := t.engine.History(ctx, id)
	if err != nil {
		return t.failure("context_history", err), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Context %s has %d versions:\n\n", id, len(versions)))
	for _, v := range versions {
		sb.WriteString(fmt.Sprintf("- v%d %s at %s: %d messages (%+d)\n",
			v.Number, v.Kind, v.CreatedAt.Format(time.RFC3339Nano), v.MessageCount, v.CountDelta))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

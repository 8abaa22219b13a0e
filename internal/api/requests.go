package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/chronoctx/internal/engine"
	"github.com/roach88/chronoctx/internal/ir"
)

// requestValidate checks decoded request bodies and queries.
var requestValidate = validator.New()

// Batch limits per request.
const (
	maxBatch    = 1000
	maxIDLength = 256
)

// Timestamp accepts RFC 3339 strings or integer unix milliseconds.
type Timestamp time.Time

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ts, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		*t = Timestamp(ts)
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("timestamp must be an RFC 3339 string or unix milliseconds")
	}
	*t = Timestamp(ir.UnixMilli(ms))
	return nil
}

// ParseTimestamp parses an RFC 3339 string or a decimal unix millisecond count.
func ParseTimestamp(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ir.UnixMilli(ms), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q must be RFC 3339 or unix milliseconds", s)
	}
	return ts.UTC(), nil
}

// createRequest is the POST /contexts body. "at" is a message index and
// "before" a timestamp, matching the client SDK.
type createRequest struct {
	From     string      `json:"from" validate:"max=256"`
	Version  int64       `json:"version" validate:"gte=0"`
	At       *int        `json:"at"`
	Before   *Timestamp  `json:"before"`
	Metadata ir.IRObject `json:"metadata"`
}

func (r createRequest) options() engine.CreateOptions {
	opts := engine.CreateOptions{
		From:     r.From,
		Version:  r.Version,
		Index:    r.At,
		Metadata: r.Metadata,
	}
	if r.Before != nil {
		ts := time.Time(*r.Before)
		opts.At = &ts
	}
	return opts
}

// getQuery is the GET /contexts/:id query string.
type getQuery struct {
	Version int64 `validate:"gte=0"`
	At      *int
	Before  *time.Time
	History bool
}

func parseGetQuery(q func(string) string) (getQuery, error) {
	var out getQuery
	var err error

	if s := q("version"); s != "" {
		if out.Version, err = strconv.ParseInt(s, 10, 64); err != nil {
			return out, fmt.Errorf("version %q is not an integer", s)
		}
	}
	if s := q("at"); s != "" {
		at, err := strconv.Atoi(s)
		if err != nil {
			return out, fmt.Errorf("at %q is not an integer", s)
		}
		out.At = &at
	}
	if s := q("before"); s != "" {
		ts, err := ParseTimestamp(s)
		if err != nil {
			return out, err
		}
		out.Before = &ts
	}
	if s := q("history"); s != "" {
		if out.History, err = strconv.ParseBool(s); err != nil {
			return out, fmt.Errorf("history %q is not a boolean", s)
		}
	}
	return out, requestValidate.Struct(out)
}

func (q getQuery) options() engine.GetOptions {
	return engine.GetOptions{Version: q.Version, At: q.Before, Index: q.At}
}

// listQuery is the GET /contexts query string.
type listQuery struct {
	Limit  int    `validate:"gte=0"`
	Cursor string `validate:"max=1024"`
}

func parseListQuery(q func(string) string) (listQuery, error) {
	out := listQuery{Cursor: q("cursor")}
	if s := q("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil {
			return out, fmt.Errorf("limit %q is not an integer", s)
		}
		out.Limit = limit
	}
	return out, requestValidate.Struct(out)
}

// DecodeAppend decodes the POST /contexts/:id body: one object or an array of
// objects. A string "id" key becomes the message id; the remaining keys are
// the message content.
func DecodeAppend(data []byte) ([]engine.NewMessage, error) {
	var items []ir.IRObject
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("append body: %w", err)
		}
	} else {
		var item ir.IRObject
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return nil, fmt.Errorf("append body must be an object or an array of objects: %w", err)
		}
		items = []ir.IRObject{item}
	}

	if err := requestValidate.Var(items, "min=1,max=1000"); err != nil {
		return nil, fmt.Errorf("append needs between 1 and %d messages", maxBatch)
	}

	msgs := make([]engine.NewMessage, len(items))
	for i, item := range items {
		if item == nil {
			return nil, fmt.Errorf("message %d must be an object", i)
		}
		id, err := takeID(item)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs[i] = engine.NewMessage{ID: id, Content: item}
	}
	return msgs, nil
}

// takeID removes and returns a string "id" key.
func takeID(obj ir.IRObject) (string, error) {
	raw, ok := obj["id"]
	if !ok {
		return "", nil
	}
	id, ok := raw.(ir.IRString)
	if !ok || id == "" {
		return "", fmt.Errorf("id must be a non-empty string")
	}
	if len(id) > maxIDLength {
		return "", fmt.Errorf("id longer than %d bytes", maxIDLength)
	}
	delete(obj, "id")
	return string(id), nil
}

// updateBatch is the batch form of the PATCH /contexts/:id body.
type updateBatch struct {
	Updates  []ir.IRObject `json:"updates" validate:"required,min=1,max=1000"`
	Metadata ir.IRObject   `json:"metadata"`
}

// DecodeUpdate decodes the PATCH /contexts/:id body. Batch form is
// {"updates": [...], "metadata": {...}}; single form is one update object.
// Each update selects its message with "id" or "index"; every other key is
// a change.
func DecodeUpdate(data []byte) ([]engine.Update, ir.IRObject, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, nil, fmt.Errorf("update body must be an object: %w", err)
	}

	var batch updateBatch
	if _, ok := probe["updates"]; ok {
		if err := json.Unmarshal(data, &batch); err != nil {
			return nil, nil, fmt.Errorf("update body: %w", err)
		}
		if err := requestValidate.Struct(batch); err != nil {
			return nil, nil, err
		}
	} else {
		var single ir.IRObject
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, nil, fmt.Errorf("update body: %w", err)
		}
		batch.Updates = []ir.IRObject{single}
	}

	updates := make([]engine.Update, len(batch.Updates))
	for i, obj := range batch.Updates {
		sel, err := takeSelector(obj)
		if err != nil {
			return nil, nil, fmt.Errorf("update %d: %w", i, err)
		}
		updates[i] = engine.Update{Selector: sel, Changes: obj}
	}
	return updates, batch.Metadata, nil
}

// takeSelector removes the "id" or "index" key and returns the selector.
func takeSelector(obj ir.IRObject) (ir.Selector, error) {
	if obj == nil {
		return ir.Selector{}, fmt.Errorf("update must be an object")
	}
	_, hasID := obj["id"]
	rawIndex, hasIndex := obj["index"]

	switch {
	case hasID && hasIndex:
		return ir.Selector{}, fmt.Errorf("set id or index, not both")
	case hasID:
		id, err := takeID(obj)
		if err != nil {
			return ir.Selector{}, err
		}
		return ir.ByID(id), nil
	case hasIndex:
		n, ok := rawIndex.(ir.IRInt)
		if !ok {
			return ir.Selector{}, fmt.Errorf("index must be an integer")
		}
		delete(obj, "index")
		return ir.ByIndex(int(n)), nil
	default:
		return ir.Selector{}, fmt.Errorf("update needs an id or an index")
	}
}

// deleteRequest is the DELETE /contexts/:id body.
type deleteRequest struct {
	IDs      []ir.Selector `json:"ids" validate:"required,min=1,max=1000"`
	Metadata ir.IRObject   `json:"metadata"`
}

// DecodeDelete decodes the DELETE /contexts/:id body.
func DecodeDelete(data []byte) ([]ir.Selector, ir.IRObject, error) {
	var req deleteRequest
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		return nil, nil, fmt.Errorf("delete body: %w", err)
	}
	if err := requestValidate.Struct(req); err != nil {
		return nil, nil, err
	}
	return req.IDs, req.Metadata, nil
}

// describeValidation turns validator errors into one readable line.
func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, len(verrs))
	for i, fe := range verrs {
		parts[i] = fmt.Sprintf("%s fails %q", strings.ToLower(fe.Field()), fe.Tag())
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Selector references a message by stable identifier or by position index.
// Exactly one of ID or Index is set. Negative indices count from the end
// (-1 is the last message).
type Selector struct {
	ID    string
	Index *int
}

// ByID selects a message by identifier.
func ByID(id string) Selector {
	return Selector{ID: id}
}

// ByIndex selects a message by position.
func ByIndex(i int) Selector {
	return Selector{Index: &i}
}

// Validate checks that exactly one of ID or Index is set.
func (s Selector) Validate() error {
	switch {
	case s.ID != "" && s.Index != nil:
		return fmt.Errorf("selector sets both id and index")
	case s.ID == "" && s.Index == nil:
		return fmt.Errorf("selector needs an id or an index")
	}
	return nil
}

// String renders the selector for logs and error messages.
func (s Selector) String() string {
	if s.Index != nil {
		return "index " + strconv.Itoa(*s.Index)
	}
	return "id " + strconv.Quote(s.ID)
}

// MarshalJSON encodes an id selector as a string and an index selector as a number.
func (s Selector) MarshalJSON() ([]byte, error) {
	if s.Index != nil {
		return json.Marshal(*s.Index)
	}
	return json.Marshal(s.ID)
}

// UnmarshalJSON accepts a string (id) or an integer (index), the mixed form
// delete calls use.
func (s *Selector) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("empty message id")
		}
		*s = ByID(id)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("selector must be a string id or an integer index: %w", err)
	}
	i, err := strconv.Atoi(string(n))
	if err != nil {
		return fmt.Errorf("selector index %q is not an integer", n)
	}
	*s = ByIndex(i)
	return nil
}

// ResolveIndex maps a possibly negative index onto [0, n).
// Returns false when the index falls outside the sequence.
func ResolveIndex(i, n int) (int, bool) {
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		return 0, false
	}
	return i, true
}

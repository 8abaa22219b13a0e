package store

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/chronoctx/internal/ir"
)

// The codec below is shared with the badgerstore backend so both engines
// persist byte-identical payloads.

// EncodeObject converts an IRObject to canonical JSON TEXT for storage.
// A nil object is stored as "{}".
func EncodeObject(obj ir.IRObject) (string, error) {
	if obj == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal object: %w", err)
	}
	return string(data), nil
}

// DecodeObject parses canonical JSON TEXT to IRObject. "{}" decodes to nil
// so that absent metadata survives a round trip as absent.
func DecodeObject(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return nil, nil
	}
	var obj ir.IRObject
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal object: %w", err)
	}
	return obj, nil
}

// EncodeMessages converts a sequence to canonical JSON TEXT. Index is
// positional and not stored.
func EncodeMessages(msgs []ir.Message) (string, error) {
	data, err := ir.MarshalCanonical(ir.MessagesValue(msgs))
	if err != nil {
		return "", fmt.Errorf("marshal messages: %w", err)
	}
	return string(data), nil
}

// DecodeMessages parses a stored sequence and renumbers Index.
func DecodeMessages(data string) ([]ir.Message, error) {
	var msgs []ir.Message
	if err := json.Unmarshal([]byte(data), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshal messages: %w", err)
	}
	for i := range msgs {
		msgs[i].Index = i
	}
	return msgs, nil
}

// EncodeDelta converts a delta to canonical JSON TEXT.
func EncodeDelta(d ir.Delta) (string, error) {
	obj := ir.IRObject{"op": ir.IRString(d.Op)}
	switch d.Op {
	case ir.OpReset:
		obj["messages"] = ir.MessagesValue(d.Messages)
	case ir.OpInsert:
		obj["position"] = ir.IRInt(d.Position)
		obj["messages"] = ir.MessagesValue(d.Messages)
	case ir.OpReplace:
		obj["positions"] = positionsValue(d.Positions)
		obj["messages"] = ir.MessagesValue(d.Messages)
	case ir.OpRemove:
		obj["positions"] = positionsValue(d.Positions)
	default:
		return "", fmt.Errorf("marshal delta: unknown op %q", d.Op)
	}

	data, err := ir.MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("marshal delta: %w", err)
	}
	return string(data), nil
}

// DecodeDelta parses a stored delta.
func DecodeDelta(data string) (ir.Delta, error) {
	var d ir.Delta
	if err := json.Unmarshal([]byte(data), &d); err != nil {
		return ir.Delta{}, fmt.Errorf("unmarshal delta: %w", err)
	}
	return d, nil
}

func positionsValue(positions []int) ir.IRArray {
	arr := make(ir.IRArray, len(positions))
	for i, p := range positions {
		arr[i] = ir.IRInt(p)
	}
	return arr
}

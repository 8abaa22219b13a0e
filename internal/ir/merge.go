package ir

import "fmt"

// MergeMode selects how update changes combine with a message's content.
type MergeMode string

const (
	// MergeShallow replaces top-level keys of the content object.
	MergeShallow MergeMode = "shallow"

	// MergeDeep merges nested objects recursively; arrays and scalars are replaced.
	MergeDeep MergeMode = "deep"

	// MergeReplace replaces the whole content with the changes.
	MergeReplace MergeMode = "replace"
)

// ValidMergeModes defines allowed merge modes.
var ValidMergeModes = map[MergeMode]bool{
	MergeShallow: true,
	MergeDeep:    true,
	MergeReplace: true,
}

// Merge applies changes to base and returns a new value. Neither input is
// modified. Shallow and deep modes require both sides to be objects.
func Merge(base, changes IRValue, mode MergeMode) (IRValue, error) {
	if mode == MergeReplace {
		return Clone(changes), nil
	}

	baseObj, ok := base.(IRObject)
	if !ok {
		return nil, fmt.Errorf("cannot merge into %s content", typeName(base))
	}
	changeObj, ok := changes.(IRObject)
	if !ok {
		return nil, fmt.Errorf("changes must be an object, got %s", typeName(changes))
	}

	switch mode {
	case MergeShallow:
		out := baseObj.Clone()
		if out == nil {
			out = IRObject{}
		}
		for k, v := range changeObj {
			out[k] = Clone(v)
		}
		return out, nil
	case MergeDeep:
		return deepMerge(baseObj, changeObj), nil
	default:
		return nil, fmt.Errorf("unknown merge mode %q", mode)
	}
}

func deepMerge(base, changes IRObject) IRObject {
	out := base.Clone()
	if out == nil {
		out = IRObject{}
	}
	for k, v := range changes {
		nested, isObj := v.(IRObject)
		existing, hadObj := out[k].(IRObject)
		if isObj && hadObj {
			out[k] = deepMerge(existing, nested)
			continue
		}
		out[k] = Clone(v)
	}
	return out
}

// typeName names the JSON type of v for error messages.
func typeName(v IRValue) string {
	switch v.(type) {
	case nil, IRNull:
		return "null"
	case IRString:
		return "string"
	case IRInt, IRFloat:
		return "number"
	case IRBool:
		return "boolean"
	case IRArray:
		return "array"
	case IRObject:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

package ir

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRFloat(1.5)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
}

func TestIRObjectSortedKeys(t *testing.T) {
	obj := IRObject{
		"zebra":  IRString("z"),
		"apple":  IRString("a"),
		"banana": IRString("b"),
	}

	assert.Equal(t, []string{"apple", "banana", "zebra"}, obj.SortedKeys())
}

func TestIRObjectSortedKeysRFC8785Order(t *testing.T) {
	obj := IRObject{
		"a":  IRInt(1),
		"A":  IRInt(2),
		"aa": IRInt(3),
		"aA": IRInt(4),
		"Aa": IRInt(5),
		"AA": IRInt(6),
	}

	// 'A' = 65, 'a' = 97
	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"a", "ab", -1},
		// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort below U+FFFD
		{"\U0001F600", "\uFFFD", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, compareKeysRFC8785(tt.a, tt.b))
		})
	}
}

func TestUnmarshalIRValueTypes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  IRValue
	}{
		{"string", `"hi"`, IRString("hi")},
		{"int", `42`, IRInt(42)},
		{"negative int", `-7`, IRInt(-7)},
		{"float", `1.5`, IRFloat(1.5)},
		{"exponent", `1e3`, IRFloat(1000)},
		{"int64 max", `9223372036854775807`, IRInt(math.MaxInt64)},
		{"large exponent form", `1.2345678901234567e19`, IRFloat(1.2345678901234567e19)},
		{"bool", `true`, IRBool(true)},
		{"null", `null`, IRNull{}},
		{"array", `[1,"a",null]`, IRArray{IRInt(1), IRString("a"), IRNull{}}},
		{"object", `{"a":{"b":2.5}}`, IRObject{"a": IRObject{"b": IRFloat(2.5)}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := UnmarshalIRValue([]byte(tt.input))
			require.NoError(t, err)
			assert.True(t, Equal(tt.want, got), "got %#v", got)
		})
	}
}

func TestUnmarshalIRValueRejectsOversizedIntegers(t *testing.T) {
	for _, input := range []string{
		`9223372036854775808`,
		`-9223372036854775809`,
		`{"n":12345678901234567891}`,
		`[1,[2,99999999999999999999]]`,
	} {
		_, err := UnmarshalIRValue([]byte(input))
		require.Error(t, err, input)
		assert.Contains(t, err.Error(), "does not fit in 64 bits")

		var obj IRObject
		assert.Error(t, json.Unmarshal([]byte(`{"v":`+input+`}`), &obj), input)
	}

	_, err := FromAny(uint64(math.MaxInt64) + 1)
	assert.Error(t, err)
}

func TestUnmarshalIRValueKeepsCanonicalLargeFloats(t *testing.T) {
	for _, f := range []float64{1e20, -1e20, 123456789012345680000} {
		data, err := MarshalCanonical(IRFloat(f))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "e")

		got, err := UnmarshalIRValue(data)
		require.NoError(t, err, string(data))
		assert.Equal(t, IRFloat(f), got)
	}
}

func TestUnmarshalIRValueRejectsTrailingData(t *testing.T) {
	_, err := UnmarshalIRValue([]byte(`{"a":1} {"b":2}`))
	require.Error(t, err)
}

func TestIRObjectUnmarshalJSON(t *testing.T) {
	var obj IRObject
	require.NoError(t, json.Unmarshal([]byte(`{"role":"user","n":3,"score":0.25,"tags":["x"],"gone":null}`), &obj))

	assert.Equal(t, IRString("user"), obj["role"])
	assert.Equal(t, IRInt(3), obj["n"])
	assert.Equal(t, IRFloat(0.25), obj["score"])
	assert.Equal(t, IRArray{IRString("x")}, obj["tags"])
	assert.Equal(t, IRNull{}, obj["gone"])
}

func TestMarshalIRValueRoundTrip(t *testing.T) {
	original := IRObject{
		"text":   IRString("hello <world>"),
		"count":  IRInt(2),
		"ratio":  IRFloat(0.5),
		"ok":     IRBool(false),
		"none":   IRNull{},
		"nested": IRArray{IRObject{"k": IRString("v")}},
	}

	data, err := MarshalIRValue(original)
	require.NoError(t, err)

	decoded, err := UnmarshalIRValue(data)
	require.NoError(t, err)
	assert.True(t, Equal(original, decoded))
}

func TestMarshalIRValueRejectsNonFinite(t *testing.T) {
	_, err := MarshalIRValue(IRArray{IRFloat(1), IRFloat(math.Inf(1))})
	require.Error(t, err)
}

func TestFromAny(t *testing.T) {
	got, err := FromAny(map[string]any{
		"whole":   float64(3),
		"half":    float64(3.5),
		"list":    []any{"a", true, nil},
		"integer": 7,
	})
	require.NoError(t, err)

	want := IRObject{
		"whole":   IRInt(3),
		"half":    IRFloat(3.5),
		"list":    IRArray{IRString("a"), IRBool(true), IRNull{}},
		"integer": IRInt(7),
	}
	assert.True(t, Equal(want, got), "got %#v", got)
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	require.Error(t, err)
}

func TestToAnyRoundTrip(t *testing.T) {
	v := IRObject{"a": IRArray{IRInt(1), IRFloat(1.5), IRNull{}}, "b": IRBool(true)}
	back, err := FromAny(ToAny(v))
	require.NoError(t, err)
	assert.True(t, Equal(v, back))
}

func TestCloneIsDeep(t *testing.T) {
	original := IRObject{
		"inner": IRObject{"x": IRInt(1)},
		"list":  IRArray{IRString("a")},
	}

	cloned := Clone(original).(IRObject)
	cloned["inner"].(IRObject)["x"] = IRInt(2)
	cloned["list"].(IRArray)[0] = IRString("b")

	assert.Equal(t, IRInt(1), original["inner"].(IRObject)["x"])
	assert.Equal(t, IRString("a"), original["list"].(IRArray)[0])
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, IRNull{}))
	assert.True(t, Equal(IRArray{}, IRArray{}))
	assert.False(t, Equal(IRInt(1), IRFloat(1)))
	assert.False(t, Equal(IRObject{"a": IRInt(1)}, IRObject{"b": IRInt(1)}))
	assert.False(t, Equal(IRArray{IRInt(1)}, IRObject{}))
	assert.True(t, Equal(
		IRObject{"a": IRArray{IRString("x")}},
		IRObject{"a": IRArray{IRString("x")}},
	))
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		ID:       "msg-1",
		Index:    3,
		Content:  IRObject{"role": IRString("user"), "text": IRString("hi")},
		Metadata: IRObject{"reason": IRString("typo")},
	}

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"msg-1","index":3,"content":{"role":"user","text":"hi"},"metadata":{"reason":"typo"}}`, string(data))

	var decoded Message
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, msg.Index, decoded.Index)
	assert.True(t, Equal(msg.Content, decoded.Content))
	assert.True(t, Equal(msg.Metadata, decoded.Metadata))
}

func TestMessageUnmarshalMissingContent(t *testing.T) {
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":"a"}`), &m))
	assert.Equal(t, IRNull{}, m.Content)
}

func TestCloneMessagesRenumbers(t *testing.T) {
	msgs := []Message{
		{ID: "a", Index: 7, Content: IRString("x")},
		{ID: "b", Index: 9, Content: IRString("y")},
	}

	cloned := CloneMessages(msgs)
	assert.Equal(t, 0, cloned[0].Index)
	assert.Equal(t, 1, cloned[1].Index)
	assert.Equal(t, 7, msgs[0].Index)
}

func TestTruncateMilli(t *testing.T) {
	ts := UnixMilli(1700000000123).Add(456)
	assert.Equal(t, int64(1700000000123), TruncateMilli(ts).UnixMilli())
	assert.Equal(t, UnixMilli(1700000000123), TruncateMilli(ts))
}

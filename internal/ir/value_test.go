package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIRValueSealed(t *testing.T) {
	var _ IRValue = IRNull{}
	var _ IRValue = IRString("test")
	var _ IRValue = IRInt(42)
	var _ IRValue = IRBool(true)
	var _ IRValue = IRArray{IRString("a"), IRInt(1)}
	var _ IRValue = IRObject{"key": IRString("value")}
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

	assert.Equal(t, []string{"A", "AA", "Aa", "a", "aA", "aa"}, obj.SortedKeys())
}

func TestSortedKeysUTF16Order(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-8 byte order but before it in UTF-16
	// (the emoji encodes as a surrogate pair starting at 0xD83D).
	obj := IRObject{
		"\U0001F600": IRInt(1),
		"\uE000":     IRInt(2),
	}

	assert.Equal(t, []string{"\U0001F600", "\uE000"}, obj.SortedKeys())
}

func TestCompareKeysRFC8785(t *testing.T) {
	tests := []struct {
		a, b     string
		expected int
	}{
		{"a", "b", -1},
		{"b", "a", 1},
		{"a", "a", 0},
		{"aa", "a", 1},
		{"A", "a", -1},
		{"", "a", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+"_vs_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.expected, compareKeysRFC8785(tt.a, tt.b))
		})
	}
}

func TestUnmarshalRejectsFloats(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"simple float", `3.14`},
		{"scientific notation", `1e10`},
		{"nested float in object", `{"value": 1.5}`},
		{"array with float", `[1, 2.0, 3]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalIRValue([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "float")
		})
	}
}

func TestUnmarshalAcceptsNull(t *testing.T) {
	v, err := UnmarshalIRValue([]byte(`{"name": null, "tags": [null]}`))
	require.NoError(t, err)

	obj := v.(IRObject)
	assert.Equal(t, IRNull{}, obj["name"])
	assert.Equal(t, IRArray{IRNull{}}, obj["tags"])
}

func TestMarshalIRValueRoundTrip(t *testing.T) {
	values := []IRValue{
		IRString("hello"),
		IRInt(-7),
		IRBool(true),
		IRNull{},
		IRArray{IRInt(1), IRString("two")},
		IRObject{"nested": IRObject{"x": IRInt(1)}, "empty": IRArray{}},
	}

	for _, v := range values {
		data, err := MarshalIRValue(v)
		require.NoError(t, err)

		back, err := UnmarshalIRValue(data)
		require.NoError(t, err)
		assert.True(t, Equal(v, back), "round trip of %s", data)
	}
}

func TestIRObjectUnmarshalJSON(t *testing.T) {
	var obj IRObject
	require.NoError(t, json.Unmarshal([]byte(`{"id": 9007199254740993, "name": "x"}`), &obj))

	// Large ints survive without float64 precision loss.
	assert.Equal(t, IRInt(9007199254740993), obj["id"])
	assert.Equal(t, IRString("x"), obj["name"])

	err := json.Unmarshal([]byte(`[1,2]`), &obj)
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b IRValue
		want bool
	}{
		{"same string", IRString("a"), IRString("a"), true},
		{"int vs string", IRInt(1), IRString("1"), false},
		{"nil equals null", nil, IRNull{}, true},
		{"null vs value", IRNull{}, IRInt(0), false},
		{"arrays", IRArray{IRInt(1)}, IRArray{IRInt(1)}, true},
		{"array length", IRArray{IRInt(1)}, IRArray{}, false},
		{"objects", IRObject{"a": IRInt(1)}, IRObject{"a": IRInt(1)}, true},
		{"object key mismatch", IRObject{"a": IRInt(1)}, IRObject{"b": IRInt(1)}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Equal(tt.a, tt.b))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := IRObject{"inner": IRObject{"n": IRInt(1)}}
	cp := orig.Clone()
	cp["inner"].(IRObject)["n"] = IRInt(2)

	assert.Equal(t, IRInt(1), orig["inner"].(IRObject)["n"])
}

func TestFromAnyAndToAny(t *testing.T) {
	v, err := FromAny(map[string]any{"n": 3, "s": "x", "b": false, "z": nil, "l": []any{int64(1)}})
	require.NoError(t, err)

	want := IRObject{"n": IRInt(3), "s": IRString("x"), "b": IRBool(false), "z": IRNull{}, "l": IRArray{IRInt(1)}}
	assert.True(t, Equal(want, v))

	back := ToAny(v).(map[string]any)
	assert.Equal(t, json.Number("3"), back["n"])
	assert.Nil(t, back["z"])

	_, err = FromAny(1.5)
	assert.Error(t, err)
}

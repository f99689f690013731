package ir

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPayloadRoundTrip(t *testing.T) {
	p := RecordPayload{
		Action: ActionSet,
		Data:   IRObject{"name": IRString("x")},
		Meta:   IRObject{"by": IRString("cli")},
	}
	assert.False(t, p.HasID())

	withID := p.WithID("id", IRInt(4))
	assert.Equal(t, IRInt(4), withID.Data["id"])
	assert.NotContains(t, p.Data, "id", "WithID must not mutate the original data")

	parsed, err := ParseRecordPayload(withID.Value())
	require.NoError(t, err)
	assert.Equal(t, ActionSet, parsed.Action)
	assert.Equal(t, IRInt(4), parsed.ID)
	assert.Equal(t, IRString("cli"), parsed.Meta["by"])
}

func TestParseRecordPayloadErrors(t *testing.T) {
	tests := []struct {
		name  string
		input IRValue
	}{
		{"not array", IRObject{}},
		{"too short", IRArray{IRString("set")}},
		{"bad action", IRArray{IRString("merge"), IRInt(1), IRObject{}}},
		{"set without data", IRArray{IRString("set"), IRInt(1), IRNull{}}},
		{"remove without id", IRArray{IRString("remove"), IRNull{}}},
		{"data not object", IRArray{IRString("update"), IRInt(1), IRString("x")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRecordPayload(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestIDKey(t *testing.T) {
	k, err := IDKey(IRInt(12))
	require.NoError(t, err)
	assert.Equal(t, "i:09223372036854775820", k)

	k, err = IDKey(IRString("abc"))
	require.NoError(t, err)
	assert.Equal(t, "s:abc", k)

	_, err = IDKey(IRBool(true))
	assert.Error(t, err)
}

func TestIDKey_TypesStayDistinct(t *testing.T) {
	intKey, err := IDKey(IRInt(1))
	require.NoError(t, err)
	strKey, err := IDKey(IRString("1"))
	require.NoError(t, err)
	assert.NotEqual(t, intKey, strKey)
}

func TestIDKey_SortsIntsNumerically(t *testing.T) {
	ids := []IRValue{IRInt(math.MinInt64), IRInt(-10), IRInt(-1), IRInt(0), IRInt(2), IRInt(10), IRInt(math.MaxInt64), IRString(""), IRString("a")}
	keys := make([]string, len(ids))
	for i, id := range ids {
		k, err := IDKey(id)
		require.NoError(t, err)
		keys[i] = k
	}
	assert.True(t, sort.StringsAreSorted(keys), "keys: %v", keys)
}

func TestFormatID(t *testing.T) {
	assert.Equal(t, "-7", FormatID(IRInt(-7)))
	assert.Equal(t, "abc", FormatID(IRString("abc")))
}

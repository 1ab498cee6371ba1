package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", "hello", `"hello"`},
		{"empty string", "", `""`},
		{"int", 42, "42"},
		{"int64", int64(-9223372036854775808), "-9223372036854775808"},
		{"bool", true, "true"},
		{"empty array", []any{}, "[]"},
		{"string slice", []string{"b", "a"}, `["b","a"]`},
		{"empty object", map[string]any{}, "{}"},
		{"string map", map[string]string{"b": "2", "a": "1"}, `{"a":"1","b":"2"}`},
		{"decimal strings", map[string]any{"pnl": "150", "amount": "0.1"}, `{"amount":"0.1","pnl":"150"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Marshal(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalNestedSortedKeys(t *testing.T) {
	out, err := Marshal(map[string]any{
		"z":        map[string]any{"b": "1", "a": "2"},
		"metadata": map[string]any{},
		"a":        []any{"x", int64(3)},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":["x",3],"metadata":{},"z":{"a":"2","b":"1"}}`, string(out))
}

func TestMarshalUTF16KeyOrder(t *testing.T) {
	// U+1F600 encodes as surrogates 0xD83D 0xDE00, which sort before U+FF61
	// in UTF-16 even though the UTF-8 bytes sort after.
	out, err := Marshal(map[string]any{"\uff61": "a", "\U0001F600": "b"})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U0001F600\":\"b\",\"\uff61\":\"a\"}", string(out))
}

func TestMarshalNoHTMLEscapeAndLineSeparators(t *testing.T) {
	out, err := Marshal("<a&b>\u2028\u2029")
	require.NoError(t, err)
	assert.Equal(t, "\"<a&b>\u2028\u2029\"", string(out))

	out, err = Marshal(`\u2028`)
	require.NoError(t, err)
	assert.Equal(t, `"\\u2028"`, string(out))
}

func TestMarshalNFC(t *testing.T) {
	out, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(out))
}

func TestMarshalRejects(t *testing.T) {
	for name, v := range map[string]any{
		"nil":       nil,
		"float":     1.5,
		"nested":    map[string]any{"x": 0.1},
		"in array":  []any{"ok", nil},
		"struct":    struct{}{},
		"float32":   float32(2),
		"uint type": uint(3),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Marshal(v)
			assert.Error(t, err)
		})
	}
}

func TestHash_DomainSeparated(t *testing.T) {
	data := []byte(`{"a":"1"}`)
	h1 := Hash(DomainEvent, data)
	h2 := Hash("other/v1", data)

	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, h2)
	assert.Equal(t, h1, Hash(DomainEvent, data))

	out, hash, err := MarshalAndHash(DomainEvent, map[string]any{"a": "1"})
	require.NoError(t, err)
	assert.Equal(t, data, out)
	assert.Equal(t, h1, hash)
}

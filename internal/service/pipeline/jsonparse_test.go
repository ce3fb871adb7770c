package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":{\"b\":2}}\n```", `{"a":{"b":2}}`},
		{"prose around", `Sure! Here it is: {"a":"}"} hope that helps {"b":1}`, `{"a":"}"}`},
		{"escaped quote", `{"a":"say \"{hi}\""}`, `{"a":"say \"{hi}\""}`},
		{"unbalanced first", `{ broken { "ok": true }`, `{ "ok": true }`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := extractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := extractJSON("no json here")
	assert.ErrorIs(t, err, errNoJSONObject)
	_, err = extractJSON(`{"open": true`)
	assert.Error(t, err)
}

func TestDecodeObjectRejectsInvalid(t *testing.T) {
	_, err := decodeObject(`{"a": nope}`)
	assert.Error(t, err)
	m, err := decodeObject("```\n{\"goal\": \"x\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, "x", m["goal"])
}

package summarizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/hearth/internal/memory"
)

func TestDecodeFacts(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "object", raw: `{"facts":[{"category":"work","text":"Is a nurse","confidence":0.8}]}`, want: 1},
		{name: "bare array", raw: `[{"category":"work","text":"Is a nurse"}]`, want: 1},
		{name: "empty list", raw: `{"facts":[]}`, want: 0},
		{name: "trailing comma repaired", raw: `{"facts":[{"category":"work","text":"Is a nurse",}]}`, want: 1},
		{name: "content alias", raw: `{"facts":[{"content":"Is a nurse"}]}`, want: 1},
		{name: "prose only", raw: `I could not find any facts.`, wantErr: true},
		{name: "missing key", raw: `{"summary":"nothing"}`, wantErr: true},
		{name: "no text", raw: `{"facts":[{"category":"work"}]}`, wantErr: true},
		{name: "string confidence", raw: `{"facts":[{"text":"x","confidence":"high"}]}`, wantErr: true},
		{name: "facts not a list", raw: `{"facts":"none"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeFacts(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, memory.ErrMalformedOutput))
				return
			}
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestDecodeCore(t *testing.T) {
	got, err := decodeCore(`{"core_memories":[{"description":"Loves the sea","importance":9.5}]}`)
	require.NoError(t, err)
	assert.Equal(t, []memory.CoreCandidate{{Description: "Loves the sea", Importance: 9.5}}, got)

	got, err = decodeCore("```json\n[]\n```")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = decodeCore(`[{"description":"Loves the sea"}]`)
	assert.True(t, errors.Is(err, memory.ErrMalformedOutput))

	_, err = decodeCore(`[{"importance":3}]`)
	assert.True(t, errors.Is(err, memory.ErrMalformedOutput))
}

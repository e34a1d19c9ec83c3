package bencode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Name   string `bencode:"name"`
	Length int64  `bencode:"length"`
	Flag   bool   `bencode:"flag,omitempty"`
}

func TestStructRoundTrip(t *testing.T) {
	in := sample{Name: "greeting.txt", Length: 16384}
	b, err := Marshal(in)
	require.NoError(t, err)
	require.Equal(t, "d6:lengthi16384e4:name12:greeting.txte", string(b))

	var out sample
	require.NoError(t, Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestCanonicalKeyOrder(t *testing.T) {
	m := map[string]any{"z": int64(1), "a": int64(2), "m": "x"}
	b, err := Marshal(m)
	require.NoError(t, err)
	require.Equal(t, "d1:ai2e1:m1:x1:zi1ee", string(b))
}

func TestRawMessagePreservesBytes(t *testing.T) {
	original := []byte("d4:name5:helloe")
	var raw RawMessage
	require.NoError(t, Unmarshal(original, &raw))
	require.Equal(t, original, []byte(raw))
	b, err := Marshal(raw)
	require.NoError(t, err)
	require.Equal(t, original, b)
}

func TestDecodeIdempotence(t *testing.T) {
	fixtures := []string{
		"i42e",
		"5:hello",
		"l1:a1:be",
		"d3:foo3:bare",
		"d4:listl1:ai1eee",
	}
	for _, f := range fixtures {
		var v any
		require.NoError(t, Unmarshal([]byte(f), &v))
		b, err := Marshal(v)
		require.NoError(t, err)
		require.Equal(t, f, string(b), "round trip for %q", f)
	}
}

package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/bencode"
)

// buildFixture constructs a single-file, two-piece torrent matching the
// canonical happy-path fixture used across the test suite.
func buildFixture(t *testing.T) []byte {
	t.Helper()
	piece0 := make([]byte, 16384)
	piece1 := make([]byte, 16384)
	for i := range piece1 {
		piece1[i] = 1
	}
	h0 := sha1.Sum(piece0)
	h1 := sha1.Sum(piece1)
	info := map[string]any{
		"name":         "greeting.bin",
		"piece length": int64(16384),
		"pieces":       string(h0[:]) + string(h1[:]),
		"length":       int64(32768),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	top := map[string]any{
		"announce": "http://tracker.example/announce",
		"info":     bencode.RawMessage(infoBytes),
	}
	b, err := bencode.Marshal(top)
	require.NoError(t, err)
	return b
}

func TestLoadBytesHappyPath(t *testing.T) {
	data := buildFixture(t)
	ann, err := LoadBytes(data)
	require.NoError(t, err)
	require.NotNil(t, ann.Info)
	require.Equal(t, 2, ann.Info.NumPieces())
	require.Equal(t, int64(16384), ann.Info.PieceLengthAt(0))
	require.Equal(t, int64(16384), ann.Info.PieceLengthAt(1))
	require.Equal(t, [][]string{{"http://tracker.example/announce"}}, ann.AnnounceList)
}

func TestLoadBytesRejectsPieceCountMismatch(t *testing.T) {
	info := map[string]any{
		"name":         "x",
		"piece length": int64(16384),
		"pieces":       string(make([]byte, 20)), // only 1 hash for a 2-piece total
		"length":       int64(32768),
	}
	infoBytes, _ := bencode.Marshal(info)
	top := map[string]any{"announce": "http://t", "info": bencode.RawMessage(infoBytes)}
	data, _ := bencode.Marshal(top)
	_, err := LoadBytes(data)
	require.ErrorIs(t, err, ErrPieceCountMismatch)
}

func TestParseMagnetHex(t *testing.T) {
	m, err := ParseMagnet("magnet:?xt=urn:btih:0123456789abcdef0123456789abcdef01234567&dn=greeting&tr=http%3A%2F%2Ft")
	require.NoError(t, err)
	require.Equal(t, "greeting", m.DisplayName)
	require.Equal(t, []string{"http://t"}, m.Trackers)
}

func TestParseMagnetMissingXt(t *testing.T) {
	_, err := ParseMagnet("magnet:?dn=nope")
	require.Error(t, err)
}

func TestFromInfoBytesVerifiesHash(t *testing.T) {
	data := buildFixture(t)
	ann, err := LoadBytes(data)
	require.NoError(t, err)
	_, err = FromInfoBytes(ann.Info.InfoBytes(), ann.InfoHash)
	require.NoError(t, err)

	_, err = FromInfoBytes(ann.Info.InfoBytes(), [20]byte{1})
	require.Error(t, err)
}

package torrent

import (
	"bytes"
	"crypto/sha1"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/bencode"
)

// minimalTorrentBytes builds a single-piece, single-file .torrent with no
// trackers, so adding it never attempts a real announce.
func minimalTorrentBytes(t *testing.T, name string) []byte {
	t.Helper()
	piece := bytes.Repeat([]byte{0x42}, 16)
	sum := sha1.Sum(piece)
	info := map[string]any{
		"name":         name,
		"piece length": int64(16),
		"pieces":       string(sum[:]),
		"length":       int64(16),
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	raw := map[string]any{
		"info": bencode.RawMessage(infoBytes),
	}
	data, err := bencode.Marshal(raw)
	require.NoError(t, err)
	return data
}

func testClientConfig(t *testing.T) *ClientConfig {
	t.Helper()
	cfg := NewDefaultClientConfig()
	cfg.DataDir = t.TempDir()
	cfg.ResumeDBPath = filepath.Join(t.TempDir(), "resume.db")
	cfg.DisableDHT = true
	cfg.DisableUPnP = true
	cfg.DisableUTP = true
	return cfg
}

func TestClientAddTorrentFromFileRejectsInvalidData(t *testing.T) {
	c, err := NewClient(testClientConfig(t), nil)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.AddTorrentFromFile(bytes.NewReader([]byte("not bencode")))
	require.Error(t, err)
}

func TestClientAddTorrentRejectsDuplicateInfohash(t *testing.T) {
	c, err := NewClient(testClientConfig(t), nil)
	require.NoError(t, err)
	defer c.Close()

	data := minimalTorrentBytes(t, "dup.bin")
	_, err = c.AddTorrentFromFile(bytes.NewReader(data))
	require.NoError(t, err)

	_, err = c.AddTorrentFromFile(bytes.NewReader(data))
	require.Error(t, err)
}

func TestClientRemoveUnknownInfohashIsNoop(t *testing.T) {
	c, err := NewClient(testClientConfig(t), nil)
	require.NoError(t, err)
	defer c.Close()

	c.Remove([20]byte{1, 2, 3})
}

func TestClientCloseIsIdempotent(t *testing.T) {
	c, err := NewClient(testClientConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
}

func TestClientAddTorrentAfterCloseFails(t *testing.T) {
	c, err := NewClient(testClientConfig(t), nil)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	data := minimalTorrentBytes(t, "late.bin")
	_, err = c.AddTorrentFromFile(bytes.NewReader(data))
	require.Error(t, err)
}

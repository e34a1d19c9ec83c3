package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/bencode"
)

func TestDecodeCompactPeers(t *testing.T) {
	raw := []byte{127, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE1}
	peers, err := decodeCompactPeers(raw)
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:6881", "10.0.0.2:6881"}, peers)
}

func TestDecodeCompactPeersRejectsShortTail(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestNewDispatchesByScheme(t *testing.T) {
	cfg := NewConfig(0)

	httpT, err := New("http://tracker.example/announce", cfg)
	require.NoError(t, err)
	_, ok := httpT.(*httpTracker)
	require.True(t, ok)

	udpT, err := New("udp://tracker.example:6969/announce", cfg)
	require.NoError(t, err)
	_, ok = udpT.(*udpTracker)
	require.True(t, ok)
	udpT.Close()

	_, err = New("ftp://tracker.example/announce", cfg)
	require.Error(t, err)
}

func TestHTTPTrackerAnnounceParsesCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "1", r.URL.Query().Get("compact"))
		body, err := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"complete": int64(3),
			"peers":    string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
		})
		require.NoError(t, err)
		w.Write(body)
	}))
	defer srv.Close()

	tr, err := New(srv.URL, NewConfig(0))
	require.NoError(t, err)
	defer tr.Close()

	var infoHash, peerID [20]byte
	resp, err := tr.Announce(context.Background(), &Request{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Event:    EventStarted,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"127.0.0.1:6881"}, resp.Peers)
	require.Equal(t, 3, resp.Seeders)
}

func TestHTTPTrackerAnnounceSurfacesFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]any{"failure reason": "torrent not registered"})
		w.Write(body)
	}))
	defer srv.Close()

	tr, err := New(srv.URL, NewConfig(0))
	require.NoError(t, err)
	defer tr.Close()

	var infoHash, peerID [20]byte
	_, err = tr.Announce(context.Background(), &Request{InfoHash: infoHash, PeerID: peerID})
	require.Error(t, err)
	require.Contains(t, err.Error(), "torrent not registered")
}

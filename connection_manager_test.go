package torrent

import (
	"net"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/peer_protocol"
	"github.com/quietswarm/torrent/piece"
)

func newUnchokeableSession(t *testing.T, addr string) *PeerSession {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go func() {
		dec := peer_protocol.Decoder{R: b, NumPieces: 1}
		for {
			if _, err := dec.ReadMsg(); err != nil {
				return
			}
		}
	}()
	s := NewPeerSession(piece.PeerID(addr), PeerSessionConfig{
		Conn:         a,
		ClientConfig: NewDefaultClientConfig(),
		Logger:       log.Default,
	})
	s.peerInterested = true
	return s
}

func TestTickUnchokesTopScorersAndOneOptimistic(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cfg.UploadSlots = 2 // 1 regular slot + 1 optimistic
	cm := NewConnectionManager(cfg, nil, func() bool { return false })

	addrs := []string{"a", "b", "c"}
	sessions := make(map[string]*PeerSession, len(addrs))
	for i, addr := range addrs {
		s := newUnchokeableSession(t, addr)
		s.downloadRateEMA = float64(i) // c scores highest
		sessions[addr] = s
		require.True(t, cm.Admit(addr, s))
	}

	cm.Tick()

	require.False(t, sessions["c"].amChoking, "highest scorer should be unchoked")
	require.NotEqual(t, sessions["a"].amChoking, sessions["b"].amChoking, "exactly one of the other two peers should hold the optimistic slot")
}

func TestReportHashFailureBansAfterThreeStrikes(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cm := NewConnectionManager(cfg, newMetrics(nil), func() bool { return false })
	s := newUnchokeableSession(t, "x")
	require.True(t, cm.Admit("x", s))

	cm.ReportHashFailure([]string{"x"})
	cm.ReportHashFailure([]string{"x"})
	require.Equal(t, 1, cm.Len())

	cm.ReportHashFailure([]string{"x"})
	require.Equal(t, 0, cm.Len(), "third strike within the hour should ban and evict")

	require.True(t, cm.IsBanned(stringAddr("x")), "banned addr should report banned")
	require.False(t, cm.Admit("x", newUnchokeableSession(t, "x")), "banned addr must not be re-admitted")
}

func TestAdmitRejectsDuplicateAddr(t *testing.T) {
	cfg := NewDefaultClientConfig()
	cm := NewConnectionManager(cfg, nil, func() bool { return false })
	s := newUnchokeableSession(t, "dup")
	require.True(t, cm.Admit("dup", s))
	require.False(t, cm.Admit("dup", s))
}

package torrent

import (
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/metainfo"
	"github.com/quietswarm/torrent/peer_protocol"
	"github.com/quietswarm/torrent/piece"
)

func fullBitfield(n int) *roaring.Bitmap {
	bm := roaring.New()
	for i := 0; i < n; i++ {
		bm.Add(uint32(i))
	}
	return bm
}

func onePieceInfo(t *testing.T) *metainfo.TorrentInfo {
	t.Helper()
	p0 := make([]byte, piece.BlockSize)
	h0 := sha1.Sum(p0)
	return &metainfo.TorrentInfo{
		Name:        "greeting.bin",
		PieceLength: piece.BlockSize,
		Pieces:      [][20]byte{h0},
		TotalLength: piece.BlockSize,
		Files:       []metainfo.FileEntry{{Path: []string{"greeting.bin"}, Length: piece.BlockSize}},
	}
}

func newTestSessionPair(t *testing.T) (*PeerSession, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	pm := piece.New(onePieceInfo(t), log.Default)
	cfg := NewDefaultClientConfig()
	var infoHash [20]byte
	s := NewPeerSession(piece.PeerID("remote"), PeerSessionConfig{
		Conn:         a,
		InfoHash:     infoHash,
		LocalPeerID:  [20]byte{1},
		PieceMap:     pm,
		ClientConfig: cfg,
		Logger:       log.Default,
	})
	return s, b
}

func TestHandshakeRejectsInfoHashMismatch(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- s.Handshake(context.Background()) }()

	_, err := peer_protocol.ReadHandshake(b) // drain our own outbound handshake
	require.NoError(t, err)

	var mismatched [20]byte
	mismatched[0] = 0xff
	hs := peer_protocol.Handshake{InfoHash: mismatched, PeerID: [20]byte{2}}
	require.NoError(t, hs.WriteTo(b))

	err = <-done
	require.Error(t, err)
}

func TestHandshakeRejectsSelfConnection(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer b.Close()

	done := make(chan error, 1)
	go func() { done <- s.Handshake(context.Background()) }()

	_, err := peer_protocol.ReadHandshake(b) // drain our own outbound handshake
	require.NoError(t, err)

	hs := peer_protocol.Handshake{InfoHash: [20]byte{}, PeerID: [20]byte{1}}
	require.NoError(t, hs.WriteTo(b))

	err = <-done
	require.ErrorIs(t, err, errSelfConnection)
}

func TestSendHaveIfMissingSkipsKnownPiece(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	s.remoteBitfield = fullBitfield(1)
	require.NoError(t, s.SendHaveIfMissing(0))

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		dec := peer_protocol.Decoder{R: b, NumPieces: 1}
		b.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		_, err := dec.ReadMsg()
		require.Error(t, err) // deadline exceeded: no HAVE was sent
	}()
	<-readDone
}

func TestOnPieceDeliversToMapAndFiresCallback(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	completed := make(chan int, 1)
	s.onPieceComplete = func(index int) { completed <- index }

	data := make([]byte, piece.BlockSize)
	msg := peer_protocol.MakePieceMessage(0, 0, data)
	require.NoError(t, s.handle(msg))

	select {
	case idx := <-completed:
		require.Equal(t, 0, idx)
	case <-time.After(time.Second):
		t.Fatal("piece completion callback never fired")
	}
	require.Equal(t, piece.Complete, s.pm.State(0))
}

func TestOnBitfieldIgnoresSecondMessage(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	s.onBitfield([]bool{true})
	require.Equal(t, 1, s.pm.Availability(0))

	s.onBitfield([]bool{true})
	require.Equal(t, 1, s.pm.Availability(0), "a second BITFIELD must not double-count availability")
}

func TestCancelAllOutstandingReleasesPieceMapBlock(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	idx, off, _, ok := s.pm.NextRequest(s.id, fullBitfield(1), true)
	require.True(t, ok)
	s.outstanding[blockKey{Piece: idx, Offset: off}] = time.Now().Add(time.Minute)
	require.Equal(t, piece.InFlight, s.pm.State(idx))

	s.mu.Lock()
	s.cancelAllOutstanding()
	s.mu.Unlock()

	require.Equal(t, piece.Missing, s.pm.State(idx), "choke must release the block back to PieceMap")
	_, _, _, ok = s.pm.NextRequest(piece.PeerID("other"), fullBitfield(1), false)
	require.True(t, ok, "released block must be requestable by a different peer")
}

func TestExpireOutstandingReleasesTimedOutBlock(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	idx, off, _, ok := s.pm.NextRequest(s.id, fullBitfield(1), true)
	require.True(t, ok)
	s.outstanding[blockKey{Piece: idx, Offset: off}] = time.Now().Add(-time.Second)

	s.ExpireOutstanding()

	require.Equal(t, piece.Missing, s.pm.State(idx), "an expired request must release its block")
	require.Empty(t, s.outstanding)
}

func TestCancelRequestDropsOwnOutstandingWithoutTouchingPieceMap(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	idx, off, _, ok := s.pm.NextRequest(s.id, fullBitfield(1), true)
	require.True(t, ok)
	s.outstanding[blockKey{Piece: idx, Offset: off}] = time.Now().Add(time.Minute)

	s.CancelRequest(idx, off)

	require.Empty(t, s.outstanding, "CancelRequest must clear the session's own bookkeeping")
	require.Equal(t, piece.InFlight, s.pm.State(idx), "CancelRequest must not touch PieceMap; the block is already Received elsewhere")
}

func TestSetChokedTogglesStateOnce(t *testing.T) {
	s, b := newTestSessionPair(t)
	defer func() { s.Close(CloseGraceful); b.Close() }()

	go func() {
		dec := peer_protocol.Decoder{R: b, NumPieces: 1}
		for {
			if _, err := dec.ReadMsg(); err != nil {
				return
			}
		}
	}()

	require.NoError(t, s.SetChoked(false))
	require.False(t, s.amChoking)
	require.NoError(t, s.SetChoked(false)) // idempotent, no duplicate send
}

package piece

import (
	"crypto/sha1"
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/metainfo"
)

// twoPieceInfo builds a small two-piece fixture directly (without going
// through bencode), matching metainfo's own fixture.
func twoPieceInfo(t *testing.T) *metainfo.TorrentInfo {
	t.Helper()
	p0 := make([]byte, BlockSize*2) // two pieces of two blocks each, 16 KiB blocks
	p1 := make([]byte, BlockSize*2)
	for i := range p1 {
		p1[i] = 1
	}
	h0 := sha1.Sum(p0)
	h1 := sha1.Sum(p1)
	return &metainfo.TorrentInfo{
		Name:        "greeting.bin",
		PieceLength: BlockSize * 2,
		Pieces:      [][20]byte{h0, h1},
		TotalLength: BlockSize * 4,
		Files:       []metainfo.FileEntry{{Path: []string{"greeting.bin"}, Length: BlockSize * 4}},
	}
}

func fullBitfield(n int) *roaring.Bitmap {
	bm := roaring.New()
	for i := 0; i < n; i++ {
		bm.Add(uint32(i))
	}
	return bm
}

func TestNextRequestHonorsRarestFirst(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	m.Have(0) // piece 0 now availability 1, piece 1 availability 0 (rarer)

	peer := PeerID("peerA")
	idx, off, ln, ok := m.NextRequest(peer, fullBitfield(2), false)
	require.True(t, ok)
	require.Equal(t, 1, idx, "rarest piece (availability 0) should be picked over availability 1")
	require.Equal(t, int64(0), off)
	require.Equal(t, int64(BlockSize), ln)
}

func TestDeliverCompletesAndVerifiesPiece(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	peer := PeerID("peerA")

	p0 := make([]byte, BlockSize*2)
	for b := 0; b < 2; b++ {
		idx, off, ln, ok := m.NextRequest(peer, fullBitfield(2), false)
		require.True(t, ok)
		require.Equal(t, 0, idx)
		res, err := m.Deliver(peer, idx, off, p0[off:off+ln])
		require.NoError(t, err)
		if b == 0 {
			require.Equal(t, Accepted, res.Outcome)
			require.Equal(t, InFlight, m.State(0))
		} else {
			require.Equal(t, Accepted, res.Outcome)
			require.Equal(t, Complete, m.State(0))
		}
	}
	broadcast := m.PendingBroadcast()
	require.Equal(t, []int{0}, broadcast)
	require.Empty(t, m.PendingBroadcast(), "drain is one-shot")
}

func TestDeliverRejectsHashMismatchAndResets(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	peer := PeerID("peerA")

	garbage := make([]byte, BlockSize*2)
	garbage[0] = 0xff // corrupt relative to the all-zero fixture for piece 0
	for b := 0; b < 2; b++ {
		idx, off, ln, ok := m.NextRequest(peer, fullBitfield(2), false)
		require.True(t, ok)
		res, err := m.Deliver(peer, idx, off, garbage[off:off+ln])
		require.NoError(t, err)
		if b == 0 {
			require.Equal(t, Accepted, res.Outcome)
		} else {
			require.Equal(t, Rejected, res.Outcome)
			require.True(t, res.HashFailure)
			require.Equal(t, []PeerID{peer}, res.Contributors)
		}
	}
	require.Equal(t, Missing, m.State(0), "failed piece reverts to Missing, not InFlight")
	_, _, _, ok := m.NextRequest(peer, fullBitfield(2), false)
	require.True(t, ok, "blocks must be requestable again after a hash failure")
}

func TestDeliverRejectsDuplicateAndOutOfBounds(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	peer := PeerID("peerA")
	data := make([]byte, BlockSize)

	res, err := m.Deliver(peer, 0, 0, data)
	require.NoError(t, err)
	require.Equal(t, Accepted, res.Outcome)

	res, err = m.Deliver(peer, 0, 0, data)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)

	_, err = m.Deliver(peer, 99, 0, data)
	require.ErrorIs(t, err, ErrOutOfBounds)

	_, err = m.Deliver(peer, 0, 0, data[:10])
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestAvailabilityTracksHaveAndPeerGone(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	m.Have(0)
	m.Have(0)
	require.Equal(t, 2, m.Availability(0))

	bits := roaring.New()
	bits.Add(0)
	m.PeerGone(bits)
	require.Equal(t, 1, m.Availability(0))
}

func TestEndgameAllowsDuplicateRequesters(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	m.EndgameThreshold = 3 // with only 2 pieces total, this is immediately in endgame

	idx1, off1, _, ok := m.NextRequest(PeerID("a"), fullBitfield(2), true)
	require.True(t, ok)

	// Restrict peer b's bitfield to only the piece peer a just claimed, so
	// the pick is forced rather than left to the random-first-piece tie.
	onlyIdx1 := roaring.New()
	onlyIdx1.Add(uint32(idx1))
	idx2, off2, _, ok := m.NextRequest(PeerID("b"), onlyIdx1, false)
	require.True(t, ok)
	require.Equal(t, idx1, idx2)
	require.Equal(t, off1, off2, "endgame lets a second peer claim the same already-requested block")
}

func TestReleaseRequestUnsticksAChokedPeersBlock(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	peer := PeerID("peerA")

	idx, off, _, ok := m.NextRequest(peer, fullBitfield(2), false)
	require.True(t, ok)
	require.Equal(t, InFlight, m.State(idx))

	// Outside endgame, maxDup is 1: neither this peer nor anyone else can
	// request the same block again until it's released.
	_, _, _, ok = m.NextRequest(peer, fullBitfield(2), false)
	require.True(t, ok, "peer should be able to move to a different block")

	m.ReleaseRequest(peer, idx, off)
	require.Equal(t, InFlight, m.State(idx), "piece stays InFlight while this peer still holds its other block")

	idx2, off2, _, ok := m.NextRequest(PeerID("peerB"), fullBitfield(2), false)
	require.True(t, ok)
	require.Equal(t, idx, idx2)
	require.Equal(t, off, off2, "released block must be requestable again by a different peer")
}

func TestDeliverReportsOtherRequestersInEndgame(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	m.EndgameThreshold = 3 // with only 2 pieces total, this is immediately in endgame

	idx, off, ln, ok := m.NextRequest(PeerID("a"), fullBitfield(2), false)
	require.True(t, ok)
	idx2, off2, _, ok := m.NextRequest(PeerID("b"), fullBitfield(2), false)
	require.True(t, ok)
	require.Equal(t, idx, idx2)
	require.Equal(t, off, off2)

	data := make([]byte, ln)
	res, err := m.Deliver(PeerID("a"), idx, off, data)
	require.NoError(t, err)
	require.Equal(t, []PeerID{PeerID("b")}, res.OtherRequesters, "peer b's outstanding request on the now-received block should be reported for a CANCEL")

	res, err = m.Deliver(PeerID("b"), idx, off, data)
	require.NoError(t, err)
	require.Equal(t, Duplicate, res.Outcome)
	require.Empty(t, res.OtherRequesters, "a duplicate delivery reports nothing to cancel")
}

func TestSnapshotRestoreReverifiesPieces(t *testing.T) {
	info := twoPieceInfo(t)
	m := New(info, log.Default)
	peer := PeerID("peerA")
	zero := make([]byte, BlockSize*2)
	for b := 0; b < 2; b++ {
		idx, off, ln, _ := m.NextRequest(peer, fullBitfield(2), false)
		m.Deliver(peer, idx, off, zero[off:off+ln])
	}
	require.Equal(t, Complete, m.State(0))

	rr := m.Snapshot()
	require.True(t, rr.Bitfield.Contains(0))

	m2 := New(info, log.Default)
	err := m2.Restore(rr, func(index int) ([]byte, error) {
		return zero, nil // piece 0's bytes really do hash to H[0]
	})
	require.NoError(t, err)
	require.Equal(t, Complete, m2.State(0))
}

// Package piece implements PieceMap: the sole owner of piece/block state
// and the availability vector. Piece selection is built on the rarest-first
// ordering in github.com/quietswarm/torrent/internal/requeststrategy and
// the per-peer piece bitmaps also used by PeerSession, narrowed from a
// multi-torrent client-wide ordering down to a single-torrent contract.
package piece

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"math/rand"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"

	"github.com/quietswarm/torrent/internal/requeststrategy"
	"github.com/quietswarm/torrent/metainfo"
)

// BlockSize is the fixed request granularity, 16 KiB.
const BlockSize = 16384

// State is a piece's lifecycle stage.
type State int

const (
	Missing State = iota
	InFlight
	Complete
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InFlight:
		return "inflight"
	case Complete:
		return "complete"
	default:
		return "unknown"
	}
}

type blockState int

const (
	notRequested blockState = iota
	requested
	received
)

// PeerID identifies a requester for bookkeeping (I3's maxDup accounting and
// hash-failure trust decrement). Sessions pass their own stable key, e.g.
// the remote socket address.
type PeerID string

type block struct {
	state      blockState
	requesters map[PeerID]struct{}
}

type pieceEntry struct {
	state   State
	blocks  []block
	buf     []byte // assembled bytes, allocated lazily on first delivered block
	nrecv   int
}

// DeliverOutcome is the result of Deliver.
type DeliverOutcome int

const (
	Accepted DeliverOutcome = iota
	Duplicate
	Rejected
)

// DeliverResult reports what Deliver did, plus (on a hash failure) which
// peers contributed a block to the piece that failed verification so the
// caller (ConnectionManager) can apply a trust decrement to each, and (on an
// endgame duplicate-request resolution) which other peers were still holding
// an outstanding request for the now-Received block, so the caller can fan
// out a CANCEL to them.
type DeliverResult struct {
	Outcome         DeliverOutcome
	HashFailure     bool
	Contributors    []PeerID
	OtherRequesters []PeerID
}

var (
	ErrOutOfBounds   = errors.New("piece: block out of bounds")
	ErrLengthMismatch = errors.New("piece: block length mismatch")
)

// Map is PieceMap. The zero value is not usable; call New.
//
// PieceMap is conceptually mutated by a single cooperative engine thread,
// needing no lock. This module runs each PeerSession on its own goroutine
// instead, so mu serializes access across them; it is the Go-idiomatic
// rendering of the same invariant (exactly one mutator section active at
// a time), not a contradiction of it.
type Map struct {
	mu    sync.Mutex
	info  *metainfo.TorrentInfo
	rng   *rand.Rand
	log   log.Logger

	entries      []pieceEntry
	availability []int32
	order        *requeststrategy.Order
	complete     *roaring.Bitmap
	dirty        []int // newly Complete since last pending_broadcast drain

	// EndgameThreshold and MaxDupEndgame bound duplicate requests: MaxDup
	// is 1 outside endgame, MaxDupEndgame once fewer than EndgameThreshold
	// pieces remain Missing/InFlight.
	EndgameThreshold int
	MaxDupEndgame    int
}

// New builds a PieceMap for info with every piece Missing.
func New(info *metainfo.TorrentInfo, logger log.Logger) *Map {
	m := &Map{
		info:             info,
		rng:              rand.New(rand.NewSource(1)),
		log:              logger,
		entries:          make([]pieceEntry, info.NumPieces()),
		availability:     make([]int32, info.NumPieces()),
		order:            requeststrategy.New(),
		complete:         roaring.New(),
		EndgameThreshold: 8,
		MaxDupEndgame:    3,
	}
	for i := range m.entries {
		m.entries[i].blocks = make([]block, numBlocks(info.PieceLengthAt(i)))
		m.order.Set(i, 0)
	}
	return m
}

func numBlocks(pieceLen int64) int {
	return int((pieceLen + BlockSize - 1) / BlockSize)
}

func (m *Map) blockLength(piece, block int) int64 {
	pieceLen := m.info.PieceLengthAt(piece)
	start := int64(block) * BlockSize
	if end := start + BlockSize; end > pieceLen {
		return pieceLen - start
	}
	return BlockSize
}

func (m *Map) maxDup() int {
	remaining := 0
	for i := range m.entries {
		if m.entries[i].state != Complete {
			remaining++
		}
	}
	if remaining > 0 && remaining < m.EndgameThreshold {
		return m.MaxDupEndgame
	}
	return 1
}

// NextRequest implements next_request(peer_bitfield): it picks the
// globally rarest piece the peer has that isn't Complete, applies the
// "Random First Piece" override for a session's first call, and returns
// the lowest-offset block in that piece not already at the maxDup cap.
// The returned bool is false when nothing can be requested right now.
func (m *Map) NextRequest(peer PeerID, peerBitfield *roaring.Bitmap, isFirstForSession bool) (pieceIndex int, blockOffset int64, blockLength int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := m.maxDup()

	tryPiece := func(idx int) (int64, int64, bool) {
		if idx < 0 || idx >= len(m.entries) || m.entries[idx].state == Complete {
			return 0, 0, false
		}
		if !peerBitfield.Contains(uint32(idx)) {
			return 0, 0, false
		}
		entry := &m.entries[idx]
		for b := range entry.blocks {
			bl := &entry.blocks[b]
			if bl.state == received {
				continue
			}
			if bl.state == notRequested {
				return int64(b) * BlockSize, m.blockLength(idx, b), true
			}
			if len(bl.requesters) < limit {
				if _, already := bl.requesters[peer]; !already {
					return int64(b) * BlockSize, m.blockLength(idx, b), true
				}
			}
		}
		return 0, 0, false
	}

	if isFirstForSession {
		candidates := m.order.RarestN(4)
		var filtered []int
		for _, c := range candidates {
			if peerBitfield.Contains(uint32(c)) && m.entries[c].state != Complete {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			pick := filtered[m.rng.Intn(len(filtered))]
			if off, ln, found := tryPiece(pick); found {
				m.markRequested(pick, int(off/BlockSize), peer)
				return pick, off, ln, true
			}
		}
	}

	found := false
	m.order.Rarest(func(idx int) bool {
		if off, ln, ok := tryPiece(idx); ok {
			pieceIndex, blockOffset, blockLength = idx, off, ln
			found = true
			return false
		}
		return true
	})
	if found {
		m.markRequested(pieceIndex, int(blockOffset/BlockSize), peer)
	}
	return pieceIndex, blockOffset, blockLength, found
}

func (m *Map) markRequested(piece, block int, peer PeerID) {
	bl := &m.entries[piece].blocks[block]
	bl.state = requested
	if bl.requesters == nil {
		bl.requesters = make(map[PeerID]struct{}, 1)
	}
	bl.requesters[peer] = struct{}{}
	if m.entries[piece].state == Missing {
		m.entries[piece].state = InFlight
	}
}

// ReleaseRequest implements on-choke/on-disconnect release (§4.2): it drops
// peer from a requested block's requesters and, once no requester remains,
// returns the block to NotRequested so it (or its piece, if this was the
// block's only activity) becomes requestable again. Without this, a block
// a choked or disconnected peer was holding stays permanently stuck at the
// maxDup cap and its piece can never complete.
func (m *Map) ReleaseRequest(peer PeerID, piece int, offset int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return
	}
	entry := &m.entries[piece]
	if offset < 0 || offset%BlockSize != 0 {
		return
	}
	b := int(offset / BlockSize)
	if b >= len(entry.blocks) {
		return
	}
	bl := &entry.blocks[b]
	if bl.state != requested {
		return
	}
	delete(bl.requesters, peer)
	if len(bl.requesters) == 0 {
		bl.state = notRequested
	}
	if entry.state == InFlight && !entryHasProgress(entry) {
		entry.state = Missing
	}
}

// entryHasProgress reports whether any block of entry has been requested or
// received, i.e. whether the piece still warrants InFlight over Missing.
func entryHasProgress(entry *pieceEntry) bool {
	for i := range entry.blocks {
		if entry.blocks[i].state != notRequested {
			return true
		}
	}
	return false
}

// Deliver implements deliver(peer, piece_index, block_offset, bytes),
// returning whether the block was Accepted, a Duplicate, or Rejected. peer
// identifies the deliverer so that, in endgame (maxDup > 1), any other
// peers still holding an outstanding request for this same block can be
// reported back via DeliverResult.OtherRequesters for a CANCEL fan-out.
func (m *Map) Deliver(peer PeerID, piece int, offset int64, data []byte) (DeliverResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return DeliverResult{Outcome: Rejected}, ErrOutOfBounds
	}
	entry := &m.entries[piece]
	if entry.state == Complete {
		return DeliverResult{Outcome: Rejected}, nil
	}
	if offset < 0 || offset%BlockSize != 0 {
		return DeliverResult{Outcome: Rejected}, ErrOutOfBounds
	}
	b := int(offset / BlockSize)
	if b >= len(entry.blocks) {
		return DeliverResult{Outcome: Rejected}, ErrOutOfBounds
	}
	if int64(len(data)) != m.blockLength(piece, b) {
		return DeliverResult{Outcome: Rejected}, ErrLengthMismatch
	}
	bl := &entry.blocks[b]
	if bl.state == received {
		return DeliverResult{Outcome: Duplicate}, nil
	}

	others := otherRequesters(bl, peer)

	if entry.buf == nil {
		entry.buf = make([]byte, m.info.PieceLengthAt(piece))
	}
	copy(entry.buf[offset:], data)
	bl.state = received
	entry.nrecv++

	if entry.nrecv < len(entry.blocks) {
		return DeliverResult{Outcome: Accepted, OtherRequesters: others}, nil
	}

	// Last block: verify the assembled piece.
	contributors := collectContributors(entry)
	sum := sha1.Sum(entry.buf)
	if !bytes.Equal(sum[:], m.info.Pieces[piece][:]) {
		m.resetPiece(piece)
		m.log.Levelf(log.Warning, "piece %d failed hash verification", piece)
		return DeliverResult{Outcome: Rejected, HashFailure: true, Contributors: contributors}, nil
	}

	entry.state = Complete
	m.order.Remove(piece)
	m.complete.Add(uint32(piece))
	m.dirty = append(m.dirty, piece)
	return DeliverResult{Outcome: Accepted, OtherRequesters: others}, nil
}

// otherRequesters returns the peers holding an outstanding request on bl
// other than exclude, for an endgame CANCEL fan-out.
func otherRequesters(bl *block, exclude PeerID) []PeerID {
	if len(bl.requesters) == 0 {
		return nil
	}
	var out []PeerID
	for p := range bl.requesters {
		if p != exclude {
			out = append(out, p)
		}
	}
	return out
}

func collectContributors(entry *pieceEntry) []PeerID {
	seen := make(map[PeerID]struct{})
	var out []PeerID
	for i := range entry.blocks {
		for p := range entry.blocks[i].requesters {
			if _, ok := seen[p]; !ok {
				seen[p] = struct{}{}
				out = append(out, p)
			}
		}
	}
	return out
}

// resetPiece discards a failed piece's data (I4) and returns its blocks to
// NotRequested (I2 does not apply, since it never reached Complete).
func (m *Map) resetPiece(piece int) {
	entry := &m.entries[piece]
	entry.buf = nil
	entry.nrecv = 0
	entry.state = Missing
	for i := range entry.blocks {
		entry.blocks[i] = block{}
	}
}

// PieceBytes returns the assembled, verified bytes of a Complete piece,
// for the file manager to commit to disk (I4).
func (m *Map) PieceBytes(piece int) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return nil, false
	}
	entry := &m.entries[piece]
	if entry.state != Complete {
		return nil, false
	}
	return entry.buf, true
}

// ReleasePieceBytes drops the in-memory copy of a Complete piece once the
// file manager has committed it, so completed torrents don't hold the
// whole payload in RAM.
func (m *Map) ReleasePieceBytes(piece int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return
	}
	m.entries[piece].buf = nil
}

// Have updates the availability vector on a HAVE message.
func (m *Map) Have(piece int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.have(piece)
}

func (m *Map) have(piece int) {
	if piece < 0 || piece >= len(m.entries) {
		return
	}
	m.availability[piece]++
	if m.entries[piece].state != Complete {
		m.order.Set(piece, int(m.availability[piece]))
	}
}

// Bitfield updates the availability vector for every bit set in bits.
func (m *Map) Bitfield(bits *roaring.Bitmap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := bits.Iterator()
	for it.HasNext() {
		m.have(int(it.Next()))
	}
}

// PeerGone decrements the availability vector for every piece the
// disconnecting peer claimed to have.
func (m *Map) PeerGone(bits *roaring.Bitmap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it := bits.Iterator()
	for it.HasNext() {
		piece := int(it.Next())
		if piece < 0 || piece >= len(m.entries) {
			continue
		}
		if m.availability[piece] > 0 {
			m.availability[piece]--
		}
		if m.entries[piece].state != Complete {
			m.order.Set(piece, int(m.availability[piece]))
		}
	}
}

// PendingBroadcast drains the set of pieces that newly became Complete
// since the last call, for HAVE dissemination.
func (m *Map) PendingBroadcast() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.dirty
	m.dirty = nil
	return out
}

// State reports a single piece's lifecycle stage.
func (m *Map) State(piece int) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return Missing
	}
	return m.entries[piece].state
}

// NumPieces returns P.
func (m *Map) NumPieces() int { return len(m.entries) }

// Availability returns A[i], the number of connected peers known to have
// piece i.
func (m *Map) Availability(piece int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if piece < 0 || piece >= len(m.entries) {
		return 0
	}
	return int(m.availability[piece])
}

// Bitmap returns a snapshot roaring.Bitmap of locally Complete pieces, in
// the same representation exchanged as the wire Bitfield.
func (m *Map) Bitmap() *roaring.Bitmap {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete.Clone()
}

// Done reports whether every piece is Complete.
func (m *Map) Done() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete.GetCardinality() == uint64(len(m.entries))
}

var ErrResumeMismatch = errors.New("piece: resume record piece count does not match torrent info")

// Snapshot implements snapshot() → ResumeRecord.
func (m *Map) Snapshot() ResumeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ResumeRecord{
		InfoHash: m.info.InfoHash,
		Bitfield: m.complete.Clone(),
	}
}

// Restore implements restore(ResumeRecord): verify re-hashes every piece
// the record claims is Complete, via readPiece, and downgrades any
// mismatch to Missing rather than trusting the record blindly.
func (m *Map) Restore(rr ResumeRecord, readPiece func(index int) ([]byte, error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rr.InfoHash != m.info.InfoHash {
		return ErrResumeMismatch
	}
	it := rr.Bitfield.Iterator()
	for it.HasNext() {
		piece := int(it.Next())
		if piece < 0 || piece >= len(m.entries) {
			continue
		}
		data, err := readPiece(piece)
		if err != nil {
			continue
		}
		sum := sha1.Sum(data)
		if bytes.Equal(sum[:], m.info.Pieces[piece][:]) {
			m.entries[piece].state = Complete
			m.order.Remove(piece)
			m.complete.Add(uint32(piece))
		} else {
			m.log.Levelf(log.Warning, "resume record piece %d failed reverification, marking missing", piece)
		}
	}
	return nil
}

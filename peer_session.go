package torrent

import (
	"bytes"
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/log"

	"github.com/quietswarm/torrent/bencode"
	"github.com/quietswarm/torrent/peer_protocol"
	"github.com/quietswarm/torrent/piece"
)

// sessionState is PeerSession's position in its handshake/negotiation
// state machine.
type sessionState int

const (
	stateNew sessionState = iota
	stateHandshakeSent
	stateHandshakeOK
	stateExtendedNegotiated
	stateMetadataFetch
	stateRunning
	stateClosed
)

type blockKey struct {
	Piece  int
	Offset int64
}

// PeerSession is one connected peer. It owns its socket,
// request queue, and rate counters; it holds a non-owning reference to
// PieceMap for block allocation and delivery.
type PeerSession struct {
	mu sync.Mutex

	id         piece.PeerID
	conn       io.ReadWriteCloser
	dec        *peer_protocol.Decoder
	remoteAddr net.Addr

	infoHash     [20]byte
	localPeerID  [20]byte
	remotePeerID [20]byte
	reserved     peer_protocol.Reserved

	state sessionState

	amChoking, amInterested     bool
	peerChoking, peerInterested bool

	remoteBitfield   *roaring.Bitmap
	bitfieldReceived bool // guards against a second BITFIELD double-counting availability

	remoteExtended map[peer_protocol.ExtensionName]peer_protocol.ExtendedID
	localExtended  map[peer_protocol.ExtensionName]peer_protocol.ExtendedID

	cfg         *ClientConfig
	maxInFlight int
	outstanding map[blockKey]time.Time
	everSentUsPiece bool // remote has sent at least one PIECE, gates CANCEL

	downloadRateEMA, uploadRateEMA float64
	lastRateSample                 time.Time
	lastByteAt                     time.Time
	lastRequestAt                  time.Time // zero until the first REQUEST is sent

	lastPexAt time.Time

	pm *piece.Map

	onHashFailure       func(contributors []piece.PeerID)
	onPieceComplete     func(index int)
	onPexPeers          func(added []string)
	onMetadataPeerReady func(peer metadataSub, metadataSize int)
	onMetadataMessage   func(peer metadataSub, payload []byte) error
	onBytesDownloaded   func(n int)
	onBytesUploaded     func(n int)
	onBlockCancelNeeded func(pieceIdx int, offset int64, peers []piece.PeerID)

	closeCh     chan struct{}
	closeOnce   sync.Once
	CloseReason CloseReason

	logger log.Logger
}

// PeerSessionConfig bundles the construction-time dependencies a session
// needs from EngineLoop without giving it ownership of any of them.
type PeerSessionConfig struct {
	Conn        io.ReadWriteCloser
	RemoteAddr  net.Addr
	InfoHash    [20]byte
	LocalPeerID [20]byte
	PieceMap    *piece.Map // nil until MetadataFetch completes
	ClientConfig *ClientConfig
	Logger      log.Logger

	OnHashFailure       func(contributors []piece.PeerID)
	OnPieceComplete     func(index int)
	OnPexPeers          func(added []string)
	OnMetadataPeerReady func(peer metadataSub, metadataSize int)
	OnMetadataMessage   func(peer metadataSub, payload []byte) error
	OnBytesDownloaded   func(n int)
	OnBytesUploaded     func(n int)
	OnBlockCancelNeeded func(pieceIdx int, offset int64, peers []piece.PeerID)
}

func NewPeerSession(id piece.PeerID, c PeerSessionConfig) *PeerSession {
	return &PeerSession{
		id:              id,
		conn:            c.Conn,
		remoteAddr:      c.RemoteAddr,
		infoHash:        c.InfoHash,
		localPeerID:     c.LocalPeerID,
		cfg:             c.ClientConfig,
		pm:              c.PieceMap,
		logger:          c.Logger,
		amChoking:       true,
		peerChoking:     true,
		outstanding:     make(map[blockKey]time.Time),
		localExtended: map[peer_protocol.ExtensionName]peer_protocol.ExtendedID{
			peer_protocol.ExtensionNameMetadata: 1,
			peer_protocol.ExtensionNamePex:      2,
		},
		maxInFlight:     c.ClientConfig.DefaultInFlight,
		closeCh:         make(chan struct{}),
		onHashFailure:       c.OnHashFailure,
		onPieceComplete:     c.OnPieceComplete,
		onPexPeers:          c.OnPexPeers,
		onMetadataPeerReady: c.OnMetadataPeerReady,
		onMetadataMessage:   c.OnMetadataMessage,
		onBytesDownloaded:   c.OnBytesDownloaded,
		onBytesUploaded:     c.OnBytesUploaded,
		onBlockCancelNeeded: c.OnBlockCancelNeeded,
	}
}

var (
	errSelfConnection = &peer_protocol.ProtocolViolation{Reason: "handshake from self (matching peer id)"}
	errInfoHashMismatch = &peer_protocol.ProtocolViolation{Reason: "handshake infohash mismatch"}
)

// Handshake performs the outgoing half of BEP 3's handshake and validates
// the peer's response.
func (s *PeerSession) Handshake(ctx context.Context) error {
	s.state = stateHandshakeSent
	local := peer_protocol.Handshake{InfoHash: s.infoHash, PeerID: s.localPeerID}
	local.Reserved.SetExtended(true)
	local.Reserved.SetDHT(true)
	if err := local.WriteTo(s.conn); err != nil {
		return wrapErr(IOError, err, "writing handshake")
	}

	remote, err := peer_protocol.ReadHandshake(s.conn)
	if err != nil {
		return wrapErr(ProtocolError, err, "reading handshake")
	}
	return s.completeHandshake(remote)
}

// HandshakeOverEncrypted finishes the initiator's side of a handshake on a
// connection whose own BT handshake bytes already rode inside the MSE
// initial payload: nothing further is written, only the
// peer's reply is read and validated. It first swaps s.conn to conn,
// the mse.Conn.
func (s *PeerSession) HandshakeOverEncrypted(conn io.ReadWriteCloser) error {
	s.conn = conn
	remote, err := peer_protocol.ReadHandshake(s.conn)
	if err != nil {
		return wrapErr(ProtocolError, err, "reading handshake over encrypted stream")
	}
	return s.completeHandshake(remote)
}

// AcceptHandshakeOverEncrypted finishes the receiver's side: the peer's BT
// handshake already arrived decrypted as mse.Result.InitialPayload, so it's
// parsed directly rather than read off the wire; our own handshake still
// has to go out over the now-encrypted conn for the initiator to see.
func (s *PeerSession) AcceptHandshakeOverEncrypted(conn io.ReadWriteCloser, remoteHandshakeBytes []byte) error {
	s.conn = conn
	local := peer_protocol.Handshake{InfoHash: s.infoHash, PeerID: s.localPeerID}
	local.Reserved.SetExtended(true)
	local.Reserved.SetDHT(true)
	if err := local.WriteTo(s.conn); err != nil {
		return wrapErr(IOError, err, "writing handshake over encrypted stream")
	}
	remote, err := peer_protocol.ReadHandshake(bytes.NewReader(remoteHandshakeBytes))
	if err != nil {
		return wrapErr(ProtocolError, err, "decoding encrypted handshake payload")
	}
	return s.completeHandshake(remote)
}

func (s *PeerSession) completeHandshake(remote peer_protocol.Handshake) error {
	if remote.InfoHash != s.infoHash {
		return errInfoHashMismatch
	}
	if remote.PeerID == s.localPeerID {
		return errSelfConnection
	}
	s.remotePeerID = remote.PeerID
	s.reserved = remote.Reserved
	s.state = stateHandshakeOK

	numPieces := 0
	if s.pm != nil {
		numPieces = s.pm.NumPieces()
	}
	s.dec = &peer_protocol.Decoder{R: s.conn, NumPieces: numPieces}

	if s.reserved.SupportsExtended() {
		if err := s.sendExtendedHandshake(); err != nil {
			return err
		}
	}
	if s.pm == nil {
		s.state = stateMetadataFetch
	} else {
		s.state = stateRunning
	}
	return nil
}

func (s *PeerSession) sendExtendedHandshake() error {
	msg := peer_protocol.ExtendedHandshakeMessage{
		M:    s.localExtended,
		V:    "quietswarm 0.1.0",
		Reqq: s.cfg.MaxInFlightCeil,
	}
	body, err := bencode.Marshal(msg)
	if err != nil {
		return err
	}
	return s.write(peer_protocol.Message{
		Type:            peer_protocol.Extended,
		ExtendedID:      peer_protocol.ExtendedHandshakeID,
		ExtendedPayload: body,
	})
}

func (s *PeerSession) write(msg peer_protocol.Message) error {
	if err := msg.WriteTo(s.conn); err != nil {
		return wrapErr(IOError, err, "writing %v message", msg.Type)
	}
	if msg.Type == peer_protocol.Piece {
		s.uploadRateEMA = ema(s.uploadRateEMA, float64(len(msg.Piece)))
		if s.onBytesUploaded != nil {
			s.onBytesUploaded(len(msg.Piece))
		}
	}
	return nil
}

// Run is the session's read loop: decode one message at a time and
// dispatch, in receive order, until Close or a fatal error.
func (s *PeerSession) Run(ctx context.Context) error {
	defer s.Close(CloseGraceful)
	for {
		select {
		case <-s.closeCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := s.dec.ReadMsg()
		if err != nil {
			var pv *peer_protocol.ProtocolViolation
			if asProtocolViolation(err, &pv) {
				s.Close(CloseProtocolError)
				return wrapErr(ProtocolError, err, "session %s", s.id)
			}
			s.Close(CloseIOError)
			return wrapErr(IOError, err, "session %s", s.id)
		}
		if err := s.handle(msg); err != nil {
			return err
		}
		s.refillRequests()
	}
}

func asProtocolViolation(err error, target **peer_protocol.ProtocolViolation) bool {
	pv, ok := err.(*peer_protocol.ProtocolViolation)
	if ok {
		*target = pv
	}
	return ok
}

func (s *PeerSession) handle(msg peer_protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Keepalive {
		return nil
	}
	switch msg.Type {
	case peer_protocol.Choke:
		s.peerChoking = true
		s.cancelAllOutstanding()
	case peer_protocol.Unchoke:
		s.peerChoking = false
	case peer_protocol.Interested:
		s.peerInterested = true
	case peer_protocol.NotInterested:
		s.peerInterested = false
	case peer_protocol.Have:
		if s.pm != nil {
			s.pm.Have(int(msg.Index))
		}
		s.setRemoteBit(int(msg.Index))
	case peer_protocol.Bitfield:
		s.onBitfield(msg.Bitfield)
	case peer_protocol.Request:
		return s.onRequest(msg)
	case peer_protocol.Piece:
		s.everSentUsPiece = true
		return s.onPiece(msg)
	case peer_protocol.Cancel:
		// Outbound piece sends aren't queued in this implementation
		// (served synchronously from the file manager), so there's
		// nothing in-flight to cancel; accepted as a no-op.
	case peer_protocol.Port:
		// DHT port announcement: accepted and ignored; the announced port
		// is not passed on to the DHT node.
	case peer_protocol.Extended:
		return s.onExtended(msg)
	}
	return nil
}

func (s *PeerSession) onBitfield(bits []bool) {
	if s.bitfieldReceived {
		// BITFIELD may arrive at most once (§4.2); a repeat would
		// double-count the availability vector.
		return
	}
	s.bitfieldReceived = true
	bm := roaring.New()
	for i, b := range bits {
		if b {
			bm.Add(uint32(i))
		}
	}
	s.remoteBitfield = bm
	if s.pm != nil {
		s.pm.Bitfield(bm)
	}
}

func (s *PeerSession) setRemoteBit(index int) {
	if s.remoteBitfield == nil {
		s.remoteBitfield = roaring.New()
	}
	s.remoteBitfield.Add(uint32(index))
}

func (s *PeerSession) onRequest(msg peer_protocol.Message) error {
	if s.amChoking {
		return nil // ignore requests from a peer we're choking
	}
	if s.pm == nil || s.pm.State(int(msg.Index)) != piece.Complete {
		return nil
	}
	data, ok := s.pm.PieceBytes(int(msg.Index))
	if !ok {
		return nil
	}
	end := int64(msg.Begin) + int64(msg.Length)
	if end > int64(len(data)) {
		return &peer_protocol.ProtocolViolation{Reason: "request out of piece bounds"}
	}
	return s.write(peer_protocol.MakePieceMessage(msg.Index, msg.Begin, data[msg.Begin:end]))
}

func (s *PeerSession) onPiece(msg peer_protocol.Message) error {
	key := blockKey{Piece: int(msg.Index), Offset: int64(msg.Begin)}
	delete(s.outstanding, key)
	s.lastByteAt = time.Now()
	s.downloadRateEMA = ema(s.downloadRateEMA, float64(len(msg.Piece)))
	if s.onBytesDownloaded != nil {
		s.onBytesDownloaded(len(msg.Piece))
	}

	if s.pm == nil {
		return nil
	}
	res, err := s.pm.Deliver(s.id, int(msg.Index), int64(msg.Begin), msg.Piece)
	if err != nil {
		return wrapErr(ProtocolError, err, "delivering piece %d/%d", msg.Index, msg.Begin)
	}
	if res.HashFailure && s.onHashFailure != nil {
		s.onHashFailure(res.Contributors)
	}
	if len(res.OtherRequesters) > 0 && s.onBlockCancelNeeded != nil {
		s.onBlockCancelNeeded(int(msg.Index), int64(msg.Begin), res.OtherRequesters)
	}
	if res.Outcome == piece.Accepted && s.pm.State(int(msg.Index)) == piece.Complete && s.onPieceComplete != nil {
		s.onPieceComplete(int(msg.Index))
	}
	return nil
}

func (s *PeerSession) onExtended(msg peer_protocol.Message) error {
	if msg.ExtendedID == peer_protocol.ExtendedHandshakeID {
		var hs peer_protocol.ExtendedHandshakeMessage
		if err := bencode.Unmarshal(msg.ExtendedPayload, &hs); err != nil {
			return &peer_protocol.ProtocolViolation{Reason: "malformed extended handshake"}
		}
		s.remoteExtended = hs.M
		s.state = stateExtendedNegotiated
		if s.pm == nil && hs.MetadataSize > 0 && s.onMetadataPeerReady != nil {
			if sub, ok := s.metadataSub(); ok {
				s.onMetadataPeerReady(sub, hs.MetadataSize)
			}
		}
		return nil
	}
	for name, id := range s.localExtended {
		if id != msg.ExtendedID {
			continue
		}
		switch name {
		case peer_protocol.ExtensionNamePex:
			return s.onPex(msg.ExtendedPayload)
		case peer_protocol.ExtensionNameMetadata:
			// Once s.pm is set (RUNNING), ut_metadata traffic is no longer
			// routed to MetadataFetcher and is a no-op.
			if s.onMetadataMessage == nil || s.pm != nil {
				return nil
			}
			sub, ok := s.metadataSub()
			if !ok {
				return nil
			}
			return s.onMetadataMessage(sub, msg.ExtendedPayload)
		}
	}
	return nil
}

// metadataSub builds the ut_metadata sub-endpoint MetadataFetcher sends
// requests to and receives data/reject through, bound to this session's
// remote-negotiated sub-id. send assumes the caller already holds s.mu,
// which is true of every call site (both run from inside handle()).
func (s *PeerSession) metadataSub() (metadataSub, bool) {
	id, ok := s.remoteExtended[peer_protocol.ExtensionNameMetadata]
	if !ok {
		return metadataSub{}, false
	}
	return metadataSub{addr: s.remoteAddr.String(), id: id, send: s.write}, true
}

func (s *PeerSession) onPex(payload []byte) error {
	var pex peer_protocol.PexMessage
	if err := bencode.Unmarshal(payload, &pex); err != nil {
		return &peer_protocol.ProtocolViolation{Reason: "malformed pex message"}
	}
	added := decodeCompactPeers([]byte(pex.Added))
	if s.onPexPeers != nil && len(added) > 0 {
		s.onPexPeers(added)
	}
	return nil
}

func decodeCompactPeers(b []byte) []string {
	var out []string
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(b[i : i+4])
		port := int(b[i+4])<<8 | int(b[i+5])
		out = append(out, net.JoinHostPort(ip.String(), strconv.Itoa(port)))
	}
	return out
}

// refillRequests tops up the request pipeline from PieceMap while
// unchoked.
func (s *PeerSession) refillRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peerChoking || s.pm == nil || s.remoteBitfield == nil {
		return
	}
	s.maxInFlight = s.computeMaxInFlight()
	for len(s.outstanding) < s.maxInFlight {
		first := len(s.outstanding) == 0 && s.lastRequestAt.IsZero()
		idx, off, ln, ok := s.pm.NextRequest(s.id, s.remoteBitfield, first)
		if !ok {
			return
		}
		key := blockKey{Piece: idx, Offset: off}
		if _, dup := s.outstanding[key]; dup {
			return
		}
		if err := s.write(peer_protocol.MakeRequestMessage(
			peer_protocol.Integer(idx), peer_protocol.Integer(off), peer_protocol.Integer(ln),
		)); err != nil {
			return
		}
		s.outstanding[key] = time.Now().Add(s.cfg.RequestTimeout)
		s.lastRequestAt = time.Now()
	}
}

// computeMaxInFlight implements the bandwidth-delay product adaptation:
// bytes_per_second × RTT / 16384, clamped to [4,128].
func (s *PeerSession) computeMaxInFlight() int {
	if s.downloadRateEMA <= 0 {
		return s.cfg.DefaultInFlight
	}
	rtt := 1.0 // seconds; a real RTT sampler would replace this estimate
	n := int(s.downloadRateEMA * rtt / piece.BlockSize)
	if n < s.cfg.MaxInFlightFloor {
		n = s.cfg.MaxInFlightFloor
	}
	if n > s.cfg.MaxInFlightCeil {
		n = s.cfg.MaxInFlightCeil
	}
	return n
}

// cancelAllOutstanding implements on-choke (and teardown) behavior: emit
// CANCEL only if this peer previously sent us a PIECE, and release every
// outstanding block back to PieceMap so it becomes requestable again from
// this or any other peer (§4.2's "on choke, conceptually cancel all
// outstanding … re-request elsewhere"). Without the ReleaseRequest call a
// choked or disconnected peer's blocks stay stuck at the maxDup cap forever.
func (s *PeerSession) cancelAllOutstanding() {
	for key := range s.outstanding {
		if s.everSentUsPiece {
			s.write(peer_protocol.MakeCancelMessage(
				peer_protocol.Integer(key.Piece), peer_protocol.Integer(key.Offset), piece.BlockSize,
			))
		}
		if s.pm != nil {
			s.pm.ReleaseRequest(s.id, key.Piece, key.Offset)
		}
	}
	s.outstanding = make(map[blockKey]time.Time)
}

// ExpireOutstanding releases back to PieceMap any block whose RequestTimeout
// deadline (§4.2) has passed without a PIECE arriving (sending CANCEL if the
// peer has sent a PIECE before), so a live-but-silent peer can't hold a
// pipeline slot and its PieceMap block indefinitely. It issues no new
// requests itself; refillRequests does that.
func (s *PeerSession) ExpireOutstanding() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for key, deadline := range s.outstanding {
		if now.Before(deadline) {
			continue
		}
		if s.everSentUsPiece {
			s.write(peer_protocol.MakeCancelMessage(
				peer_protocol.Integer(key.Piece), peer_protocol.Integer(key.Offset), piece.BlockSize,
			))
		}
		if s.pm != nil {
			s.pm.ReleaseRequest(s.id, key.Piece, key.Offset)
		}
		delete(s.outstanding, key)
	}
}

// CancelRequest drops a single block from this session's outstanding set
// without releasing it back to PieceMap, for the endgame case where another
// peer's delivery already moved the block to Received: PieceMap no longer
// has anything to release, this session just needs to stop waiting on it.
func (s *PeerSession) CancelRequest(pieceIdx int, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := blockKey{Piece: pieceIdx, Offset: offset}
	if _, ok := s.outstanding[key]; !ok {
		return
	}
	delete(s.outstanding, key)
	if s.everSentUsPiece {
		s.write(peer_protocol.MakeCancelMessage(
			peer_protocol.Integer(pieceIdx), peer_protocol.Integer(offset), piece.BlockSize,
		))
	}
}

// SendHaveIfMissing sends a HAVE only if the remote bitfield's bit for
// index is unset.
func (s *PeerSession) SendHaveIfMissing(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remoteBitfield != nil && s.remoteBitfield.Contains(uint32(index)) {
		return nil
	}
	return s.write(peer_protocol.MakeHaveMessage(peer_protocol.Integer(index)))
}

func (s *PeerSession) SetChoked(choked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.amChoking == choked {
		return nil
	}
	s.amChoking = choked
	t := peer_protocol.Unchoke
	if choked {
		t = peer_protocol.Choke
	}
	return s.write(peer_protocol.Message{Type: t})
}

func (s *PeerSession) SetInterested(interested bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.amInterested == interested {
		return nil
	}
	s.amInterested = interested
	t := peer_protocol.NotInterested
	if interested {
		t = peer_protocol.Interested
	}
	return s.write(peer_protocol.Message{Type: t})
}

// MaybeSendPex sends a PEX update no more than once every cfg.PEXInterval.
func (s *PeerSession) MaybeSendPex(added, dropped []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastPexAt) < s.cfg.PEXInterval {
		return nil
	}
	id, ok := s.remoteExtended[peer_protocol.ExtensionNamePex]
	if !ok {
		return nil
	}
	body, err := bencode.Marshal(peer_protocol.PexMessage{Added: string(added), Dropped: string(dropped)})
	if err != nil {
		return err
	}
	s.lastPexAt = time.Now()
	return s.write(peer_protocol.Message{Type: peer_protocol.Extended, ExtendedID: id, ExtendedPayload: body})
}

// SendKeepAlive writes a zero-length keep-alive message, on EngineLoop's
// periodic tick.
func (s *PeerSession) SendKeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(peer_protocol.Message{Keepalive: true})
}

// RemoteAddrString returns the session's peer address, for ConnectionManager and
// EngineLoop bookkeeping keyed by address.
func (s *PeerSession) RemoteAddrString() string {
	return s.remoteAddr.String()
}

// Snubbed reports whether this peer's most recently delivered byte is older
// than cfg.SnubTimeout. A peer that has not delivered any bytes yet is never
// reported as snubbed.
func (s *PeerSession) Snubbed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.lastByteAt.IsZero() && time.Since(s.lastByteAt) > s.cfg.SnubTimeout
}

func (s *PeerSession) DownloadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloadRateEMA
}

func (s *PeerSession) UploadRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploadRateEMA
}

func (s *PeerSession) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RemoteBitfield returns a snapshot of what the remote is known to have,
// for PieceMap.PeerGone to decrement on disconnect.
func (s *PeerSession) RemoteBitfield() *roaring.Bitmap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteBitfield
}

func (s *PeerSession) SetPieceMap(pm *piece.Map) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pm = pm
	s.state = stateRunning
}

// Close tears the session down cooperatively: set the close marker, flush
// a best-effort NotInterested/Choke if already handshaken, and release
// the socket.
func (s *PeerSession) Close(reason CloseReason) error {
	var err error
	s.closeOnce.Do(func() {
		s.CloseReason = reason
		close(s.closeCh)
		s.mu.Lock()
		if s.state >= stateHandshakeOK && s.state != stateClosed {
			s.write(peer_protocol.Message{Type: peer_protocol.NotInterested})
			s.write(peer_protocol.Message{Type: peer_protocol.Choke})
		}
		s.cancelAllOutstanding()
		s.state = stateClosed
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func ema(prev, sample float64) float64 {
	const alpha = 2.0 / 21.0 // ~20s window
	if prev == 0 {
		return sample
	}
	return alpha*sample + (1-alpha)*prev
}

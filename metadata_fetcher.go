package torrent

import (
	"fmt"
	"math"
	"sync"

	"github.com/anacrolix/log"

	"github.com/quietswarm/torrent/bencode"
	"github.com/quietswarm/torrent/metainfo"
	"github.com/quietswarm/torrent/peer_protocol"
)

const metadataPieceSize = 16384

// MetadataFetcher bootstraps a TorrentInfo from a bare infohash (the
// magnet-link entry point) via BEP 9's ut_metadata extension.
type MetadataFetcher struct {
	mu sync.Mutex

	infoHash [20]byte
	logger   log.Logger

	totalSize int // 0 until the first peer's extended handshake reports metadata_size
	pieces    [][]byte
	have      []bool
	remaining int

	banned map[string]bool

	onComplete func(info *metainfo.TorrentInfo)
	onInvalid  func(addr string) // ban + request a retry source
}

func NewMetadataFetcher(infoHash [20]byte, logger log.Logger, onComplete func(*metainfo.TorrentInfo), onInvalid func(addr string)) *MetadataFetcher {
	return &MetadataFetcher{
		infoHash:   infoHash,
		logger:     logger,
		banned:     make(map[string]bool),
		onComplete: onComplete,
		onInvalid:  onInvalid,
	}
}

// metadataSub is a peer's negotiated ut_metadata extended-message sub-id,
// learned from its extended handshake's `m` dict.
type metadataSub struct {
	addr string
	id   peer_protocol.ExtendedID
	send func(peer_protocol.Message) error
}

// OnPeerReady is called once a peer's extended handshake reports both
// ut_metadata support and a metadata_size, allocating the piece table on
// the first such report and issuing this peer's first request batch.
func (f *MetadataFetcher) OnPeerReady(peer metadataSub, metadataSize int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banned[peer.addr] {
		return
	}
	if f.totalSize == 0 {
		f.totalSize = metadataSize
		n := int(math.Ceil(float64(metadataSize) / metadataPieceSize))
		f.pieces = make([][]byte, n)
		f.have = make([]bool, n)
		f.remaining = n
	}
	for i, got := range f.have {
		if !got {
			f.request(peer, i)
		}
	}
}

func (f *MetadataFetcher) request(peer metadataSub, index int) {
	body, err := bencode.Marshal(peer_protocol.MetadataExtendedMessage{
		MsgType: peer_protocol.MetadataMsgTypeRequest,
		Piece:   index,
	})
	if err != nil {
		return
	}
	peer.send(peer_protocol.Message{
		Type:            peer_protocol.Extended,
		ExtendedID:      peer.id,
		ExtendedPayload: body,
	})
}

// OnExtendedMessage handles a `data` or `reject` reply from peer for the
// ut_metadata extension. A `data` message's bencoded dict is immediately
// followed (with no delimiter) by the raw piece bytes, per BEP 9.
func (f *MetadataFetcher) OnExtendedMessage(peer metadataSub, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.banned[peer.addr] || f.pieces == nil {
		return nil
	}
	end, err := bencodeDictEnd(payload, 0)
	if err != nil {
		return &peer_protocol.ProtocolViolation{Reason: "malformed ut_metadata message"}
	}
	var msg peer_protocol.MetadataExtendedMessage
	if err := bencode.Unmarshal(payload[:end], &msg); err != nil {
		return &peer_protocol.ProtocolViolation{Reason: "malformed ut_metadata dict"}
	}
	switch msg.MsgType {
	case peer_protocol.MetadataMsgTypeReject:
		f.failover(peer)
	case peer_protocol.MetadataMsgTypeData:
		if msg.Piece < 0 || msg.Piece >= len(f.pieces) {
			return &peer_protocol.ProtocolViolation{Reason: "ut_metadata piece index out of range"}
		}
		data := payload[end:]
		if !f.have[msg.Piece] {
			f.pieces[msg.Piece] = append([]byte(nil), data...)
			f.have[msg.Piece] = true
			f.remaining--
		}
		if f.remaining == 0 {
			f.finish()
		}
	}
	return nil
}

// finish concatenates all pieces and hands the buffer to
// metainfo.FromInfoBytes, which verifies the SHA-1 against the infohash
// and bencode-decodes the canonical info dict.
func (f *MetadataFetcher) finish() {
	var buf []byte
	for _, p := range f.pieces {
		buf = append(buf, p...)
	}
	info, err := metainfo.FromInfoBytes(buf, f.infoHash)
	if err != nil {
		f.resetForRetry()
		return
	}
	if f.onComplete != nil {
		f.onComplete(info)
	}
}

// resetForRetry discards the assembled buffer on hash or decode failure
// and waits for the next peer to report readiness (OnPeerReady re-fires
// requests for every still-missing piece).
func (f *MetadataFetcher) resetForRetry() {
	for i := range f.have {
		f.have[i] = false
		f.pieces[i] = nil
	}
	f.remaining = len(f.have)
}

func (f *MetadataFetcher) failover(peer metadataSub) {
	f.banned[peer.addr] = true
	if f.onInvalid != nil {
		f.onInvalid(peer.addr)
	}
}

// Done reports whether metadata has already completed and handed off to
// EngineLoop (subsequent extended messages on any session should then be
// ignored by PeerSession itself, not routed here).
func (f *MetadataFetcher) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pieces != nil && f.remaining == 0
}

// bencodeDictEnd returns the index just past the bencoded dict starting
// at b[start] (which must be 'd'), without fully decoding its values —
// only enough grammar to find the boundary, since the ut_metadata wire
// format appends raw (non-bencoded) piece bytes immediately after the
// dict with no length-prefixed wrapper.
func bencodeDictEnd(b []byte, start int) (int, error) {
	if start >= len(b) || b[start] != 'd' {
		return 0, fmt.Errorf("bencode: expected dict at %d", start)
	}
	return bencodeValueEnd(b, start)
}

func bencodeValueEnd(b []byte, pos int) (int, error) {
	if pos >= len(b) {
		return 0, fmt.Errorf("bencode: unexpected end of input")
	}
	switch {
	case b[pos] == 'i':
		end := pos + 1
		for end < len(b) && b[end] != 'e' {
			end++
		}
		if end >= len(b) {
			return 0, fmt.Errorf("bencode: unterminated integer")
		}
		return end + 1, nil
	case b[pos] == 'l':
		p := pos + 1
		for {
			if p >= len(b) {
				return 0, fmt.Errorf("bencode: unterminated list")
			}
			if b[p] == 'e' {
				return p + 1, nil
			}
			next, err := bencodeValueEnd(b, p)
			if err != nil {
				return 0, err
			}
			p = next
		}
	case b[pos] == 'd':
		p := pos + 1
		for {
			if p >= len(b) {
				return 0, fmt.Errorf("bencode: unterminated dict")
			}
			if b[p] == 'e' {
				return p + 1, nil
			}
			keyEnd, err := bencodeValueEnd(b, p) // keys are always byte strings
			if err != nil {
				return 0, err
			}
			p = keyEnd
			valEnd, err := bencodeValueEnd(b, p)
			if err != nil {
				return 0, err
			}
			p = valEnd
		}
	case b[pos] >= '0' && b[pos] <= '9':
		p := pos
		for p < len(b) && b[p] != ':' {
			p++
		}
		if p >= len(b) {
			return 0, fmt.Errorf("bencode: unterminated string length")
		}
		var n int
		for _, c := range b[pos:p] {
			n = n*10 + int(c-'0')
		}
		end := p + 1 + n
		if end > len(b) {
			return 0, fmt.Errorf("bencode: string length exceeds buffer")
		}
		return end, nil
	default:
		return 0, fmt.Errorf("bencode: unexpected token %q at %d", b[pos], pos)
	}
}

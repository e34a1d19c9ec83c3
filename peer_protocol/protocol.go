// Package peer_protocol implements the BitTorrent wire protocol (BEP 3), the
// length-prefixed message framing, and the BEP 10 extension handshake
// envelope used to negotiate ut_metadata/ut_pex. It performs no I/O of its
// own; PeerSession owns the socket and calls Read/WriteTo here for framing.
package peer_protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType is the single-byte opcode following the 4-byte length prefix.
type MessageType byte

const (
	Choke         MessageType = 0
	Unchoke       MessageType = 1
	Interested    MessageType = 2
	NotInterested MessageType = 3
	Have          MessageType = 4
	Bitfield      MessageType = 5
	Request       MessageType = 6
	Piece         MessageType = 7
	Cancel        MessageType = 8
	Port          MessageType = 9
	Extended      MessageType = 20
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ExtendedID is the per-connection sub-identifier negotiated in the m map of
// the extended handshake (BEP 10).
type ExtendedID byte

const (
	// ExtendedHandshakeID is reserved: sub-id 0 is always the handshake itself.
	ExtendedHandshakeID ExtendedID = 0
)

// ExtensionName identifies an extension by the key used in the m dictionary.
type ExtensionName string

const (
	ExtensionNameMetadata ExtensionName = "ut_metadata"
	ExtensionNamePex      ExtensionName = "ut_pex"
)

const (
	// Pstr is the protocol string advertised in the handshake.
	Pstr = "BitTorrent protocol"
	// MaxBlockSize is the block size this implementation requests; a piece's
	// last block may be shorter.
	MaxBlockSize = 16 << 10
	// MaxMessageBytes bounds a single length-prefixed message to defend
	// against a peer claiming an enormous length and exhausting memory.
	MaxMessageBytes = 1 << 21

	// ReservedExtendedBit and ReservedDhtBit are bit positions (from the
	// MSB, byte 5 and byte 7) in the 8 reserved handshake bytes.
	reservedExtendedByte = 5
	reservedExtendedBit  = 0x10
	reservedDhtByte      = 7
	reservedDhtBit       = 0x01
)

var (
	ErrBadPstrLen    = errors.New("peer_protocol: bad pstrlen")
	ErrBadPstr       = errors.New("peer_protocol: bad protocol string")
	ErrMessageTooBig = errors.New("peer_protocol: message exceeds maximum length")
)

// Reserved are the 8 handshake reserved bytes, used to advertise extension
// support. Only the extended-protocol and DHT-port bits are interpreted.
type Reserved [8]byte

func (r *Reserved) SetExtended(v bool) {
	if v {
		r[reservedExtendedByte] |= reservedExtendedBit
	} else {
		r[reservedExtendedByte] &^= reservedExtendedBit
	}
}

func (r Reserved) SupportsExtended() bool {
	return r[reservedExtendedByte]&reservedExtendedBit != 0
}

func (r *Reserved) SetDHT(v bool) {
	if v {
		r[reservedDhtByte] |= reservedDhtBit
	} else {
		r[reservedDhtByte] &^= reservedDhtBit
	}
}

func (r Reserved) SupportsDHT() bool {
	return r[reservedDhtByte]&reservedDhtBit != 0
}

// Handshake is the 68-byte preamble exchanged before any framed message.
type Handshake struct {
	Reserved   Reserved
	InfoHash   [20]byte
	PeerID     [20]byte
}

const HandshakeLen = 1 + len(Pstr) + 8 + 20 + 20

func (h Handshake) WriteTo(w io.Writer) error {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(Pstr)))
	buf = append(buf, Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	_, err := w.Write(buf)
	return err
}

// ReadHandshake blocks until a full handshake has been read or an error
// (including malformed pstrlen/pstr) occurs.
func ReadHandshake(r io.Reader) (h Handshake, err error) {
	var lenByte [1]byte
	if _, err = io.ReadFull(r, lenByte[:]); err != nil {
		return
	}
	if lenByte[0] != byte(len(Pstr)) {
		err = ErrBadPstrLen
		return
	}
	rest := make([]byte, int(lenByte[0])+8+20+20)
	if _, err = io.ReadFull(r, rest); err != nil {
		return
	}
	if string(rest[:len(Pstr)]) != Pstr {
		err = ErrBadPstr
		return
	}
	rest = rest[len(Pstr):]
	copy(h.Reserved[:], rest[:8])
	rest = rest[8:]
	copy(h.InfoHash[:], rest[:20])
	rest = rest[20:]
	copy(h.PeerID[:], rest[:20])
	return
}

// Integer is the wire integer type (big-endian uint32) used for indices,
// offsets, lengths and ports.
type Integer = uint32

const IntegerMax = ^Integer(0) >> 1

// Message is a decoded variant over every opcode in BEP 3/10. Only the
// fields relevant to Type are populated; this plays the role of a tagged
// union decoded once by Decoder.ReadMsg.
type Message struct {
	Keepalive        bool
	Type             MessageType
	Index, Begin, Length Integer
	Piece            []byte
	Bitfield         []bool
	Port             uint16
	ExtendedID       ExtendedID
	ExtendedPayload  []byte
}

func (m Message) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := m.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m Message) MustMarshalBinary() []byte {
	b, err := m.MarshalBinary()
	if err != nil {
		panic(err)
	}
	return b
}

// WriteTo writes the 4-byte length prefix followed by the opcode and body.
func (m Message) WriteTo(w io.Writer) error {
	if m.Keepalive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	var body bytes.Buffer
	body.WriteByte(byte(m.Type))
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		binary.Write(&body, binary.BigEndian, m.Index)
	case Bitfield:
		body.Write(marshalBitfield(m.Bitfield))
	case Request, Cancel:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		binary.Write(&body, binary.BigEndian, m.Length)
	case Piece:
		binary.Write(&body, binary.BigEndian, m.Index)
		binary.Write(&body, binary.BigEndian, m.Begin)
		body.Write(m.Piece)
	case Port:
		binary.Write(&body, binary.BigEndian, m.Port)
	case Extended:
		body.WriteByte(byte(m.ExtendedID))
		body.Write(m.ExtendedPayload)
	default:
		return fmt.Errorf("peer_protocol: unknown message type %v", m.Type)
	}
	if body.Len() > MaxMessageBytes {
		return ErrMessageTooBig
	}
	if err := binary.Write(w, binary.BigEndian, uint32(body.Len())); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func marshalBitfield(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

func unmarshalBitfield(b []byte, numBits int) []bool {
	out := make([]bool, numBits)
	for i := range out {
		out[i] = b[i/8]&(0x80>>uint(i%8)) != 0
	}
	return out
}

// Decoder reads length-prefixed messages off a stream. numPieces is used to
// size bitfield decoding and validate its length (must be ceil(P/8),
// trailing pad bits must be zero).
type Decoder struct {
	R         io.Reader
	NumPieces int
}

// ProtocolViolation is returned for malformed framing the caller must treat
// as a fatal close.
type ProtocolViolation struct {
	Reason string
}

func (e *ProtocolViolation) Error() string { return "peer_protocol: protocol violation: " + e.Reason }

func (d *Decoder) ReadMsg() (msg Message, err error) {
	var lenBuf [4]byte
	if _, err = io.ReadFull(d.R, lenBuf[:]); err != nil {
		return
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		msg.Keepalive = true
		return
	}
	if length > MaxMessageBytes {
		err = &ProtocolViolation{Reason: "message length exceeds maximum"}
		return
	}
	body := make([]byte, length)
	if _, err = io.ReadFull(d.R, body); err != nil {
		return
	}
	msg.Type = MessageType(body[0])
	body = body[1:]
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
		if len(body) != 0 {
			err = &ProtocolViolation{Reason: fmt.Sprintf("%v with non-empty body", msg.Type)}
		}
	case Have:
		if len(body) != 4 {
			err = &ProtocolViolation{Reason: "have with wrong length"}
			return
		}
		msg.Index = binary.BigEndian.Uint32(body)
	case Bitfield:
		expected := (d.NumPieces + 7) / 8
		if d.NumPieces > 0 && len(body) != expected {
			err = &ProtocolViolation{Reason: "bitfield length mismatch"}
			return
		}
		bits := unmarshalBitfield(body, len(body)*8)
		if d.NumPieces > 0 {
			for i := d.NumPieces; i < len(bits); i++ {
				if bits[i] {
					err = &ProtocolViolation{Reason: "bitfield padding bit set"}
					return
				}
			}
			bits = bits[:d.NumPieces]
		}
		msg.Bitfield = bits
	case Request, Cancel:
		if len(body) != 12 {
			err = &ProtocolViolation{Reason: fmt.Sprintf("%v with wrong length", msg.Type)}
			return
		}
		msg.Index = binary.BigEndian.Uint32(body[0:4])
		msg.Begin = binary.BigEndian.Uint32(body[4:8])
		msg.Length = binary.BigEndian.Uint32(body[8:12])
	case Piece:
		if len(body) < 8 {
			err = &ProtocolViolation{Reason: "piece with short header"}
			return
		}
		msg.Index = binary.BigEndian.Uint32(body[0:4])
		msg.Begin = binary.BigEndian.Uint32(body[4:8])
		msg.Piece = body[8:]
	case Port:
		if len(body) != 2 {
			err = &ProtocolViolation{Reason: "port with wrong length"}
			return
		}
		msg.Port = binary.BigEndian.Uint16(body)
	case Extended:
		if len(body) < 1 {
			err = &ProtocolViolation{Reason: "extended with empty body"}
			return
		}
		msg.ExtendedID = ExtendedID(body[0])
		msg.ExtendedPayload = body[1:]
	default:
		// Unknown opcodes are dropped silently; return a zero message
		// with the type set so the caller can no-op on it.
	}
	return
}

func MakeRequestMessage(index, begin, length Integer) Message {
	return Message{Type: Request, Index: index, Begin: begin, Length: length}
}

func MakeCancelMessage(index, begin, length Integer) Message {
	return Message{Type: Cancel, Index: index, Begin: begin, Length: length}
}

func MakeHaveMessage(index Integer) Message {
	return Message{Type: Have, Index: index}
}

func MakePieceMessage(index, begin Integer, data []byte) Message {
	return Message{Type: Piece, Index: index, Begin: begin, Piece: data}
}

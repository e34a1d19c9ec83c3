package peer_protocol

// ExtendedHandshakeMessage is the bencoded dictionary sent as the payload of
// an Extended message with ExtendedID == ExtendedHandshakeID (BEP 10). It's
// decoded/encoded with the sibling bencode package by the caller; this type
// only carries the documented fields so struct tags describe the wire shape
// in one place.
type ExtendedHandshakeMessage struct {
	M            map[ExtensionName]ExtendedID `bencode:"m"`
	V            string                       `bencode:"v,omitempty"`
	P            uint16                       `bencode:"p,omitempty"`
	Reqq         int                          `bencode:"reqq,omitempty"`
	YourIp       string                       `bencode:"yourip,omitempty"`
	Encryption   bool                         `bencode:"e,omitempty"`
	MetadataSize int                          `bencode:"metadata_size,omitempty"`
}

// Standard sub-dictionary keys used by ut_metadata (BEP 9) request/data/reject
// messages, carried as the body of an Extended message addressed to the
// negotiated ut_metadata sub-id.
const (
	MetadataMsgTypeRequest = 0
	MetadataMsgTypeData    = 1
	MetadataMsgTypeReject  = 2
)

type MetadataExtendedMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// PexMessage is the ut_pex (BEP 11) payload: compact peer lists for added and
// dropped peers, plus per-added-peer flags.
type PexMessage struct {
	Added     string `bencode:"added"`
	AddedFlags string `bencode:"added.f"`
	Dropped   string `bencode:"dropped"`
}

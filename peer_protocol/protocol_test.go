package peer_protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var h Handshake
	h.Reserved.SetExtended(true)
	h.Reserved.SetDHT(true)
	copy(h.InfoHash[:], bytes.Repeat([]byte{0xAB}, 20))
	copy(h.PeerID[:], bytes.Repeat([]byte{0xCD}, 20))

	var buf bytes.Buffer
	require.NoError(t, h.WriteTo(&buf))
	require.Equal(t, HandshakeLen, buf.Len())

	got, err := ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, h, got)
	require.True(t, got.Reserved.SupportsExtended())
	require.True(t, got.Reserved.SupportsDHT())
}

func TestReadHandshakeBadPstrLen(t *testing.T) {
	buf := bytes.NewBuffer([]byte{5, 'h', 'e', 'l', 'l', 'o'})
	_, err := ReadHandshake(buf)
	require.ErrorIs(t, err, ErrBadPstrLen)
}

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		{Keepalive: true},
		{Type: Choke},
		{Type: Have, Index: 7},
		{Type: Bitfield, Bitfield: []bool{true, false, true, false, false, false, false, false}},
		{Type: Request, Index: 1, Begin: 16384, Length: 16384},
		{Type: Piece, Index: 1, Begin: 0, Piece: []byte("hello")},
		{Type: Port, Port: 6881},
		{Type: Extended, ExtendedID: ExtendedHandshakeID, ExtendedPayload: []byte("d1:md11:ut_metadatai1eee")},
	}
	for _, c := range cases {
		b, err := c.MarshalBinary()
		require.NoError(t, err)
		d := Decoder{R: bytes.NewReader(b), NumPieces: 8}
		got, err := d.ReadMsg()
		require.NoError(t, err)
		require.Equal(t, c.Keepalive, got.Keepalive)
		if !c.Keepalive {
			require.Equal(t, c.Type, got.Type)
		}
	}
}

func TestBitfieldPaddingMustBeZero(t *testing.T) {
	// 5 pieces -> 1 byte, 3 padding bits at the end must be zero.
	bad := Message{Type: Bitfield, Bitfield: []bool{true, true, true, true, true, false, false, true}}
	b, err := bad.MarshalBinary()
	require.NoError(t, err)
	d := Decoder{R: bytes.NewReader(b), NumPieces: 5}
	_, err = d.ReadMsg()
	require.Error(t, err)
}

func TestUnknownOpcodeDropped(t *testing.T) {
	// Opcode 200 isn't defined; decoder must not error, just not populate Type meaningfully.
	msg := []byte{0, 0, 0, 1, 200}
	d := Decoder{R: bytes.NewReader(msg)}
	got, err := d.ReadMsg()
	require.NoError(t, err)
	require.Equal(t, MessageType(200), got.Type)
}

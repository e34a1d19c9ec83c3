package mse

import (
	"bytes"
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	mathrand "math/rand"
)

func cryptoReadFull(buf []byte) (int, error) {
	return rand.Read(buf)
}

// CryptoMethod is a bit in the crypto_provide/crypto_select field.
type CryptoMethod uint32

const (
	CryptoMethodPlaintext CryptoMethod = 1
	CryptoMethodRC4       CryptoMethod = 2
)

// vc is the 8-byte all-zero verification constant both sides check for
// after deriving their RC4 streams.
var vc = [8]byte{}

const maxPadding = 512
const reqMarkerWindow = maxPadding + 20 // scan window for HASH('req1'||S)

var (
	ErrNoCommonMethod  = errors.New("mse: no crypto method in common")
	ErrUnknownSKey     = errors.New("mse: no candidate skey matched")
	ErrBadVC           = errors.New("mse: verification constant mismatch")
	ErrMarkerNotFound  = errors.New("mse: req1 marker not found within window")
	ErrPadTooLong      = errors.New("mse: declared pad/payload length exceeds limit")
)

// Result is what a completed handshake produces: a stream ready for
// PeerSession framing, the negotiated method, and (receiver side only, in
// general) the initial payload the initiator tucked into its handshake
// message (normally the BT handshake itself, letting it ride the same
// round trip).
type Result struct {
	Conn           io.ReadWriteCloser
	Method         CryptoMethod
	InitialPayload []byte
}

// Conn wraps an underlying stream, applying RC4 to reads/writes when a
// cipher is set; a nil cipher means the negotiated method was plaintext.
type Conn struct {
	io.ReadWriteCloser
	readCipher  *rc4.Cipher
	writeCipher *rc4.Cipher
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.ReadWriteCloser.Read(p)
	if n > 0 && c.readCipher != nil {
		c.readCipher.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}

func (c *Conn) Write(p []byte) (int, error) {
	if c.writeCipher == nil {
		return c.ReadWriteCloser.Write(p)
	}
	buf := make([]byte, len(p))
	c.writeCipher.XORKeyStream(buf, p)
	return c.ReadWriteCloser.Write(buf)
}

func randomPad(max int) ([]byte, error) {
	n := mathrand.Intn(max + 1)
	buf := make([]byte, n)
	if _, err := cryptoReadFull(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// InitiateHandshake performs the outgoing MSE negotiation over conn for
// torrent skey (the infohash), advertising provide and carrying
// initialPayload (typically the plaintext BT handshake) inside the
// encrypted envelope so it completes in the same round trip.
func InitiateHandshake(conn io.ReadWriteCloser, skey [20]byte, provide CryptoMethod, initialPayload []byte) (*Result, error) {
	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	padA, err := randomPad(maxPadding)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(kp.publicBytes(), padA...)); err != nil {
		return nil, err
	}

	yb := make([]byte, publicKeyLen)
	if _, err := io.ReadFull(conn, yb); err != nil {
		return nil, err
	}
	s := kp.sharedSecret(yb)
	keyA, keyB := deriveKeys(s, skey[:])

	writeCipher, err := newDiscardedCipher(keyA)
	if err != nil {
		return nil, err
	}
	readCipher, err := newDiscardedCipher(keyB)
	if err != nil {
		return nil, err
	}

	req1 := sha1.Sum(concat([]byte("req1"), s))
	req2 := sha1.Sum(concat([]byte("req2"), skey[:]))
	req3 := sha1.Sum(concat([]byte("req3"), s))
	req23 := xor20(req2, req3)

	if _, err := conn.Write(req1[:]); err != nil {
		return nil, err
	}
	if _, err := conn.Write(req23[:]); err != nil {
		return nil, err
	}

	padC, err := randomPad(maxPadding)
	if err != nil {
		return nil, err
	}
	var plain bytes.Buffer
	plain.Write(vc[:])
	writeUint32(&plain, uint32(provide))
	writeUint16(&plain, uint16(len(padC)))
	plain.Write(padC)
	writeUint16(&plain, uint16(len(initialPayload)))
	plain.Write(initialPayload)

	enc := make([]byte, plain.Len())
	writeCipher.XORKeyStream(enc, plain.Bytes())
	if _, err := conn.Write(enc); err != nil {
		return nil, err
	}

	// Read the receiver's ENCRYPT(VC || crypto_select || len(PadD) || PadD).
	header := make([]byte, 8+4+2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	readCipher.XORKeyStream(header, header)
	if !bytes.Equal(header[:8], vc[:]) {
		return nil, ErrBadVC
	}
	selected := CryptoMethod(binary.BigEndian.Uint32(header[8:12]))
	padDLen := binary.BigEndian.Uint16(header[12:14])
	if padDLen > maxPadding {
		return nil, ErrPadTooLong
	}
	if padDLen > 0 {
		padD := make([]byte, padDLen)
		if _, err := io.ReadFull(conn, padD); err != nil {
			return nil, err
		}
		readCipher.XORKeyStream(padD, padD)
	}

	wrapped := &Conn{ReadWriteCloser: conn}
	if selected == CryptoMethodRC4 {
		wrapped.readCipher = readCipher
		wrapped.writeCipher = writeCipher
	} else if selected != CryptoMethodPlaintext {
		return nil, ErrNoCommonMethod
	}
	return &Result{Conn: wrapped, Method: selected}, nil
}

// ReceiveHandshake performs the incoming MSE negotiation, identifying the
// torrent by matching the obscured SKEY marker against candidateSKeys
// (normally just the single infohash EngineLoop is currently serving).
func ReceiveHandshake(conn io.ReadWriteCloser, candidateSKeys [][20]byte) (*Result, error) {
	kp, err := newKeyPair()
	if err != nil {
		return nil, err
	}
	ya := make([]byte, publicKeyLen)
	if _, err := io.ReadFull(conn, ya); err != nil {
		return nil, err
	}
	s := kp.sharedSecret(ya)

	padB, err := randomPad(maxPadding)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(append(kp.publicBytes(), padB...)); err != nil {
		return nil, err
	}

	req1 := sha1.Sum(concat([]byte("req1"), s))
	window := make([]byte, 0, reqMarkerWindow)
	buf := make([]byte, 1)
	found := false
	for len(window) < reqMarkerWindow {
		if _, err := io.ReadFull(conn, buf); err != nil {
			return nil, err
		}
		window = append(window, buf[0])
		if len(window) >= 20 && bytes.Equal(window[len(window)-20:], req1[:]) {
			found = true
			break
		}
	}
	if !found {
		return nil, ErrMarkerNotFound
	}

	req23 := make([]byte, 20)
	if _, err := io.ReadFull(conn, req23); err != nil {
		return nil, err
	}
	req3 := sha1.Sum(concat([]byte("req3"), s))
	var skey [20]byte
	matched := false
	for _, candidate := range candidateSKeys {
		req2 := sha1.Sum(concat([]byte("req2"), candidate[:]))
		want := xor20(req2, req3)
		if bytes.Equal(want[:], req23) {
			skey = candidate
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrUnknownSKey
	}

	keyA, keyB := deriveKeys(s, skey[:])
	readCipher, err := newDiscardedCipher(keyA) // decrypts what the initiator encrypted with keyA
	if err != nil {
		return nil, err
	}
	writeCipher, err := newDiscardedCipher(keyB)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 8+4+2)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, err
	}
	readCipher.XORKeyStream(header, header)
	if !bytes.Equal(header[:8], vc[:]) {
		return nil, ErrBadVC
	}
	provide := CryptoMethod(binary.BigEndian.Uint32(header[8:12]))
	padCLen := binary.BigEndian.Uint16(header[12:14])
	if padCLen > maxPadding {
		return nil, ErrPadTooLong
	}
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(conn, padC); err != nil {
			return nil, err
		}
		readCipher.XORKeyStream(padC, padC)
	}
	iaLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, iaLenBuf); err != nil {
		return nil, err
	}
	readCipher.XORKeyStream(iaLenBuf, iaLenBuf)
	iaLen := binary.BigEndian.Uint16(iaLenBuf)
	if iaLen > 4096 {
		return nil, ErrPadTooLong
	}
	ia := make([]byte, iaLen)
	if iaLen > 0 {
		if _, err := io.ReadFull(conn, ia); err != nil {
			return nil, err
		}
		readCipher.XORKeyStream(ia, ia)
	}

	var selected CryptoMethod
	switch {
	case provide&CryptoMethodRC4 != 0:
		selected = CryptoMethodRC4
	case provide&CryptoMethodPlaintext != 0:
		selected = CryptoMethodPlaintext
	default:
		return nil, ErrNoCommonMethod
	}

	var resp bytes.Buffer
	resp.Write(vc[:])
	writeUint32(&resp, uint32(selected))
	writeUint16(&resp, 0)
	encResp := make([]byte, resp.Len())
	writeCipher.XORKeyStream(encResp, resp.Bytes())
	if _, err := conn.Write(encResp); err != nil {
		return nil, err
	}

	wrapped := &Conn{ReadWriteCloser: conn}
	if selected == CryptoMethodRC4 {
		wrapped.readCipher = readCipher
		wrapped.writeCipher = writeCipher
	}
	return &Result{Conn: wrapped, Method: selected, InitialPayload: ia}, nil
}

func xor20(a, b [20]byte) (out [20]byte) {
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return
}

func writeUint32(w io.Writer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeUint16(w io.Writer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

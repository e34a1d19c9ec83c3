package mse

import (
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) Close() error { return p.Conn.Close() }

func TestHandshakeRoundTripRC4(t *testing.T) {
	a, b := net.Pipe()
	skey := [20]byte{1, 2, 3}
	payload := []byte("hello initiator")

	type outcome struct {
		res *Result
		err error
	}
	initCh := make(chan outcome, 1)
	recvCh := make(chan outcome, 1)

	go func() {
		res, err := InitiateHandshake(pipeConn{a}, skey, CryptoMethodRC4, payload)
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := ReceiveHandshake(pipeConn{b}, [][20]byte{{9, 9, 9}, skey})
		recvCh <- outcome{res, err}
	}()

	io := <-initCh
	ro := <-recvCh
	require.NoError(t, io.err)
	require.NoError(t, ro.err)
	require.Equal(t, CryptoMethodRC4, io.res.Method)
	require.Equal(t, CryptoMethodRC4, ro.res.Method)
	require.Equal(t, payload, ro.res.InitialPayload)

	// Post-handshake traffic should flow transparently through the RC4
	// framing in both directions.
	go func() {
		io.res.Conn.Write([]byte("ping"))
	}()
	buf := make([]byte, 4)
	n, err := ro.res.Conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
}

func TestHandshakeRejectsUnknownSKey(t *testing.T) {
	a, b := net.Pipe()
	skey := [20]byte{1, 2, 3}

	errCh := make(chan error, 1)
	go func() {
		_, err := InitiateHandshake(pipeConn{a}, skey, CryptoMethodRC4, nil)
		errCh <- err
	}()
	_, err := ReceiveHandshake(pipeConn{b}, [][20]byte{{9, 9, 9}})
	require.ErrorIs(t, err, ErrUnknownSKey)
	b.Close() // unblocks the initiator, which is waiting on the response that never comes
	require.Error(t, <-errCh)
}

var _ io.ReadWriteCloser = (*Conn)(nil)

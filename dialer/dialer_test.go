package dialer

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithNetworkDialsOverFixedNetwork(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		accepted <- err
	}()

	d := WithNetwork{Network: "tcp", Dialer: &net.Dialer{}}
	require.Equal(t, "tcp", d.DialerNetwork())
	conn, err := d.Dial(context.Background(), l.Addr().String())
	require.NoError(t, err)
	conn.Close()
	require.NoError(t, <-accepted)
}

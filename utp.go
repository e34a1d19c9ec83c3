package torrent

import (
	"context"
	"net"

	libutp "github.com/anacrolix/go-libutp"
	"github.com/anacrolix/log"
)

// utpSocket is what socket.go's utpSocketSocket wraps: a listener that can
// also dial out, matching go-libutp's Socket shape.
type utpSocket interface {
	net.Listener
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewUtpSocket opens a uTP socket on addr, applying f to every accepted
// connection's remote address the way firewallPacketConn does for plain
// UDP sockets in socket.go.
func NewUtpSocket(network, addr string, f firewallCallback, logger log.Logger) (utpSocket, error) {
	s, err := libutp.NewSocket(network, addr)
	if err != nil {
		return nil, err
	}
	return &firewalledUtpSocket{Socket: s, firewall: f, logger: logger}, nil
}

type firewalledUtpSocket struct {
	*libutp.Socket
	firewall firewallCallback
	logger   log.Logger
}

func (s *firewalledUtpSocket) Accept() (net.Conn, error) {
	for {
		c, err := s.Socket.Accept()
		if err != nil {
			return nil, err
		}
		if s.firewall != nil && s.firewall(c.RemoteAddr()) {
			s.logger.Levelf(log.Debug, "firewall dropped utp connection from %v", c.RemoteAddr())
			c.Close()
			continue
		}
		return c, nil
	}
}

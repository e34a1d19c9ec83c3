// Package dht adapts anacrolix/dht/v2 to the narrow surface EngineLoop
// needs: bootstrap once on start, then announce a torrent's infohash and
// stream back compact peer addresses, mirroring how a full client wires
// dht.Server.Announce results into its own peer-discovery fan-in (see
// Torrent.dhtAnnounced in the retrieved anacrolix/torrent client sources).
package dht

import (
	"context"
	"fmt"
	"net"
	"strconv"

	dhtv2 "github.com/anacrolix/dht/v2"
	"github.com/anacrolix/log"
)

// Node is a running DHT server bound to one UDP socket.
type Node struct {
	server *dhtv2.Server
	logger log.Logger
}

// Config is the subset of dht.ServerConfig this adapter sets directly.
// Only Conn and Logger are wired: the rest of ServerConfig (IPBlocklist,
// OnAnnouncePeer, PublicIP, StartingNodes, OnQuery) takes parameter types
// from anacrolix/dht/v2's own dependency graph that weren't retrievable
// as source in the pack, so this adapter leans on the library's own
// bootstrap defaults (Bootstrap() uses its built-in router list) rather
// than guess at those signatures. See DESIGN.md.
type Config struct {
	ListenAddr string
	Logger     log.Logger
}

// New opens a UDP socket and starts a DHT server on it, bootstrapping in
// the background.
func New(cfg Config) (*Node, error) {
	addr := cfg.ListenAddr
	if addr == "" {
		addr = ":0"
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dht: listen %q: %w", addr, err)
	}

	logger := cfg.Logger
	server, err := dhtv2.NewServer(&dhtv2.ServerConfig{
		Conn:   conn,
		Logger: logger,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dht: new server: %w", err)
	}

	n := &Node{server: server, logger: logger}
	go n.bootstrap()
	return n, nil
}

func (n *Node) bootstrap() {
	stats, err := n.server.Bootstrap()
	if err != nil {
		n.logger.Levelf(log.Warning, "dht: bootstrap: %v", err)
		return
	}
	n.logger.Levelf(log.Debug, "dht: bootstrap done: %+v", stats)
}

// GetPeers announces infoHash on port and collects "host:port" peer
// addresses, from the {host,port} shape dht.PeersValues.Peers carries,
// until the DHT lookup completes; it returns them all at once. If ctx is
// cancelled first, it returns the addresses gathered so far with ctx.Err().
func (n *Node) GetPeers(ctx context.Context, infoHash [20]byte, port int) ([]string, error) {
	ann, err := n.server.Announce(infoHash, port, true)
	if err != nil {
		return nil, fmt.Errorf("dht: announce: %w", err)
	}
	defer ann.Close()

	var peers []string
	for {
		select {
		case pv, ok := <-ann.Peers:
			if !ok {
				return peers, nil
			}
			for _, p := range pv.Peers {
				if p.Port == 0 {
					continue
				}
				peers = append(peers, net.JoinHostPort(p.IP.String(), strconv.Itoa(p.Port)))
			}
		case <-ctx.Done():
			return peers, ctx.Err()
		}
	}
}

func (n *Node) Close() error {
	n.server.Close()
	return nil
}

// Package tracker implements the tracker collaborator: a single
// announce(event, uploaded, downloaded, left) -> {interval, peers} call
// per transport, leaving re-announce scheduling to EngineLoop's periodic
// tick. HTTP and UDP (BEP 15) trackers share one Request/Response shape
// so EngineLoop never needs to know which transport a torrent's
// announce-list entry uses.
package tracker

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

// Event is the BEP 3 announce event, sent once on the corresponding
// transition and omitted (None) on ordinary interval re-announces.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventCompleted
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventCompleted:
		return "completed"
	case EventStopped:
		return "stopped"
	default:
		return ""
	}
}

// Request bundles one announce call's parameters.
type Request struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   uint64
	Downloaded uint64
	Left       uint64
	Event      Event
	NumWant    int
	Key        uint32
}

// Response is the normalized result of one announce, regardless of
// transport.
type Response struct {
	Interval    time.Duration
	MinInterval time.Duration
	Leechers    int
	Seeders     int
	Peers       []string // compact "host:port" entries
	TrackerID   string
}

// Tracker is one announce URL's transport, HTTP(S) or UDP.
type Tracker interface {
	Announce(ctx context.Context, req *Request) (*Response, error)
	Close() error
}

// New dispatches on the announce URL's scheme, wiring a torrent's
// announce-list entries to per-scheme implementations without EngineLoop
// needing to branch on transport.
func New(rawURL string, cfg trackerConfig) (Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http", "https":
		return newHTTPTracker(u, cfg), nil
	case "udp", "udp4", "udp6":
		return newUDPTracker(u, cfg)
	default:
		return nil, fmt.Errorf("tracker: unsupported scheme %q", u.Scheme)
	}
}

// trackerConfig is the slice of *torrent.ClientConfig each transport
// needs, kept as an unexported struct so this package never imports the
// root torrent package (which imports tracker, via EngineLoop).
type trackerConfig struct {
	Timeout time.Duration
}

// NewConfig builds the config New's transports read. EngineLoop passes
// cfg.TrackerTimeout from the shared ClientConfig.
func NewConfig(timeout time.Duration) trackerConfig {
	return trackerConfig{Timeout: timeout}
}

// decodeCompactPeers splits a BEP 3 compact peer list (6 bytes per peer:
// 4-byte big-endian IPv4 + 2-byte big-endian port) into "host:port"
// strings. Shared by the HTTP and UDP transports since both wire formats
// use the same compact encoding.
func decodeCompactPeers(b []byte) ([]string, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(b))
	}
	peers := make([]string, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		peers = append(peers, fmt.Sprintf("%s:%d", ip, port))
	}
	return peers, nil
}

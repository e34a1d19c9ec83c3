// Package dashboard treats the dashboard as an external collaborator:
// engine lifecycle surfaces as push Event messages to one or more Sinks,
// rather than through any ambient logger singleton.
package dashboard

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Kind identifies what happened. EngineLoop emits one Event per piece
// completion, peer connect/disconnect, tracker announce, torrent
// completion, and error. KindHashFailure, KindPeerBanned and
// KindChokeRound are defined but not emitted by EngineLoop.
type Kind string

const (
	KindPieceComplete   Kind = "piece_complete"
	KindHashFailure     Kind = "hash_failure"
	KindPeerConnected   Kind = "peer_connected"
	KindPeerDisconnected Kind = "peer_disconnected"
	KindPeerBanned      Kind = "peer_banned"
	KindTrackerAnnounce Kind = "tracker_announce"
	KindChokeRound      Kind = "choke_round"
	KindTorrentComplete Kind = "torrent_complete"
	KindError           Kind = "error"
)

// Event is one push notification from the engine to the dashboard.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Torrent string    `json:"torrent"` // display name, not infohash
	Message string    `json:"message"`

	BytesDownloaded uint64 `json:"bytes_downloaded,omitempty"`
	BytesUploaded   uint64 `json:"bytes_uploaded,omitempty"`
	BytesLeft       uint64 `json:"bytes_left,omitempty"`
	NumPeers        int    `json:"num_peers,omitempty"`
}

// Sink receives Events. Implementations must not block the engine for
// long and must be safe for concurrent use: EngineLoop emits
// synchronously from its accept, dial and per-session goroutines.
type Sink interface {
	Emit(Event)
}

// MultiSink fans one Event out to several Sinks, letting EngineLoop be
// constructed with e.g. both a TerminalSink and a WebSocketSink without
// knowing about either concretely.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Emit(e Event) {
	for _, s := range m.sinks {
		s.Emit(e)
	}
}

// TerminalSink writes one human-readable line per Event, byte counts
// formatted via humanize for Downloaded/Uploaded/Remaining.
type TerminalSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewTerminalSink(w io.Writer) *TerminalSink {
	return &TerminalSink{w: w}
}

func (t *TerminalSink) Emit(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.Kind {
	case KindPieceComplete, KindTrackerAnnounce, KindChokeRound:
		fmt.Fprintf(t.w, "[%s] %s: %s (down %s, up %s, left %s, peers %d)\n",
			e.Time.Format("15:04:05"), e.Torrent, e.Message,
			humanize.Bytes(e.BytesDownloaded), humanize.Bytes(e.BytesUploaded),
			humanize.Bytes(e.BytesLeft), e.NumPeers)
	default:
		fmt.Fprintf(t.w, "[%s] %s: %s\n", e.Time.Format("15:04:05"), e.Torrent, e.Message)
	}
}

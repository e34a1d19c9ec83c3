package torrent

import (
	"time"

	"github.com/anacrolix/log"
	"github.com/prometheus/client_golang/prometheus"
)

// ClientConfig gathers every engine tunable into one struct, each
// defaulted by NewDefaultClientConfig, centralizing knobs rather than
// scattering constants through the engine.
type ClientConfig struct {
	// DataDir is where file manager writes torrent payload.
	DataDir string
	// ResumeDBPath is the bbolt file ResumeRecords are persisted to.
	ResumeDBPath string

	ListenPort int // 0 picks an ephemeral port; the BT_PORT environment variable is not read.
	DisableUTP bool
	DisableDHT  bool
	DisableUPnP bool

	MaxPeers         int           // SwarmView hard cap, default 50.
	TargetPeers      int           // soft cap, default 30.
	UploadSlots      int           // default 4 (uploadSlots-1 regular + 1 optimistic).
	ChokeRoundPeriod time.Duration // default 10s.
	OptimisticEvery  int           // every Nth tick is optimistic, default 3.
	SnubTimeout      time.Duration // default 30s.

	MaxInFlightFloor int // default 4.
	MaxInFlightCeil  int // default 128.
	DefaultInFlight  int // default 16, before bandwidth-delay adjustment.

	EndgameThreshold int // PieceMap switch-to-endgame piece count, default 8.
	MaxDupEndgame    int // default 3.

	RequestTimeout time.Duration // default 60s.
	IdleTimeout    time.Duration // default 120s.
	HandshakeTimeout time.Duration // default 30s.

	PEXInterval      time.Duration // default 60s.
	KeepAliveInterval time.Duration // default 90s.

	CandidateQueueCap int // default 10000.

	TrackerTimeout time.Duration // per-announce HTTP/UDP deadline, default 30s.
	TrackerNumWant int           // peers requested per announce, default 50.

	ClientPeerID [20]byte

	Logger   log.Logger
	Registerer prometheus.Registerer
}

// NewDefaultClientConfig returns a ClientConfig with every tunable
// filled in, ready for field-by-field override.
func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		DataDir:           ".",
		ResumeDBPath:      "resume.db",
		MaxPeers:          50,
		TargetPeers:       30,
		UploadSlots:       4,
		ChokeRoundPeriod:  10 * time.Second,
		OptimisticEvery:   3,
		SnubTimeout:       30 * time.Second,
		MaxInFlightFloor:  4,
		MaxInFlightCeil:   128,
		DefaultInFlight:   16,
		EndgameThreshold:  8,
		MaxDupEndgame:     3,
		RequestTimeout:    60 * time.Second,
		IdleTimeout:       120 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		PEXInterval:       60 * time.Second,
		KeepAliveInterval: 90 * time.Second,
		CandidateQueueCap: 10000,
		TrackerTimeout:    30 * time.Second,
		TrackerNumWant:    50,
		Logger:            log.Default,
	}
}

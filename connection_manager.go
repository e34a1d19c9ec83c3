package torrent

import (
	"math/rand"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/multiless"
)

// PeerRecord is ConnectionManager's read-through view of one connected
// session: just enough to score and choke it, never a copy of session
// state it doesn't own.
type PeerRecord struct {
	Addr    string
	Session *PeerSession

	hashFailuresThisHour int
	hashFailureWindowAt  time.Time
	trustPenaltyRounds    int // remaining rounds with score halved
}

// ConnectionManager runs the Tit-for-Tat choking algorithm over the set
// of sessions EngineLoop hands it. It holds only read-through PeerRecords
// and command channels back to sessions, never ownership of a session's
// socket or request queue.
type ConnectionManager struct {
	mu      sync.Mutex
	cfg     *ClientConfig
	metrics *metrics
	logger  log.Logger

	peers  map[string]*PeerRecord
	banned map[string]time.Time // addr -> ban time, for IsBanned and the listen firewall

	tickCount        int
	optimisticAddr   string
	seeding          func() bool // reports whether this torrent is fully Complete

	rng *rand.Rand
}

func NewConnectionManager(cfg *ClientConfig, m *metrics, seeding func() bool) *ConnectionManager {
	return &ConnectionManager{
		cfg:     cfg,
		metrics: m,
		logger:  cfg.Logger,
		peers:   make(map[string]*PeerRecord),
		banned:  make(map[string]time.Time),
		seeding: seeding,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// IsBanned reports whether addr was banned for repeated hash failures. It
// doubles as the listen-side firewall callback, so a banned peer can't just
// reconnect on a fresh dial/accept to dodge ConnectionManager.Admit.
func (cm *ConnectionManager) IsBanned(addr net.Addr) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	_, banned := cm.banned[addr.String()]
	return banned
}

// Admit applies the admission control rule: accept under maxPeers;
// otherwise, only when seeding, evict the least-scoring peer and admit the
// candidate in its place. The candidate itself is not scored.
func (cm *ConnectionManager) Admit(addr string, s *PeerSession) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if _, banned := cm.banned[addr]; banned {
		return false
	}
	if _, dup := cm.peers[addr]; dup {
		return false
	}
	if len(cm.peers) < cm.cfg.MaxPeers {
		cm.peers[addr] = &PeerRecord{Addr: addr, Session: s}
		return true
	}
	if !cm.seeding() {
		return false
	}
	worstAddr, worstScore := "", 0.0
	first := true
	for a, pr := range cm.peers {
		score := cm.score(pr)
		if first || score < worstScore {
			worstAddr, worstScore = a, score
			first = false
		}
	}
	if worstAddr == "" {
		return false
	}
	delete(cm.peers, worstAddr)
	cm.peers[addr] = &PeerRecord{Addr: addr, Session: s}
	return true
}

func (cm *ConnectionManager) Remove(addr string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	delete(cm.peers, addr)
	if cm.optimisticAddr == addr {
		cm.optimisticAddr = ""
	}
}

// ReportHashFailure applies the trust-decrement and ban escalation to
// every peer that contributed a byte to the failed piece.
func (cm *ConnectionManager) ReportHashFailure(addrs []string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	now := time.Now()
	for _, addr := range addrs {
		pr, ok := cm.peers[addr]
		if !ok {
			continue
		}
		if now.Sub(pr.hashFailureWindowAt) > time.Hour {
			pr.hashFailuresThisHour = 0
			pr.hashFailureWindowAt = now
		}
		pr.hashFailuresThisHour++
		pr.trustPenaltyRounds = 3
		if cm.metrics != nil {
			cm.metrics.hashFailures.Inc()
		}
		if pr.hashFailuresThisHour >= 3 {
			pr.Session.Close(CloseBanned)
			delete(cm.peers, addr)
			cm.banned[addr] = now
			if cm.metrics != nil {
				cm.metrics.peersBanned.Inc()
			}
		}
	}
}

// addrTieBreak orders two equally-scored peers by trust penalty first
// (the clean peer wins), falling back to address for a stable result
// across ticks.
func addrTieBreak(l, r *PeerRecord) int {
	return multiless.New().
		Bool(r.trustPenaltyRounds > 0, l.trustPenaltyRounds > 0).
		Int64(int64(strings.Compare(l.Addr, r.Addr)), 0).
		OrderingInt()
}

func (cm *ConnectionManager) score(pr *PeerRecord) float64 {
	var rate float64
	if cm.seeding() {
		rate = pr.Session.UploadRate()
	} else {
		rate = pr.Session.DownloadRate()
	}
	if pr.trustPenaltyRounds > 0 {
		rate /= 2
	}
	return rate
}

// Tick runs one choke round. Call this every
// cfg.ChokeRoundPeriod from EngineLoop's ticker.
func (cm *ConnectionManager) Tick() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.tickCount++
	optimisticRound := cm.tickCount%cm.cfg.OptimisticEvery == 0
	if cm.metrics != nil {
		cm.metrics.chokeRounds.Inc()
	}

	var interested []*PeerRecord
	for _, pr := range cm.peers {
		if pr.trustPenaltyRounds > 0 {
			pr.trustPenaltyRounds--
		}
		if pr.Session.Snubbed() {
			pr.Session.SetChoked(true)
			continue
		}
		if !pr.Session.peerInterested { // not asking for data from us
			pr.Session.SetChoked(true)
			continue
		}
		interested = append(interested, pr)
	}

	sort.Slice(interested, func(i, j int) bool {
		si, sj := cm.score(interested[i]), cm.score(interested[j])
		if si != sj {
			return si > sj
		}
		// Deterministic tie-break for equal scores: prefer the peer with
		// no outstanding trust penalty, then lexical address order.
		return addrTieBreak(interested[i], interested[j]) < 0
	})

	unchokeSlots := cm.cfg.UploadSlots - 1
	if unchokeSlots < 0 {
		unchokeSlots = 0
	}
	unchoked := make(map[string]bool, unchokeSlots+1)
	for i := 0; i < unchokeSlots && i < len(interested); i++ {
		unchoked[interested[i].Addr] = true
	}

	if optimisticRound || cm.optimisticAddr == "" {
		var pool []*PeerRecord
		for _, pr := range interested {
			if !unchoked[pr.Addr] {
				pool = append(pool, pr)
			}
		}
		if len(pool) > 0 {
			cm.optimisticAddr = pool[cm.rng.Intn(len(pool))].Addr
		} else {
			cm.optimisticAddr = ""
		}
	}
	if cm.optimisticAddr != "" {
		unchoked[cm.optimisticAddr] = true
	}

	for _, pr := range cm.peers {
		shouldChoke := !unchoked[pr.Addr]
		pr.Session.SetChoked(shouldChoke)
	}
}

// Peers returns a snapshot slice of currently admitted addresses, for
// EngineLoop's PEX/HAVE fan-out.
func (cm *ConnectionManager) Peers() []*PeerRecord {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]*PeerRecord, 0, len(cm.peers))
	for _, pr := range cm.peers {
		out = append(out, pr)
	}
	return out
}

func (cm *ConnectionManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.peers)
}

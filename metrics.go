package torrent

import "github.com/prometheus/client_golang/prometheus"

// metrics are EngineLoop's observability surface. Kept separate from the
// dashboard event sink since prometheus counters are
// pull-based and dashboard events are push-based; the two are
// complementary, not redundant.
type metrics struct {
	piecesComplete  prometheus.Counter
	hashFailures    prometheus.Counter
	bytesDownloaded prometheus.Counter
	bytesUploaded   prometheus.Counter
	peersConnected  prometheus.Gauge
	peersBanned     prometheus.Counter
	chokeRounds     prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		piecesComplete: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "pieces_complete_total",
			Help:      "Pieces that passed hash verification and committed to disk.",
		}),
		hashFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "hash_failures_total",
			Help:      "Pieces that failed SHA-1 verification after assembly.",
		}),
		bytesDownloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "bytes_downloaded_total",
			Help:      "Raw payload bytes received from peers.",
		}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "bytes_uploaded_total",
			Help:      "Raw payload bytes sent to peers.",
		}),
		peersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "torrent",
			Name:      "peers_connected",
			Help:      "Currently connected PeerSessions.",
		}),
		peersBanned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "peers_banned_total",
			Help:      "Peers banned for repeated hash failures.",
		}),
		chokeRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torrent",
			Name:      "choke_rounds_total",
			Help:      "Tit-for-tat choking algorithm ticks run.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.piecesComplete, m.hashFailures, m.bytesDownloaded,
			m.bytesUploaded, m.peersConnected, m.peersBanned, m.chokeRounds,
		)
	}
	return m
}

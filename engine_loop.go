package torrent

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/quietswarm/torrent/dashboard"
	"github.com/quietswarm/torrent/dht"
	"github.com/quietswarm/torrent/metainfo"
	"github.com/quietswarm/torrent/mse"
	"github.com/quietswarm/torrent/peer_protocol"
	"github.com/quietswarm/torrent/piece"
	"github.com/quietswarm/torrent/storage"
	"github.com/quietswarm/torrent/tracker"
)

// EngineLoopConfig bundles one torrent's construction-time dependencies.
// DHT is shared across every torrent an owning Client runs, so it's
// injected rather than built here.
type EngineLoopConfig struct {
	ClientConfig *ClientConfig
	Announce     *metainfo.Announce // InfoHash always set; Info nil for magnet bootstrap
	LocalPeerID  [20]byte
	Resume       *resumeStore
	Sink         dashboard.Sink
	DHT          *dht.Node // optional
}

// EngineLoop owns component composition for one torrent: wiring PieceMap,
// the file manager, ConnectionManager, and trackers together, running the
// candidate queue, and driving the periodic tick loop.
type EngineLoop struct {
	cfg         *ClientConfig
	infoHash    [20]byte
	localPeerID [20]byte
	logger      log.Logger
	sink        dashboard.Sink
	metrics     *metrics

	resume *resumeStore
	dhtNode *dht.Node

	mu   sync.Mutex
	info *metainfo.TorrentInfo
	pm   *piece.Map
	fm   *storage.FileManager
	cache *storage.WriteBackCache
	cm   *ConnectionManager
	mf   *MetadataFetcher

	sessions map[string]*PeerSession

	candidateQueue chan string
	queued         map[string]struct{}

	trackerURLs []string
	trackers    map[string]tracker.Tracker

	uploaded, downloaded Count
	completedAnnounced   bool
	lastPexAddrs         map[string]struct{}

	listeners []socket
	closed    chansync.SetOnce
}

// NewEngineLoop constructs an EngineLoop for one torrent. If c.Announce.Info
// is nil (a magnet bootstrap), PieceMap and the file manager are deferred
// until MetadataFetcher completes.
func NewEngineLoop(c EngineLoopConfig) (*EngineLoop, error) {
	peerID := c.LocalPeerID
	if peerID == ([20]byte{}) {
		if _, err := io.ReadFull(rand.Reader, peerID[:]); err != nil {
			return nil, wrapErr(ConfigError, err, "generating local peer id")
		}
	}
	e := &EngineLoop{
		cfg:            c.ClientConfig,
		infoHash:       c.Announce.InfoHash,
		localPeerID:    peerID,
		logger:         c.ClientConfig.Logger,
		sink:           c.Sink,
		metrics:        newMetrics(c.ClientConfig.Registerer),
		resume:         c.Resume,
		dhtNode:        c.DHT,
		sessions:       make(map[string]*PeerSession),
		candidateQueue: make(chan string, c.ClientConfig.CandidateQueueCap),
		queued:         make(map[string]struct{}),
		trackerURLs:    flattenAnnounceList(c.Announce.AnnounceList),
		trackers:       make(map[string]tracker.Tracker),
		lastPexAddrs:   make(map[string]struct{}),
	}
	e.cm = NewConnectionManager(e.cfg, e.metrics, e.seeding)
	if c.Announce.Info != nil {
		if err := e.initTorrentInfo(c.Announce.Info); err != nil {
			return nil, err
		}
	} else {
		e.mf = NewMetadataFetcher(e.infoHash, e.logger, e.onMetadataComplete, e.onMetadataInvalid)
	}
	for _, addr := range c.Announce.Nodes {
		e.AddCandidate(addr)
	}
	return e, nil
}

func flattenAnnounceList(tiers [][]string) []string {
	var out []string
	for _, tier := range tiers {
		out = append(out, tier...)
	}
	return out
}

// initTorrentInfo builds PieceMap and the file manager once TorrentInfo is
// known, either up front (a .torrent file) or after MetadataFetcher
// completes (a magnet link), and restores any resume record on disk.
func (e *EngineLoop) initTorrentInfo(info *metainfo.TorrentInfo) error {
	fm, err := storage.Open(e.cfg.DataDir, info)
	if err != nil {
		return wrapErr(IOError, err, "opening file manager for %s", info.Name)
	}
	pm := piece.New(info, e.logger)
	pm.EndgameThreshold = e.cfg.EndgameThreshold
	pm.MaxDupEndgame = e.cfg.MaxDupEndgame

	e.mu.Lock()
	e.info = info
	e.fm = fm
	e.cache = storage.NewWriteBackCache(fm, 64<<20)
	e.pm = pm
	e.mu.Unlock()

	if e.resume != nil {
		if rr, ok := e.resume.Load(e.infoHash); ok {
			if err := pm.Restore(rr, e.readPieceFromDisk); err != nil {
				e.logger.Levelf(log.Warning, "resume record rejected for %x: %v", e.infoHash, err)
			}
		}
	}
	return nil
}

func (e *EngineLoop) readPieceFromDisk(index int) ([]byte, error) {
	e.mu.Lock()
	info, fm := e.info, e.fm
	e.mu.Unlock()
	if fm == nil {
		return nil, errors.New("torrent: file manager not ready")
	}
	return fm.Read(int64(index)*info.PieceLength, info.PieceLengthAt(index))
}

func (e *EngineLoop) seeding() bool {
	e.mu.Lock()
	pm := e.pm
	e.mu.Unlock()
	return pm != nil && pm.Done()
}

// onMetadataComplete is MetadataFetcher's completion callback: it builds
// PieceMap/the file manager and promotes every still-connected session
// from METADATA_FETCH to RUNNING.
func (e *EngineLoop) onMetadataComplete(info *metainfo.TorrentInfo) {
	if err := e.initTorrentInfo(info); err != nil {
		e.logger.Levelf(log.Error, "initializing torrent after metadata fetch: %v", err)
		return
	}
	e.mu.Lock()
	pm := e.pm
	sessions := make([]*PeerSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()
	for _, s := range sessions {
		s.SetPieceMap(pm)
	}
	e.emit(dashboard.Event{Kind: dashboard.KindTrackerAnnounce, Torrent: info.Name, Message: "metadata fetch complete"})
}

func (e *EngineLoop) onMetadataInvalid(addr string) {
	e.mu.Lock()
	s := e.sessions[addr]
	e.mu.Unlock()
	if s != nil {
		s.Close(CloseBanned)
	}
}

// AddCandidate enqueues addr for dialing unless it's already queued,
// connected, or the queue is at its cap.
func (e *EngineLoop) AddCandidate(addr string) {
	e.mu.Lock()
	if _, dup := e.queued[addr]; dup {
		e.mu.Unlock()
		return
	}
	if _, connected := e.sessions[addr]; connected {
		e.mu.Unlock()
		return
	}
	e.queued[addr] = struct{}{}
	e.mu.Unlock()

	select {
	case e.candidateQueue <- addr:
	default:
		e.mu.Lock()
		delete(e.queued, addr)
		e.mu.Unlock()
	}
}

func (e *EngineLoop) clearQueued(addr string) {
	e.mu.Lock()
	delete(e.queued, addr)
	e.mu.Unlock()
}

// Run drives the listen/dial/tick loops until ctx is cancelled, then
// shuts down gracefully: flush writes, announce `stopped`, persist the
// ResumeRecord.
func (e *EngineLoop) Run(ctx context.Context) error {
	listeners, err := listenAll(defaultNetworks(), func(string) string { return "" }, e.cfg.ListenPort, e.cm.IsBanned, e.logger, e.cfg.DisableUTP)
	if err != nil {
		return wrapErr(IOError, err, "listening for incoming connections")
	}
	e.listeners = listeners

	g, gctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		l := l
		g.Go(func() error { return e.acceptLoop(gctx, l) })
	}
	for i := 0; i < 4; i++ {
		g.Go(func() error { return e.dialLoop(gctx) })
	}
	g.Go(func() error { return e.tickLoop(gctx) })
	if len(e.trackerURLs) > 0 {
		g.Go(func() error { return e.trackerLoop(gctx) })
	}
	if e.dhtNode != nil {
		g.Go(func() error { return e.dhtLoop(gctx) })
	}

	<-gctx.Done()
	e.closed.Set()
	e.shutdown()
	err = g.Wait()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *EngineLoop) acceptLoop(ctx context.Context, l socket) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if e.closed.IsSet() {
				return nil
			}
			return wrapErr(IOError, err, "accepting connection")
		}
		go e.acceptConn(ctx, conn)
	}
}

func (e *EngineLoop) dialLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case addr := <-e.candidateQueue:
			e.clearQueued(addr)
			e.dialPeer(ctx, addr)
		}
	}
}

// prefixConn replays a byte slice already read off the wire before
// delegating to the underlying connection, used when a handshake detection
// peek consumes bytes a later stage still needs to see.
type prefixConn struct {
	prefix []byte
	io.ReadWriteCloser
}

func (p *prefixConn) Read(b []byte) (int, error) {
	if len(p.prefix) > 0 {
		n := copy(b, p.prefix)
		p.prefix = p.prefix[n:]
		return n, nil
	}
	return p.ReadWriteCloser.Read(b)
}

func (e *EngineLoop) acceptConn(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	first := make([]byte, 1)
	if _, err := io.ReadFull(conn, first); err != nil {
		conn.Close()
		return
	}
	wrapped := &prefixConn{prefix: first, ReadWriteCloser: conn}
	sess := e.newSession(addr, wrapped)

	var err error
	if first[0] == 19 {
		err = sess.Handshake(hctx)
	} else {
		res, merr := mse.ReceiveHandshake(wrapped, [][20]byte{e.infoHash})
		if merr != nil {
			conn.Close()
			return
		}
		err = sess.AcceptHandshakeOverEncrypted(res.Conn, res.InitialPayload)
	}
	if err != nil {
		wrapped.Close()
		return
	}
	if !e.cm.Admit(addr, sess) {
		sess.Close(CloseGraceful)
		return
	}
	e.registerSession(addr, sess)
	e.runSession(ctx, addr, sess)
}

func isEarlyDrop(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func (e *EngineLoop) dialPeer(ctx context.Context, addr string) {
	if _, connected := e.sessionFor(addr); connected {
		return
	}
	hctx, cancel := context.WithTimeout(ctx, e.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := DefaultNetDialer.Dial(hctx, addr)
	if err != nil {
		return
	}
	sess := e.newSession(addr, conn)
	err = sess.Handshake(hctx)
	if err != nil && isEarlyDrop(err) {
		conn.Close()
		conn, err = DefaultNetDialer.Dial(hctx, addr)
		if err != nil {
			return
		}
		sess = e.newSession(addr, conn)
		local := peer_protocol.Handshake{InfoHash: e.infoHash, PeerID: e.localPeerID}
		local.Reserved.SetExtended(true)
		local.Reserved.SetDHT(true)
		var buf bytes.Buffer
		if werr := local.WriteTo(&buf); werr != nil {
			conn.Close()
			return
		}
		res, merr := mse.InitiateHandshake(conn, e.infoHash, mse.CryptoMethodRC4, buf.Bytes())
		if merr != nil {
			conn.Close()
			return
		}
		err = sess.HandshakeOverEncrypted(res.Conn)
	}
	if err != nil {
		conn.Close()
		return
	}
	if !e.cm.Admit(addr, sess) {
		sess.Close(CloseGraceful)
		return
	}
	e.registerSession(addr, sess)
	e.runSession(ctx, addr, sess)
}

func (e *EngineLoop) newSession(addr string, conn io.ReadWriteCloser) *PeerSession {
	e.mu.Lock()
	pm := e.pm
	e.mu.Unlock()
	return NewPeerSession(piece.PeerID(addr), PeerSessionConfig{
		Conn:         conn,
		RemoteAddr:   stringAddr(addr),
		InfoHash:     e.infoHash,
		LocalPeerID:  e.localPeerID,
		PieceMap:     pm,
		ClientConfig: e.cfg,
		Logger:       e.logger,
		OnHashFailure: func(contributors []piece.PeerID) {
			addrs := make([]string, len(contributors))
			for i, c := range contributors {
				addrs[i] = string(c)
			}
			e.cm.ReportHashFailure(addrs)
		},
		OnPieceComplete:     e.onPieceComplete,
		OnPexPeers:          e.onPexPeersReceived,
		OnMetadataPeerReady: e.onMetadataPeerReady,
		OnMetadataMessage:   e.onMetadataMessage,
		OnBytesDownloaded: func(n int) {
			e.downloaded.Add(int64(n))
			e.metrics.bytesDownloaded.Add(float64(n))
		},
		OnBytesUploaded: func(n int) {
			e.uploaded.Add(int64(n))
			e.metrics.bytesUploaded.Add(float64(n))
		},
		OnBlockCancelNeeded: e.onBlockCancelNeeded,
	})
}

// stringAddr satisfies net.Addr for addresses that didn't parse as a TCP
// address (UTP dials, test doubles); ConnectionManager and the candidate
// queue only ever compare the string form.
type stringAddr string

func (a stringAddr) Network() string { return "torrent" }
func (a stringAddr) String() string  { return string(a) }

func (e *EngineLoop) onMetadataPeerReady(peer metadataSub, size int) {
	e.mu.Lock()
	mf := e.mf
	e.mu.Unlock()
	if mf != nil {
		mf.OnPeerReady(peer, size)
	}
}

func (e *EngineLoop) onMetadataMessage(peer metadataSub, payload []byte) error {
	e.mu.Lock()
	mf := e.mf
	e.mu.Unlock()
	if mf == nil {
		return nil
	}
	return mf.OnExtendedMessage(peer, payload)
}

func (e *EngineLoop) onPieceComplete(index int) {
	e.metrics.piecesComplete.Inc()
	e.emit(dashboard.Event{Kind: dashboard.KindPieceComplete, Message: "piece verified"})
	e.mu.Lock()
	pm, fm, cache := e.pm, e.fm, e.cache
	info := e.info
	e.mu.Unlock()
	if pm == nil || fm == nil {
		return
	}
	data, ok := pm.PieceBytes(index)
	if !ok {
		return
	}
	offset := int64(index) * info.PieceLength
	var writeErr error
	if cache != nil {
		writeErr = cache.Write(offset, data)
	} else {
		writeErr = fm.Write(offset, data)
	}
	if writeErr != nil {
		e.logger.Levelf(log.Error, "committing piece %d: %v", index, writeErr)
		e.emit(dashboard.Event{Kind: dashboard.KindError, Message: writeErr.Error()})
		return
	}
	pm.ReleasePieceBytes(index)
}

func (e *EngineLoop) onPexPeersReceived(added []string) {
	for _, addr := range added {
		e.AddCandidate(addr)
	}
}

func (e *EngineLoop) sessionFor(addr string) (*PeerSession, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[addr]
	return s, ok
}

// onBlockCancelNeeded fans out an endgame CANCEL to every other session
// still holding a now-Received block, so their pipeline slots free up
// without waiting on PieceMap (which has already moved the block past
// requestable).
func (e *EngineLoop) onBlockCancelNeeded(pieceIdx int, offset int64, peers []piece.PeerID) {
	for _, p := range peers {
		if sess, ok := e.sessionFor(string(p)); ok {
			sess.CancelRequest(pieceIdx, offset)
		}
	}
}

func (e *EngineLoop) registerSession(addr string, s *PeerSession) {
	e.mu.Lock()
	e.sessions[addr] = s
	e.mu.Unlock()
	e.metrics.peersConnected.Inc()
	e.emit(dashboard.Event{Kind: dashboard.KindPeerConnected, Message: addr})
}

func (e *EngineLoop) unregisterSession(addr string, s *PeerSession) {
	e.mu.Lock()
	delete(e.sessions, addr)
	pm := e.pm
	e.mu.Unlock()
	e.cm.Remove(addr)
	e.metrics.peersConnected.Dec()
	if pm != nil {
		if bits := s.RemoteBitfield(); bits != nil {
			pm.PeerGone(bits)
		}
	}
	e.emit(dashboard.Event{Kind: dashboard.KindPeerDisconnected, Message: addr})
}

func (e *EngineLoop) runSession(ctx context.Context, addr string, s *PeerSession) {
	defer e.unregisterSession(addr, s)
	s.Run(ctx)
}

// tickLoop runs the choke round, PEX exchange, keep-alives, HAVE fan-out,
// and the outstanding-request deadline sweep on their respective periods.
func (e *EngineLoop) tickLoop(ctx context.Context) error {
	chokeT := time.NewTicker(e.cfg.ChokeRoundPeriod)
	defer chokeT.Stop()
	keepAliveT := time.NewTicker(e.cfg.KeepAliveInterval)
	defer keepAliveT.Stop()
	haveT := time.NewTicker(time.Second)
	defer haveT.Stop()
	expireT := time.NewTicker(5 * time.Second)
	defer expireT.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-chokeT.C:
			e.cm.Tick()
			e.pexRound()
			e.checkCompletion()
		case <-keepAliveT.C:
			for _, pr := range e.cm.Peers() {
				pr.Session.SendKeepAlive()
			}
		case <-haveT.C:
			e.broadcastHaves()
		case <-expireT.C:
			for _, pr := range e.cm.Peers() {
				pr.Session.ExpireOutstanding()
			}
		}
	}
}

func (e *EngineLoop) broadcastHaves() {
	e.mu.Lock()
	pm := e.pm
	e.mu.Unlock()
	if pm == nil {
		return
	}
	indices := pm.PendingBroadcast()
	if len(indices) == 0 {
		return
	}
	peers := e.cm.Peers()
	for _, idx := range indices {
		for _, pr := range peers {
			pr.Session.SendHaveIfMissing(idx)
		}
	}
}

// Done reports whether every piece has been downloaded and verified.
// Returns false before TorrentInfo is known (a magnet still fetching
// metadata).
func (e *EngineLoop) Done() bool {
	e.mu.Lock()
	pm := e.pm
	e.mu.Unlock()
	return pm != nil && pm.Done()
}

func (e *EngineLoop) checkCompletion() {
	e.mu.Lock()
	pm := e.pm
	already := e.completedAnnounced
	e.mu.Unlock()
	if pm == nil || already || !pm.Done() {
		return
	}
	e.mu.Lock()
	e.completedAnnounced = true
	e.mu.Unlock()
	e.emit(dashboard.Event{Kind: dashboard.KindTorrentComplete, Message: "download complete"})
	go e.announce(context.Background(), tracker.EventCompleted)
}

// pexRound diffs the currently connected address set against the last
// round's and offers every session a MaybeSendPex call; each session
// self-gates on its own 60s interval.
func (e *EngineLoop) pexRound() {
	peers := e.cm.Peers()
	current := make(map[string]struct{}, len(peers))
	var addedAddrs []string
	e.mu.Lock()
	last := e.lastPexAddrs
	e.mu.Unlock()
	for _, pr := range peers {
		current[pr.Addr] = struct{}{}
		if _, existed := last[pr.Addr]; !existed {
			addedAddrs = append(addedAddrs, pr.Addr)
		}
	}
	var droppedAddrs []string
	for addr := range last {
		if _, still := current[addr]; !still {
			droppedAddrs = append(droppedAddrs, addr)
		}
	}
	e.mu.Lock()
	e.lastPexAddrs = current
	e.mu.Unlock()

	added := encodeCompactPeers(addedAddrs)
	dropped := encodeCompactPeers(droppedAddrs)
	if len(added) == 0 && len(dropped) == 0 {
		return
	}
	for _, pr := range peers {
		pr.Session.MaybeSendPex(added, dropped)
	}
}

func encodeCompactPeers(addrs []string) []byte {
	var out []byte
	for _, addr := range addrs {
		if b, ok := encodeCompactPeer(addr); ok {
			out = append(out, b...)
		}
	}
	return out
}

func encodeCompactPeer(addr string) ([]byte, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, false
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return nil, false
	}
	out := make([]byte, 6)
	copy(out, ip)
	out[4] = byte(port >> 8)
	out[5] = byte(port)
	return out, true
}

// trackerLoop announces `started` immediately, then re-announces on the
// interval the tracker returns.
func (e *EngineLoop) trackerLoop(ctx context.Context) error {
	interval := e.announce(ctx, tracker.EventStarted)
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	t := time.NewTimer(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			interval = e.announce(ctx, tracker.EventNone)
			if interval <= 0 {
				interval = 30 * time.Minute
			}
			t.Reset(interval)
		}
	}
}

// announce tries each configured tracker URL in order until one succeeds,
// feeding returned peers into the candidate queue, and returns the
// interval to wait before the next re-announce.
func (e *EngineLoop) announce(ctx context.Context, event tracker.Event) time.Duration {
	req := e.buildAnnounceRequest(event)
	for _, url := range e.trackerURLs {
		t, err := e.trackerFor(url)
		if err != nil {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, e.cfg.TrackerTimeout)
		resp, err := t.Announce(actx, req)
		cancel()
		if err != nil {
			e.logger.Levelf(log.Debug, "announce to %s failed: %v", url, err)
			continue
		}
		for _, addr := range resp.Peers {
			e.AddCandidate(addr)
		}
		e.emit(dashboard.Event{Kind: dashboard.KindTrackerAnnounce, Message: url})
		if resp.Interval > 0 {
			return resp.Interval
		}
		return 0
	}
	return 0
}

func (e *EngineLoop) buildAnnounceRequest(event tracker.Event) tracker.Request {
	e.mu.Lock()
	info := e.info
	e.mu.Unlock()
	uploaded := uint64(e.uploaded.Int64())
	downloaded := uint64(e.downloaded.Int64())
	var left uint64
	if info != nil {
		left = uint64(info.TotalLength) - downloaded
	}
	return tracker.Request{
		InfoHash:   e.infoHash,
		PeerID:     e.localPeerID,
		Port:       uint16(e.cfg.ListenPort),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    e.cfg.TrackerNumWant,
	}
}

func (e *EngineLoop) trackerFor(rawURL string) (tracker.Tracker, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.trackers[rawURL]; ok {
		return t, nil
	}
	t, err := tracker.New(rawURL, tracker.NewConfig(e.cfg.TrackerTimeout))
	if err != nil {
		return nil, err
	}
	e.trackers[rawURL] = t
	return t, nil
}

// dhtLoop periodically asks the shared DHT node for peers on this
// torrent's infohash.
func (e *EngineLoop) dhtLoop(ctx context.Context) error {
	t := time.NewTicker(5 * time.Minute)
	defer t.Stop()
	e.dhtAnnounceOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			e.dhtAnnounceOnce(ctx)
		}
	}
}

func (e *EngineLoop) dhtAnnounceOnce(ctx context.Context) {
	actx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	addrs, err := e.dhtNode.GetPeers(actx, e.infoHash, e.cfg.ListenPort)
	if err != nil {
		return
	}
	for _, addr := range addrs {
		e.AddCandidate(addr)
	}
}

func (e *EngineLoop) emit(ev dashboard.Event) {
	if e.sink == nil {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.sink.Emit(ev)
}

// shutdown flushes pending writes, announces `stopped`, and persists the
// ResumeRecord.
func (e *EngineLoop) shutdown() {
	actx, cancel := context.WithTimeout(context.Background(), e.cfg.TrackerTimeout)
	defer cancel()
	if len(e.trackerURLs) > 0 {
		e.announce(actx, tracker.EventStopped)
	}

	e.mu.Lock()
	sessions := make([]*PeerSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	cache, fm, pm := e.cache, e.fm, e.pm
	e.mu.Unlock()
	for _, s := range sessions {
		s.Close(CloseGraceful)
	}

	if cache != nil {
		if err := cache.Flush(); err != nil {
			e.logger.Levelf(log.Error, "flushing write-back cache: %v", err)
		}
	}
	if fm != nil {
		if err := fm.Flush(); err != nil {
			e.logger.Levelf(log.Error, "flushing file manager: %v", err)
		}
	}
	if pm != nil && e.resume != nil {
		if err := e.resume.Save(pm.Snapshot()); err != nil {
			e.logger.Levelf(log.Error, "persisting resume record: %v", err)
		}
	}
	for _, l := range e.listeners {
		l.Close()
	}
}

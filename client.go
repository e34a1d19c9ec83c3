package torrent

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/anacrolix/log"
	"golang.org/x/sync/errgroup"

	"github.com/quietswarm/torrent/dashboard"
	"github.com/quietswarm/torrent/dht"
	"github.com/quietswarm/torrent/metainfo"
	"github.com/quietswarm/torrent/upnp"
)

// Client owns the resources a single process shares across every torrent
// it runs: one bbolt resume database, one DHT node, one best-effort UPnP
// port mapper, and the dashboard Sink every EngineLoop pushes Events to.
// Per-torrent state lives in EngineLoop; Client only tracks which ones
// are running so Close can shut them all down.
type Client struct {
	cfg  *ClientConfig
	sink dashboard.Sink

	resume  *resumeStore
	dhtNode *dht.Node
	mapper  *upnp.Mapper

	mu       sync.Mutex
	torrents map[[20]byte]*runningTorrent
	closed   bool
}

type runningTorrent struct {
	loop   *EngineLoop
	cancel context.CancelFunc
	done   chan struct{}
}

// NewClient opens the shared resume database, starts the shared DHT node
// (unless cfg.DisableDHT), and probes for a UPnP gateway (unless
// cfg.DisableUPnP, best effort: absence of an IGD is not an error).
func NewClient(cfg *ClientConfig, sink dashboard.Sink) (*Client, error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	resume, err := openResumeStore(cfg.ResumeDBPath)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		sink:     sink,
		resume:   resume,
		torrents: make(map[[20]byte]*runningTorrent),
	}

	if !cfg.DisableDHT {
		node, err := dht.New(dht.Config{Logger: cfg.Logger})
		if err != nil {
			cfg.Logger.Levelf(log.Warning, "client: starting dht: %v", err)
		} else {
			c.dhtNode = node
		}
	}
	if !cfg.DisableUPnP {
		mapper, err := upnp.Discover(context.Background())
		if err != nil {
			cfg.Logger.Levelf(log.Debug, "client: upnp discovery: %v", err)
		} else {
			c.mapper = mapper
			if cfg.ListenPort != 0 {
				if err := mapper.MapPort(cfg.ListenPort); err != nil {
					cfg.Logger.Levelf(log.Debug, "client: upnp port mapping: %v", err)
				}
			}
		}
	}
	return c, nil
}

// AddTorrentFromFile parses a .torrent file and starts running it.
func (c *Client) AddTorrentFromFile(r io.Reader) (*EngineLoop, error) {
	ann, err := metainfo.Load(r)
	if err != nil {
		return nil, err
	}
	return c.addAnnounce(ann)
}

// AddTorrentFromMagnet parses a magnet URI, bootstrapping TorrentInfo via
// MetadataFetcher once the engine connects to a peer.
func (c *Client) AddTorrentFromMagnet(raw string) (*EngineLoop, error) {
	m, err := metainfo.ParseMagnet(raw)
	if err != nil {
		return nil, err
	}
	var nodes []string
	nodes = append(nodes, m.PeerHints...)
	ann := &metainfo.Announce{
		InfoHash:     m.InfoHash,
		AnnounceList: [][]string{m.Trackers},
		Nodes:        nodes,
	}
	return c.addAnnounce(ann)
}

func (c *Client) addAnnounce(ann *metainfo.Announce) (*EngineLoop, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("torrent: client is closed")
	}
	if _, exists := c.torrents[ann.InfoHash]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("torrent: %x already added", ann.InfoHash)
	}
	c.mu.Unlock()

	peerID := c.cfg.ClientPeerID
	if peerID == ([20]byte{}) {
		if _, err := rand.Read(peerID[:]); err != nil {
			return nil, err
		}
	}
	loop, err := NewEngineLoop(EngineLoopConfig{
		ClientConfig: c.cfg,
		Announce:     ann,
		LocalPeerID:  peerID,
		Resume:       c.resume,
		Sink:         c.sink,
		DHT:          c.dhtNode,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	rt := &runningTorrent{loop: loop, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	c.torrents[ann.InfoHash] = rt
	c.mu.Unlock()

	go func() {
		defer close(rt.done)
		if err := loop.Run(ctx); err != nil {
			c.cfg.Logger.Levelf(log.Error, "torrent %x: %v", ann.InfoHash, err)
		}
		c.mu.Lock()
		delete(c.torrents, ann.InfoHash)
		c.mu.Unlock()
	}()
	return loop, nil
}

// Remove stops the torrent identified by infoHash, if running, and waits
// for its EngineLoop to finish shutting down.
func (c *Client) Remove(infoHash [20]byte) {
	c.mu.Lock()
	rt, ok := c.torrents[infoHash]
	c.mu.Unlock()
	if !ok {
		return
	}
	rt.cancel()
	<-rt.done
}

// Close stops every running torrent and releases the shared resume
// database and DHT node. UPnP port mappings made by NewClient are not
// removed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	rts := make([]*runningTorrent, 0, len(c.torrents))
	for _, rt := range c.torrents {
		rts = append(rts, rt)
	}
	c.mu.Unlock()

	g := new(errgroup.Group)
	for _, rt := range rts {
		rt := rt
		g.Go(func() error {
			rt.cancel()
			<-rt.done
			return nil
		})
	}
	g.Wait()

	if c.dhtNode != nil {
		c.dhtNode.Close()
	}
	return c.resume.Close()
}

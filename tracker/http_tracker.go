package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/quietswarm/torrent/bencode"
)

const maxAnnounceResponseBytes = 2 * 1024 * 1024

// httpTracker announces over HTTP(S) GET per BEP 3, always requesting the
// compact peer format.
type httpTracker struct {
	base   *url.URL
	client *http.Client

	mu        sync.Mutex
	trackerID string
}

func newHTTPTracker(u *url.URL, cfg trackerConfig) *httpTracker {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &httpTracker{
		base:   u,
		client: &http.Client{Timeout: timeout},
	}
}

func (t *httpTracker) Announce(ctx context.Context, req *Request) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.announceURL(req), nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build request: %w", err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce status %d: %s", resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAnnounceResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("tracker: read response: %w", err)
	}

	out, err := parseAnnounceResponse(data)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if out.TrackerID != "" {
		t.trackerID = out.TrackerID
	}
	t.mu.Unlock()

	return out, nil
}

func (t *httpTracker) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

func (t *httpTracker) announceURL(req *Request) string {
	u := *t.base
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatUint(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(req.Downloaded, 10))
	q.Set("left", strconv.FormatUint(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(req.Key), 10))
	}
	if s := req.Event.String(); s != "" {
		q.Set("event", s)
	}

	t.mu.Lock()
	trackerID := t.trackerID
	t.mu.Unlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// announceResponseWire mirrors the BEP 3 announce dict's field names
// verbatim, including the embedded spaces bencode struct tags support.
type announceResponseWire struct {
	FailureReason string `bencode:"failure reason"`
	WarningReason string `bencode:"warning reason"`
	Interval      int64  `bencode:"interval"`
	MinInterval   int64  `bencode:"min interval"`
	Complete      int64  `bencode:"complete"`
	Incomplete    int64  `bencode:"incomplete"`
	TrackerID     string `bencode:"trackerid"`
	Peers         any    `bencode:"peers"`
}

func parseAnnounceResponse(data []byte) (*Response, error) {
	var wire announceResponseWire
	if err := bencode.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("tracker: decode announce response: %w", err)
	}
	if wire.FailureReason != "" {
		return nil, fmt.Errorf("tracker: announce failure: %s", wire.FailureReason)
	}

	peers, err := parseWirePeers(wire.Peers)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	return &Response{
		Interval:    time.Duration(wire.Interval) * time.Second,
		MinInterval: time.Duration(wire.MinInterval) * time.Second,
		Seeders:     int(wire.Complete),
		Leechers:    int(wire.Incomplete),
		TrackerID:   wire.TrackerID,
		Peers:       peers,
	}, nil
}

// parseWirePeers accepts either the compact form (a single byte string)
// or the dictionary-model form (a list of {ip, port} dicts), since some
// trackers ignore compact=1.
func parseWirePeers(v any) ([]string, error) {
	switch peers := v.(type) {
	case nil:
		return nil, nil
	case string:
		return decodeCompactPeers([]byte(peers))
	case []any:
		out := make([]string, 0, len(peers))
		for _, e := range peers {
			d, ok := e.(map[string]any)
			if !ok {
				continue
			}
			ip, _ := d["ip"].(string)
			port, _ := d["port"].(int64)
			if ip == "" {
				continue
			}
			out = append(out, fmt.Sprintf("%s:%d", ip, port))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected peers type %T", v)
	}
}

package tracker

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"
)

// BEP 15 magic constant identifying the UDP tracker protocol.
const protocolID = 0x41727101980

const (
	actionConnect uint32 = iota
	actionAnnounce
	actionScrape
	actionError
)

const (
	connectionIDTTL = 60 * time.Second
	baseRetryDelay  = 15 * time.Second
	maxRetries      = 8 // 15*2^8s ~= 64 minutes before giving up, per BEP 15.
	maxPacketSize   = 4096
)

var (
	errActionMismatch      = errors.New("tracker: udp action mismatch")
	errTransactionMismatch = errors.New("tracker: udp transaction id mismatch")
	errPacketTooShort      = errors.New("tracker: udp packet too short")
	errRetriesExhausted    = errors.New("tracker: udp retries exhausted")
)

// udpTracker implements BEP 15: a connect handshake establishes a
// short-lived connection id, which every subsequent announce within its
// TTL reuses. Retries back off at 15*2^n seconds, capped at n=8, as BEP 15
// specifies.
type udpTracker struct {
	conn *net.UDPConn
	key  uint32

	mu        sync.Mutex
	connID    uint64
	connIDTTL time.Time
	readBuf   []byte
}

func newUDPTracker(u *url.URL, cfg trackerConfig) (*udpTracker, error) {
	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %q: %w", u.Host, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %q: %w", u.Host, err)
	}
	key, err := randUint32()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &udpTracker{
		conn:    conn,
		key:     key,
		readBuf: make([]byte, maxPacketSize),
	}, nil
}

func (t *udpTracker) Announce(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Now().After(t.connIDTTL) {
		if err := t.connect(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := t.announceOnce(ctx, req)
	if err == nil {
		return resp, nil
	}
	if !errors.Is(err, errActionMismatch) && !errors.Is(err, errTransactionMismatch) {
		return nil, err
	}

	// Connection id likely expired out from under us; reconnect once and
	// retry the announce exactly once more.
	t.connIDTTL = time.Time{}
	if err := t.connect(ctx); err != nil {
		return nil, err
	}
	return t.announceOnce(ctx, req)
}

func (t *udpTracker) Close() error {
	return t.conn.Close()
}

func (t *udpTracker) connect(ctx context.Context) error {
	for n := 0; n <= maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		timeout, err := retryTimeout(ctx, n)
		if err != nil {
			return err
		}
		t.conn.SetDeadline(time.Now().Add(timeout))

		txID, err := randUint32()
		if err != nil {
			return err
		}
		if err := t.sendConnect(txID); err != nil {
			continue
		}
		connID, err := t.readConnect(txID)
		if err != nil {
			continue
		}
		t.connID = connID
		t.connIDTTL = time.Now().Add(connectionIDTTL)
		return nil
	}
	return errRetriesExhausted
}

func (t *udpTracker) announceOnce(ctx context.Context, req *Request) (*Response, error) {
	for n := 0; n <= maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		timeout, err := retryTimeout(ctx, n)
		if err != nil {
			return nil, err
		}
		t.conn.SetDeadline(time.Now().Add(timeout))

		txID, err := randUint32()
		if err != nil {
			return nil, err
		}
		if err := t.sendAnnounce(txID, req); err != nil {
			continue
		}
		resp, err := t.readAnnounce(txID)
		if err != nil {
			if errors.Is(err, errActionMismatch) || errors.Is(err, errTransactionMismatch) {
				return nil, err
			}
			continue
		}
		return resp, nil
	}
	return nil, errRetriesExhausted
}

func (t *udpTracker) sendConnect(txID uint32) error {
	var pkt [16]byte
	binary.BigEndian.PutUint64(pkt[0:8], protocolID)
	binary.BigEndian.PutUint32(pkt[8:12], actionConnect)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	_, err := t.conn.Write(pkt[:])
	return err
}

func (t *udpTracker) readConnect(txID uint32) (uint64, error) {
	var pkt [16]byte
	n, err := t.conn.Read(pkt[:])
	if err != nil {
		return 0, err
	}
	if n < 16 {
		return 0, errPacketTooShort
	}
	if action := binary.BigEndian.Uint32(pkt[0:4]); action == actionError {
		return 0, fmt.Errorf("tracker: udp connect error: %s", pkt[8:n])
	} else if action != actionConnect {
		return 0, errActionMismatch
	}
	if binary.BigEndian.Uint32(pkt[4:8]) != txID {
		return 0, errTransactionMismatch
	}
	return binary.BigEndian.Uint64(pkt[8:16]), nil
}

func (t *udpTracker) sendAnnounce(txID uint32, req *Request) error {
	var pkt [98]byte
	binary.BigEndian.PutUint64(pkt[0:8], t.connID)
	binary.BigEndian.PutUint32(pkt[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(pkt[12:16], txID)
	copy(pkt[16:36], req.InfoHash[:])
	copy(pkt[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(pkt[56:64], req.Downloaded)
	binary.BigEndian.PutUint64(pkt[64:72], req.Left)
	binary.BigEndian.PutUint64(pkt[72:80], req.Uploaded)
	binary.BigEndian.PutUint32(pkt[80:84], uint32(req.Event))
	binary.BigEndian.PutUint32(pkt[84:88], 0) // IP, 0 lets the tracker use the source address
	binary.BigEndian.PutUint32(pkt[88:92], t.key)
	numWant := int32(req.NumWant)
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(pkt[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(pkt[96:98], req.Port)
	_, err := t.conn.Write(pkt[:])
	return err
}

func (t *udpTracker) readAnnounce(txID uint32) (*Response, error) {
	n, err := t.conn.Read(t.readBuf)
	if err != nil {
		return nil, err
	}
	pkt := t.readBuf[:n]
	if n < 20 {
		return nil, errPacketTooShort
	}
	if action := binary.BigEndian.Uint32(pkt[0:4]); action == actionError {
		return nil, fmt.Errorf("tracker: udp announce error: %s", pkt[8:n])
	} else if action != actionAnnounce {
		return nil, errActionMismatch
	}
	if binary.BigEndian.Uint32(pkt[4:8]) != txID {
		return nil, errTransactionMismatch
	}

	interval := binary.BigEndian.Uint32(pkt[8:12])
	leechers := binary.BigEndian.Uint32(pkt[12:16])
	seeders := binary.BigEndian.Uint32(pkt[16:20])

	peers, err := decodeCompactPeers(pkt[20:])
	if err != nil {
		return nil, err
	}

	return &Response{
		Interval: time.Duration(interval) * time.Second,
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

func randUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("tracker: rand: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// retryTimeout returns the BEP 15 backoff for retry n (15*2^n seconds),
// clamped to whatever's left of ctx's deadline if shorter.
func retryTimeout(ctx context.Context, n int) (time.Duration, error) {
	timeout := baseRetryDelay * (1 << n)
	if deadline, ok := ctx.Deadline(); ok {
		remain := time.Until(deadline)
		if remain <= 0 {
			return 0, context.DeadlineExceeded
		}
		if remain < timeout {
			return remain, nil
		}
	}
	return timeout, nil
}

package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is the decoded form of a "magnet:?..." URI (BEP 9 bootstrap input).
type Magnet struct {
	InfoHash     [20]byte
	DisplayName  string
	Trackers     []string
	PeerHints    []string // x.pe compact peer hints, "host:port"
}

// ParseMagnet decodes a magnet URI's xt (infohash, hex or base32), dn
// (display name), tr (trackers) and x.pe (direct peer hints) parameters.
func ParseMagnet(raw string) (*Magnet, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("metainfo: parsing magnet uri: %w", err)
	}
	if u.Scheme != "magnet" {
		return nil, fmt.Errorf("metainfo: not a magnet uri (scheme %q)", u.Scheme)
	}
	q := u.Query()

	xts := q["xt"]
	var hash [20]byte
	found := false
	for _, xt := range xts {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		enc := xt[len(prefix):]
		switch len(enc) {
		case 40:
			b, err := hex.DecodeString(enc)
			if err != nil {
				return nil, fmt.Errorf("metainfo: bad hex infohash: %w", err)
			}
			copy(hash[:], b)
		case 32:
			b, err := base32.StdEncoding.DecodeString(strings.ToUpper(enc))
			if err != nil {
				return nil, fmt.Errorf("metainfo: bad base32 infohash: %w", err)
			}
			copy(hash[:], b)
		default:
			return nil, fmt.Errorf("metainfo: infohash %q has unexpected length", enc)
		}
		found = true
		break
	}
	if !found {
		return nil, fmt.Errorf("metainfo: magnet uri missing urn:btih xt parameter")
	}

	m := &Magnet{InfoHash: hash, DisplayName: q.Get("dn")}
	m.Trackers = q["tr"]
	m.PeerHints = q["x.pe"]
	return m, nil
}

// String renders the Magnet back into a "magnet:?..." URI carrying the
// infohash, display name, trackers and peer hints.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash[:]))
	if m.DisplayName != "" {
		v.Set("dn", m.DisplayName)
	}
	for _, t := range m.Trackers {
		v.Add("tr", t)
	}
	for _, p := range m.PeerHints {
		v.Add("x.pe", p)
	}
	return "magnet:?" + v.Encode()
}

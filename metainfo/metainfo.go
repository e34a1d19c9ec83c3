// Package metainfo is the parser collaborator: it turns a .torrent file or
// magnet URI into the normalized {infohash, announce_list, nodes_list,
// TorrentInfo | None} tuple the engine consumes. It never reaches into
// engine internals; PieceMap only sees the already-validated TorrentInfo.
package metainfo

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"io"

	"github.com/quietswarm/torrent/bencode"
)

// FileEntry is one (path, length) pair from a multi-file torrent, or the
// single synthesized entry for a single-file one.
type FileEntry struct {
	Path   []string
	Length int64
}

// TorrentInfo is the immutable description. PieceLength is
// always a power of two once validated.
type TorrentInfo struct {
	InfoHash    [20]byte
	Name        string
	PieceLength int64
	Pieces      [][20]byte // H[0..P)
	TotalLength int64      // N
	Files       []FileEntry
	Private     bool

	// infoBytes is the canonical bencoding of the info dict, kept byte for
	// byte and exposed through InfoBytes. Nothing in this module serves it
	// to peers over ut_metadata.
	infoBytes []byte
}

func (ti *TorrentInfo) InfoBytes() []byte { return ti.infoBytes }

// NumPieces returns P = ceil(N/L).
func (ti *TorrentInfo) NumPieces() int {
	if ti.PieceLength == 0 {
		return 0
	}
	return int((ti.TotalLength + ti.PieceLength - 1) / ti.PieceLength)
}

// PieceLengthAt returns the length of piece i, accounting for the
// invariant that the last piece is N - (P-1)*L.
func (ti *TorrentInfo) PieceLengthAt(i int) int64 {
	p := ti.NumPieces()
	if i == p-1 {
		return ti.TotalLength - int64(p-1)*ti.PieceLength
	}
	return ti.PieceLength
}

var (
	ErrNotADict        = errors.New("metainfo: top level value is not a dictionary")
	ErrMissingInfo      = errors.New("metainfo: missing 'info' dictionary")
	ErrMissingName      = errors.New("metainfo: missing 'info.name'")
	ErrBadPieceLength   = errors.New("metainfo: 'info.piece length' must be a positive power of two")
	ErrBadPieces        = errors.New("metainfo: 'info.pieces' length is not a multiple of 20")
	ErrAmbiguousLayout  = errors.New("metainfo: exactly one of 'length' or 'files' must be present")
	ErrLengthMismatch   = errors.New("metainfo: sum(file.length) != info.length derived total")
	ErrPieceCountMismatch = errors.New("metainfo: ceil(N/L) != len(pieces)")
)

type rawInfo struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int64  `bencode:"private,omitempty"`
	Length      int64  `bencode:"length,omitempty"`
	Files       []rawFile `bencode:"files,omitempty"`
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawMetaInfo struct {
	Info         bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce,omitempty"`
	AnnounceList [][]string         `bencode:"announce-list,omitempty"`
	Nodes        [][2]any           `bencode:"nodes,omitempty"`
}

// Announce is the normalized {infohash, announce_list, nodes_list,
// TorrentInfo | nil} tuple the parser delivers to the engine.
type Announce struct {
	InfoHash     [20]byte
	AnnounceList [][]string
	Nodes        []string // "host:port"
	Info         *TorrentInfo // nil when bootstrapped from a magnet URI
}

// Load parses a .torrent file's bytes.
func Load(r io.Reader) (*Announce, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return LoadBytes(data)
}

func LoadBytes(data []byte) (*Announce, error) {
	var raw rawMetaInfo
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("metainfo: decoding top level: %w", err)
	}
	if len(raw.Info) == 0 {
		return nil, ErrMissingInfo
	}
	info, err := parseInfo(raw.Info)
	if err != nil {
		return nil, err
	}
	announceList := raw.AnnounceList
	if len(announceList) == 0 && raw.Announce != "" {
		announceList = [][]string{{raw.Announce}}
	}
	var nodes []string
	for _, n := range raw.Nodes {
		if len(n) != 2 {
			continue
		}
		host, _ := n[0].(string)
		var port int64
		switch p := n[1].(type) {
		case int64:
			port = p
		}
		if host != "" && port != 0 {
			nodes = append(nodes, fmt.Sprintf("%s:%d", host, port))
		}
	}
	return &Announce{
		InfoHash:     info.InfoHash,
		AnnounceList: announceList,
		Nodes:        nodes,
		Info:         info,
	}, nil
}

func parseInfo(raw bencode.RawMessage) (*TorrentInfo, error) {
	var ri rawInfo
	if err := bencode.Unmarshal(raw, &ri); err != nil {
		return nil, fmt.Errorf("metainfo: decoding info dict: %w", err)
	}
	if ri.Name == "" {
		return nil, ErrMissingName
	}
	if ri.PieceLength <= 0 || ri.PieceLength&(ri.PieceLength-1) != 0 {
		return nil, ErrBadPieceLength
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, ErrBadPieces
	}

	var files []FileEntry
	var total int64
	hasFiles := len(ri.Files) > 0
	switch {
	case hasFiles && ri.Length > 0:
		return nil, ErrAmbiguousLayout
	case hasFiles:
		for _, f := range ri.Files {
			files = append(files, FileEntry{Path: f.Path, Length: f.Length})
			total += f.Length
		}
	default:
		files = []FileEntry{{Path: []string{ri.Name}, Length: ri.Length}}
		total = ri.Length
	}

	numPieces := len(ri.Pieces) / 20
	expectedPieces := int((total + ri.PieceLength - 1) / ri.PieceLength)
	if total == 0 {
		expectedPieces = 0
	}
	if expectedPieces != numPieces {
		return nil, ErrPieceCountMismatch
	}

	pieces := make([][20]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(pieces[i][:], ri.Pieces[i*20:(i+1)*20])
	}

	infoHash := sha1.Sum(raw)
	return &TorrentInfo{
		InfoHash:    infoHash,
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Pieces:      pieces,
		TotalLength: total,
		Files:       files,
		Private:     ri.Private == 1,
		infoBytes:   append([]byte(nil), raw...),
	}, nil
}

// FromInfoBytes reconstructs a TorrentInfo from a metadata buffer fetched
// piecewise over the wire by MetadataFetcher (BEP 9), verifying it hashes to
// wantInfoHash before accepting it.
func FromInfoBytes(buf []byte, wantInfoHash [20]byte) (*TorrentInfo, error) {
	got := sha1.Sum(buf)
	if got != wantInfoHash {
		return nil, fmt.Errorf("metainfo: fetched metadata hash %x != expected %x", got, wantInfoHash)
	}
	return parseInfo(buf)
}

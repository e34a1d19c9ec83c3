package torrent

import (
	"crypto/sha1"
	"testing"

	"github.com/anacrolix/log"
	"github.com/stretchr/testify/require"

	"github.com/quietswarm/torrent/bencode"
	"github.com/quietswarm/torrent/metainfo"
	"github.com/quietswarm/torrent/peer_protocol"
)

func rawInfoDictBytes(t *testing.T) []byte {
	t.Helper()
	type rawFile struct {
		Path   []string `bencode:"path"`
		Length int64    `bencode:"length"`
	}
	type rawInfo struct {
		Name        string `bencode:"name"`
		PieceLength int64  `bencode:"piece length"`
		Pieces      string `bencode:"pieces"`
		Length      int64  `bencode:"length"`
	}
	piece := make([]byte, metadataPieceSize)
	h := sha1.Sum(piece)
	buf, err := bencode.Marshal(rawInfo{
		Name:        "x.bin",
		PieceLength: metadataPieceSize,
		Pieces:      string(h[:]),
		Length:      metadataPieceSize,
	})
	require.NoError(t, err)
	return buf
}

func TestMetadataFetcherAssemblesAndVerifies(t *testing.T) {
	infoBytes := rawInfoDictBytes(t)
	infoHash := sha1.Sum(infoBytes)

	var got *metainfo.TorrentInfo
	f := NewMetadataFetcher(infoHash, log.Default, func(info *metainfo.TorrentInfo) { got = info }, nil)

	var sent []peer_protocol.Message
	peer := metadataSub{addr: "p1", id: 3, send: func(m peer_protocol.Message) error {
		sent = append(sent, m)
		return nil
	}}
	f.OnPeerReady(peer, len(infoBytes))
	require.Len(t, sent, 1, "single-piece metadata should issue exactly one request")

	dataDict, err := bencode.Marshal(peer_protocol.MetadataExtendedMessage{
		MsgType:   peer_protocol.MetadataMsgTypeData,
		Piece:     0,
		TotalSize: len(infoBytes),
	})
	require.NoError(t, err)
	payload := append(dataDict, infoBytes...)

	require.NoError(t, f.OnExtendedMessage(peer, payload))
	require.True(t, f.Done())
	require.NotNil(t, got)
	require.Equal(t, "x.bin", got.Name)
}

func TestMetadataFetcherRejectTriggersFailover(t *testing.T) {
	infoHash := sha1.Sum([]byte("irrelevant"))
	var bannedAddr string
	f := NewMetadataFetcher(infoHash, log.Default, nil, func(addr string) { bannedAddr = addr })

	peer := metadataSub{addr: "p1", id: 3, send: func(peer_protocol.Message) error { return nil }}
	f.OnPeerReady(peer, metadataPieceSize)

	rejectBody, err := bencode.Marshal(peer_protocol.MetadataExtendedMessage{
		MsgType: peer_protocol.MetadataMsgTypeReject,
		Piece:   0,
	})
	require.NoError(t, err)
	require.NoError(t, f.OnExtendedMessage(peer, rejectBody))
	require.Equal(t, "p1", bannedAddr)
}

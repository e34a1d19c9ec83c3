package dashboard

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminalSinkFormatsByteRates(t *testing.T) {
	var buf bytes.Buffer
	s := NewTerminalSink(&buf)
	s.Emit(Event{
		Kind:            KindPieceComplete,
		Time:            time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Torrent:         "ubuntu.iso",
		Message:         "piece 3 verified",
		BytesDownloaded: 1024 * 1024,
		BytesUploaded:   0,
		BytesLeft:       1024,
		NumPeers:        4,
	})
	out := buf.String()
	require.Contains(t, out, "ubuntu.iso")
	require.Contains(t, out, "piece 3 verified")
	require.Contains(t, out, "1.0 MB")
}

func TestTerminalSinkErrorLineOmitsByteCounts(t *testing.T) {
	var buf bytes.Buffer
	s := NewTerminalSink(&buf)
	s.Emit(Event{Kind: KindError, Torrent: "x", Message: "disk full"})
	require.Contains(t, buf.String(), "disk full")
	require.NotContains(t, buf.String(), "peers")
}

func TestMultiSinkFansOutToEverySink(t *testing.T) {
	var a, b bytes.Buffer
	m := NewMultiSink(NewTerminalSink(&a), NewTerminalSink(&b))
	m.Emit(Event{Kind: KindTorrentComplete, Torrent: "x", Message: "done"})
	require.Contains(t, a.String(), "done")
	require.Contains(t, b.String(), "done")
}

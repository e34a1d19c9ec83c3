package dashboard

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestWebSocketSinkBroadcastsToConnectedClients(t *testing.T) {
	sink := NewWebSocketSink(log.Default)
	srv := httptest.NewServer(sink)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return sink.NumClients() == 1 }, time.Second, 10*time.Millisecond)

	sink.Emit(Event{Kind: KindPeerConnected, Torrent: "x", Message: "peer joined"})

	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, KindPeerConnected, got.Kind)
	require.Equal(t, "peer joined", got.Message)
}

package dashboard

import (
	"net/http"
	"sync"

	"github.com/anacrolix/log"
	"github.com/gorilla/websocket"
)

// WebSocketSink pushes every Event as JSON to each currently-connected
// client of its ServeHTTP handler. Off by default: nothing in this module
// constructs one; it is used only when a caller passes it in as a Sink.
type WebSocketSink struct {
	upgrader websocket.Upgrader
	logger   log.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewWebSocketSink(logger log.Logger) *WebSocketSink {
	return &WebSocketSink{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the connection and keeps it registered until it
// errors or closes; this sink never reads from the client beyond the
// upgrade handshake, so it just blocks on a read to notice disconnects.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Levelf(log.Warning, "dashboard: websocket upgrade: %v", err)
		return
	}

	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) Emit(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.clients {
		if err := conn.WriteJSON(e); err != nil {
			conn.Close()
			delete(s.clients, conn)
		}
	}
}

func (s *WebSocketSink) NumClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

package localapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/field-sync/field-sync/internal/observability"
	"github.com/field-sync/field-sync/internal/status"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback only; same-host clients are trusted
		return true
	},
}

// Hub fans the sync status stream out to connected WebSocket clients.
// Each client receives the current status on connect and every change
// afterwards.
type Hub struct {
	logger *observability.Logger

	mu      sync.Mutex
	nextID  int
	clients map[int]chan []byte
	closed  bool
}

// NewHub creates an empty hub
func NewHub(logger *observability.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[int]chan []byte),
	}
}

// Publish broadcasts a status update to all clients. Slow clients are
// dropped rather than allowed to stall the stream.
func (h *Hub) Publish(st status.SyncStatus) {
	payload, err := json.Marshal(st)
	if err != nil {
		h.logger.Error("failed to marshal status update", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, send := range h.clients {
		select {
		case send <- payload:
		default:
			close(send)
			delete(h.clients, id)
			h.logger.Warn("dropping slow websocket client", zap.Int("client_id", id))
		}
	}
}

// Close disconnects all clients
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, send := range h.clients {
		close(send)
		delete(h.clients, id)
	}
}

func (h *Hub) register() (int, chan []byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, nil, false
	}
	h.nextID++
	id := h.nextID
	send := make(chan []byte, 16)
	h.clients[id] = send
	return id, send, true
}

func (h *Hub) unregister(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[id]; ok {
		close(send)
		delete(h.clients, id)
	}
}

// ServeHTTP upgrades the connection and streams status updates until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id, send, ok := h.register()
	if !ok {
		conn.Close()
		return
	}

	go h.writePump(conn, send)
	h.readPump(conn, id)
}

// readPump discards client messages and detects disconnects
func (h *Hub) readPump(conn *websocket.Conn, id int) {
	defer func() {
		h.unregister(id)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case payload, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

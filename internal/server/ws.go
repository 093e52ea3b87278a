package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/fitform/armeasure/internal/facade"
	"github.com/fitform/armeasure/internal/platform"
	"github.com/fitform/armeasure/internal/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	// clientBuffer is the number of updates queued per stream client
	// before further updates are dropped for it.
	clientBuffer = 16
	writeWait    = 2 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The app connects from a WebView on the device
	},
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// StreamHandler pushes every measurement update to connected WebSocket
// clients. Slow clients miss updates rather than delaying the frame loop.
type StreamHandler struct {
	log         logrus.FieldLogger
	unsubscribe func()

	mu      sync.RWMutex
	clients map[*streamClient]bool
	closed  bool
}

// NewStreamHandler subscribes to f's measurement updates.
func NewStreamHandler(f *facade.Facade, log logrus.FieldLogger) *StreamHandler {
	h := &StreamHandler{
		log:     log,
		clients: make(map[*streamClient]bool),
	}
	h.unsubscribe = f.OnARMeasurementUpdate(h.broadcast)
	return h
}

// ServeHTTP handles WebSocket upgrade requests.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade error")
		return
	}
	defer conn.Close()

	c := &streamClient{conn: conn, send: make(chan []byte, clientBuffer)}
	if !h.add(c) {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		return
	}

	defer func() {
		h.mu.Lock()
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
	}()

	go h.write(c)

	// Keep connection alive by reading messages
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// add registers c unless the handler was closed during the upgrade.
func (h *StreamHandler) add(c *streamClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = true
	return true
}

func (h *StreamHandler) write(c *streamClient) {
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.conn.Close()
			return
		}
	}
}

// broadcast queues u for every client. It runs on the frame loop.
func (h *StreamHandler) broadcast(u session.Update) {
	msg, err := json.Marshal(u)
	if err != nil {
		h.log.WithError(err).Error("failed to encode measurement update")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.log.Debug("stream client too slow, dropping update")
		}
	}
}

// Clients returns the number of connected stream clients.
func (h *StreamHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close unsubscribes from updates and disconnects all clients.
func (h *StreamHandler) Close() {
	h.unsubscribe()

	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

// BridgeHandler attaches native AR clients to their platform bridge.
type BridgeHandler struct {
	bridges map[string]*platform.Bridge
	log     logrus.FieldLogger
}

// ServeHTTP handles GET /api/bridge/{platform} WebSocket upgrades.
func (h *BridgeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["platform"]
	b, ok := h.bridges[name]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown platform: "+name)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade error")
		return
	}

	if err := b.Serve(r.Context(), conn); err != nil {
		h.log.WithError(err).WithField("platform", name).Warn("native bridge closed")
	}
}

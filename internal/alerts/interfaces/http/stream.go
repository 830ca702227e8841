package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"hospital-pager/internal/auth"
	"hospital-pager/internal/eventing"
)

const (
	clientBuffer   = 32
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
	sseKeepAlive   = 25 * time.Second
)

// Broker fans alert events out to stream clients of the event's hospital scope.
// A client that cannot keep up loses events; it resynchronizes from the list endpoint.
type Broker struct {
	mu      sync.Mutex
	clients map[chan []byte]string
}

// NewBroker constructs a broker.
func NewBroker() *Broker {
	return &Broker{clients: make(map[chan []byte]string)}
}

// Publish implements eventing.Transport.
func (b *Broker) Publish(_ context.Context, evt eventing.AlertEvent) error {
	if b == nil {
		return nil
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b.mu.Lock()
	clients := make([]chan []byte, 0, len(b.clients))
	for ch, scopeID := range b.clients {
		if scopeID == evt.HospitalScopeID {
			clients = append(clients, ch)
		}
	}
	b.mu.Unlock()
	for _, ch := range clients {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe registers a client for one scope.
func (b *Broker) Subscribe(scopeID string) chan []byte {
	if b == nil {
		return nil
	}
	ch := make(chan []byte, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = scopeID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a client channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b == nil || ch == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[ch]
	delete(b.clients, ch)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// StreamHandler serves the SSE and WebSocket alert streams.
type StreamHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *Broker, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// ServeSSE handles GET /api/v1/alerts/stream.
func (h *StreamHandler) ServeSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	scopeID, err := auth.ResolveScope(r.Context(), r.URL.Query().Get("hospital_scope_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := h.broker.Subscribe(scopeID)
	defer h.broker.Unsubscribe(ch)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write([]byte("event: alert\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ServeWS handles GET /api/v1/alerts/ws.
func (h *StreamHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	scopeID, err := auth.ResolveScope(r.Context(), r.URL.Query().Get("hospital_scope_id"))
	if err != nil {
		respondError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ch := h.broker.Subscribe(scopeID)
	done := make(chan struct{})
	go h.readPump(conn, done)
	h.writePump(conn, ch, done)
	h.broker.Unsubscribe(ch)
}

// readPump discards client messages and tracks liveness through pongs.
func (h *StreamHandler) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket closed", zap.Error(err))
			}
			return
		}
	}
}

func (h *StreamHandler) writePump(conn *websocket.Conn, ch <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case payload, ok := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

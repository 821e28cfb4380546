package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trackguard/interlocking/infrastructure/logging"
	"github.com/trackguard/interlocking/internal/distributor"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	wsClientSendBuf = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The HMI frontend is served from a different origin than this API in most
	// deployments; origin checking belongs to the reverse proxy in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans out distributor.Event frames to every connected HMI client. It implements
// distributor.Observer (via the ObserverFunc adapter registered in Server.New) and is the
// only place the core's typed events are serialized to JSON for an external consumer.
type hub struct {
	log *logging.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newHub(log *logging.Logger) *hub {
	return &hub{log: log, clients: make(map[*wsClient]struct{})}
}

// broadcast matches distributor.Observer's OnEvent signature via distributor.ObserverFunc.
func (h *hub) broadcast(ev distributor.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.log.Error(context.Background(), "ws: marshal event failed", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// Client is too slow to drain; drop it rather than block the dispatch loop
			// that every other observer shares.
			h.removeLocked(c)
		}
	}
}

func (h *hub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *hub) removeLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	_ = c.conn.Close()
}

// handleWebSocket serves GET /ws, upgrading the connection and registering it with the hub
// for the lifetime of the socket. The HMI client is a consumer only: nothing it sends is read
// beyond keepalive control frames.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(r.Context(), "ws: upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, wsClientSendBuf)}
	s.hub.add(c)

	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop blocks on incoming frames purely to detect the client going away; the HMI never
// sends command data over this socket.
func (s *Server) readLoop(c *wsClient) {
	defer s.hub.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.hub.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.hub.remove(c)
				return
			}
		}
	}
}

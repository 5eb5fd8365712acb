package notify

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/blackbox-ledger/blackbox/internal/protocol"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	clientBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub streams completions to websocket subscribers. A subscriber may filter
// by asset with ?asset=0x... Slow subscribers are disconnected rather than
// allowed to block publishing.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	asset  *protocol.AssetID
	closed sync.Once
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log:     logger.Named("notify"),
		clients: make(map[*client]struct{}),
	}
}

// Publish implements Notifier.
func (h *Hub) Publish(c protocol.Completion) {
	msg, err := json.Marshal(c)
	if err != nil {
		h.log.Error("failed to encode completion", zap.String("request", c.CorrelationID), zap.Error(err))
		return
	}

	h.mu.RLock()
	var slow []*client
	for cl := range h.clients {
		if cl.asset != nil && *cl.asset != c.Asset {
			continue
		}
		select {
		case cl.send <- msg:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		h.log.Warn("dropping slow subscriber", zap.String("remote", cl.conn.RemoteAddr().String()))
		h.remove(cl)
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and registers a subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var filter *protocol.AssetID
	if q := r.URL.Query().Get("asset"); q != "" {
		a, err := protocol.HexToAssetID(q)
		if err != nil {
			http.Error(w, "invalid asset filter: "+err.Error(), http.StatusBadRequest)
			return
		}
		filter = &a
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	cl := &client{conn: conn, send: make(chan []byte, clientBuffer), asset: filter}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[cl] = struct{}{}
	h.mu.Unlock()

	go h.writePump(cl)
	go h.readPump(cl)
}

func (h *Hub) remove(cl *client) {
	h.mu.Lock()
	_, ok := h.clients[cl]
	delete(h.clients, cl)
	h.mu.Unlock()
	if ok {
		cl.closed.Do(func() { close(cl.send) })
	}
}

// readPump discards inbound frames and detects disconnects.
func (h *Hub) readPump(cl *client) {
	defer h.remove(cl)
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.remove(cl)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(cl)
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for cl := range clients {
		cl.closed.Do(func() { close(cl.send) })
	}
}

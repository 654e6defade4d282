package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/starmeter-project/starmeter/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientBacklog  = 256
	broadcastQueue = 1024
)

// StreamMessage is one websocket frame.
type StreamMessage struct {
	Type    events.EventType `json:"type"`
	Payload interface{}      `json:"payload"`
}

// Hub fans bus events out to websocket clients. A client that cannot keep
// up is disconnected.
type Hub struct {
	upgrader  websocket.Upgrader
	mu        sync.Mutex
	clients   map[*streamClient]struct{}
	broadcast chan []byte
	dropped   atomic.Uint64
	evicted   atomic.Uint64
	logger    zerolog.Logger
}

type streamClient struct {
	conn   *websocket.Conn
	remote string
	send   chan []byte
	once   sync.Once
}

func (sc *streamClient) close() {
	sc.once.Do(func() { close(sc.send) })
}

// NewHub creates a hub. Run must be started for messages to flow.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// origins are enforced by the CORS layer on the HTTP routes
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*streamClient]struct{}),
		broadcast: make(chan []byte, broadcastQueue),
		logger:    log.With().Str("component", "stream").Logger(),
	}
}

// Attach forwards combat, session and status events from bus.
func (h *Hub) Attach(bus *events.EventBus) {
	forward := func(_ context.Context, e events.Event) error {
		h.Publish(e.Type, e.Payload)
		return nil
	}
	bus.Subscribe(events.EventCombat, "stream.combat", forward)
	bus.Subscribe(events.EventDetected, "stream.detected", forward)
	bus.Subscribe(events.EventReset, "stream.reset", forward)
	bus.Subscribe(events.EventStatus, "stream.status", forward)
}

// Publish queues a message for every client without blocking.
func (h *Hub) Publish(t events.EventType, payload interface{}) {
	data, err := json.Marshal(StreamMessage{Type: t, Payload: payload})
	if err != nil {
		h.logger.Warn().Err(err).Str("event", string(t)).Msg("Failed to encode stream message")
		return
	}
	select {
	case h.broadcast <- data:
	default:
		h.dropped.Add(1)
	}
}

// Run delivers queued messages until ctx is cancelled, then closes every
// client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sc := range h.clients {
				delete(h.clients, sc)
				sc.close()
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			for sc := range h.clients {
				select {
				case sc.send <- msg:
				default:
					h.logger.Warn().Str("remote", sc.remote).Msg("Stream client too slow, disconnecting")
					delete(h.clients, sc)
					sc.close()
					h.evicted.Add(1)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns how many messages were lost on a full broadcast queue.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Evicted returns how many clients were disconnected for falling behind.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

// ServeWS upgrades the request and streams messages until either side
// closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sc := &streamClient{conn: conn, remote: conn.RemoteAddr().String(), send: make(chan []byte, clientBacklog)}
	h.mu.Lock()
	h.clients[sc] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug().Str("remote", sc.remote).Msg("Stream client connected")

	go h.writePump(sc)
	h.readPump(sc)
}

func (h *Hub) remove(sc *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[sc]; ok {
		delete(h.clients, sc)
		sc.close()
	}
	h.mu.Unlock()
}

// readPump discards client frames and notices when the peer goes away.
func (h *Hub) readPump(sc *streamClient) {
	defer h.remove(sc)

	sc.conn.SetReadLimit(512)
	sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := sc.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Stream client read error")
			}
			return
		}
	}
}

func (h *Hub) writePump(sc *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sc.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sc.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) handleStream(c *gin.Context) {
	s.hub.ServeWS(c.Writer, c.Request)
}

package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geekgame/glitter/internal/bus"
	"github.com/geekgame/glitter/internal/telemetry"
)

const (
	clientSendBuf = 64
	writeDeadline = 5 * time.Second
	hubPongWait   = 70 * time.Second
	hubPingPeriod = 30 * time.Second
)

// UserResolver authenticates a player connection from its auth token.
type UserResolver func(authToken string) (uid int64, group string, ok bool)

type wsClient struct {
	uid   int64
	group string
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
}

// Hub fans contest moments (first bloods, announcements, tick changes) out
// to logged-in players over WebSocket.
type Hub struct {
	resolve UserResolver
	logf    func(format string, args ...any)

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

var hubUpgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func NewHub(resolve UserResolver, logf func(format string, args ...any)) *Hub {
	return &Hub{
		resolve: resolve,
		logf:    logf,
		clients: make(map[*wsClient]struct{}),
	}
}

// Counts returns connected client and distinct user counts.
func (h *Hub) Counts() (clients int64, uids int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[int64]bool{}
	for c := range h.clients {
		seen[c.uid] = true
	}
	return int64(len(h.clients)), int64(len(seen))
}

// Run consumes the local message ring and forwards player-visible messages
// until ctx is done.
func (h *Hub) Run(ctx context.Context, ring *bus.Ring) {
	nextID := ring.NextID()
	for {
		msgs := ring.Wait(ctx, nextID)
		if msgs == nil {
			return
		}
		for _, m := range msgs {
			nextID = m.ID + 1
			h.forward(m)
		}
	}
}

func playerVisible(t string) bool {
	switch t {
	case "flag_first_blood", "challenge_first_blood", "new_announcement", "tick_update":
		return true
	}
	return false
}

func (h *Hub) forward(m bus.Message) {
	if !playerVisible(m.Type) {
		return
	}

	data, err := json.Marshal(map[string]any{
		"type":    m.Type,
		"payload": m.Payload,
	})
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if m.ToGroups != nil && !groupIn(m.ToGroups, c.group) {
			continue
		}
		select {
		case c.send <- data:
			telemetry.Metrics.PushMessages.Inc()
		default:
			telemetry.Metrics.PushDropped.Inc()
			h.logf("push: dropping message for slow client uid=%d", c.uid)
		}
	}
}

func groupIn(groups []string, g string) bool {
	for _, x := range groups {
		if x == g {
			return true
		}
	}
	return false
}

// HandleWS upgrades a player connection. Authentication is the same auth
// token the platform frontend carries: ?auth_token=...
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	uid, group, ok := h.resolve(r.URL.Query().Get("auth_token"))
	if !ok {
		http.Error(w, "invalid auth token", http.StatusForbidden)
		return
	}

	conn, err := hubUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logf("push: upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		uid:   uid,
		group: group,
		conn:  conn,
		send:  make(chan []byte, clientSendBuf),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	telemetry.Metrics.WSOnlineClients.Inc()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *wsClient) {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		h.removeClient(c)
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump keeps the connection alive by consuming pongs and close frames.
// Players never send payloads upstream.
func (h *Hub) readPump(c *wsClient) {
	defer close(c.done)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		telemetry.Metrics.WSOnlineClients.Dec()
	}
	h.mu.Unlock()
}

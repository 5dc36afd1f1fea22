// Package hub manages realtime websocket connections for band members
// watching their workspace. Connections live in an arena keyed by connection
// id; rooms are an index over it, so one connection can watch several
// workspaces and vanish from all of them on disconnect.
package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	serrors "github.com/backlinehq/syncd/internal/errors"
	"github.com/backlinehq/syncd/internal/metrics"
)

// Config holds hub tuning.
type Config struct {
	HeartbeatInterval time.Duration
	MissedHeartbeats  int // pings a client may miss before disconnect
	SendBuffer        int // outbound messages buffered per connection
	JWTSecret         string
}

// DefaultConfig returns hub defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		MissedHeartbeats:  2,
		SendBuffer:        32,
	}
}

// Hub is the connection arena plus the room index over it.
type Hub struct {
	cfg      Config
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*Conn
	rooms  map[string]map[string]*Conn
	closed bool
}

// New creates a hub.
func New(cfg Config, m *metrics.Metrics, logger zerolog.Logger) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MissedHeartbeats <= 0 {
		cfg.MissedHeartbeats = 2
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	return &Hub{
		cfg:     cfg,
		metrics: m,
		logger:  logger.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The daemon sits behind the product's own edge; origin policy
			// is enforced there.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

// ServeHTTP upgrades an authenticated request into a managed connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	claims, err := h.authenticate(r)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket auth rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	conn := &Conn{
		ID:         "conn_" + uuid.NewString(),
		UserID:     claims.Subject,
		workspaces: claims.workspaceSet(),
		hub:        h,
		ws:         ws,
		send:       make(chan []byte, h.cfg.SendBuffer),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[conn.ID] = conn
	total := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	h.logger.Info().
		Str("conn", conn.ID).
		Str("user", conn.UserID).
		Int("total", total).
		Msg("connection opened")

	go conn.writePump()
	conn.readPump()
}

// JoinRoom adds a connection to a room, creating the room on first join.
func (h *Hub) JoinRoom(connID, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, ok := h.conns[connID]
	if !ok {
		return serrors.ErrNotFound
	}
	if !conn.mayJoin(room) {
		return serrors.ErrAuthRequired
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		h.rooms[room] = members
	}
	members[connID] = conn
	conn.joined(room)
	return nil
}

// LeaveRoom removes a connection from a room. Empty rooms are dropped.
func (h *Hub) LeaveRoom(connID, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(connID, room)
}

func (h *Hub) leaveLocked(connID, room string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if conn, ok := h.conns[connID]; ok {
		conn.left(room)
	}
}

// Broadcast sends a message to every connection in a room and returns how
// many accepted it. Connections too slow to drain their buffer are dropped
// rather than allowed to stall the rest of the room.
func (h *Hub) Broadcast(room string, message []byte) int {
	h.mu.RLock()
	members := make([]*Conn, 0, len(h.rooms[room]))
	for _, c := range h.rooms[room] {
		members = append(members, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range members {
		select {
		case c.send <- message:
			sent++
			h.record("sent")
		default:
			h.record("dropped")
			h.logger.Warn().
				Str("conn", c.ID).
				Str("room", room).
				Msg("send buffer full, dropping slow connection")
			go c.close()
		}
	}
	return sent
}

// Disconnect closes a connection and removes it everywhere.
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	conn, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		conn.close()
	}
}

// remove is called by the connection itself once its pumps stop.
func (h *Hub) remove(conn *Conn) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID)
	for room := range conn.rooms {
		if members, ok := h.rooms[room]; ok {
			delete(members, conn.ID)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
	}
	total := len(h.conns)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
	h.logger.Info().
		Str("conn", conn.ID).
		Str("user", conn.UserID).
		Int("total", total).
		Msg("connection closed")
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Closed reports whether the hub has stopped accepting connections.
func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// RoomSize returns the number of connections in a room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

func (h *Hub) record(result string) {
	if h.metrics != nil {
		h.metrics.BroadcastsTotal.WithLabelValues(result).Inc()
	}
}

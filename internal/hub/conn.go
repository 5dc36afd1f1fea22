package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxMessageSize = 4096

// clientMessage is what a connected client may send: room membership changes.
type clientMessage struct {
	Action string `json:"action"` // "join" or "leave"
	Room   string `json:"room"`
}

// serverMessage is the envelope for everything the hub writes.
type serverMessage struct {
	Type  string          `json:"type"` // "joined", "left", "event", "error"
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Conn is one live websocket connection.
type Conn struct {
	ID     string
	UserID string

	workspaces map[string]struct{} // allowed rooms; empty = all
	hub        *Hub
	ws         *websocket.Conn
	send       chan []byte

	mu    sync.Mutex
	rooms map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func (c *Conn) mayJoin(room string) bool {
	if len(c.workspaces) == 0 {
		return true
	}
	_, ok := c.workspaces[room]
	return ok
}

func (c *Conn) joined(room string) {
	c.mu.Lock()
	if c.rooms == nil {
		c.rooms = make(map[string]struct{})
	}
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *Conn) left(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

// readDeadline is how long the peer may stay silent: the heartbeat interval
// times the allowed number of misses, plus slack for one round trip.
func (c *Conn) readDeadline() time.Time {
	grace := c.hub.cfg.HeartbeatInterval * time.Duration(c.hub.cfg.MissedHeartbeats)
	return time.Now().Add(grace + c.hub.cfg.HeartbeatInterval/2)
}

// readPump consumes client messages until the connection dies. Pongs push
// the read deadline forward; a client that misses enough heartbeats times
// out here and is removed.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(c.readDeadline())
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(c.readDeadline())
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug().Err(err).Str("conn", c.ID).Msg("read failed")
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(serverMessage{Type: "error", Error: "malformed message"})
			continue
		}

		switch msg.Action {
		case "join":
			if err := c.hub.JoinRoom(c.ID, msg.Room); err != nil {
				c.reply(serverMessage{Type: "error", Room: msg.Room, Error: "cannot join room"})
				continue
			}
			c.reply(serverMessage{Type: "joined", Room: msg.Room})
		case "leave":
			c.hub.LeaveRoom(c.ID, msg.Room)
			c.reply(serverMessage{Type: "left", Room: msg.Room})
		default:
			c.reply(serverMessage{Type: "error", Error: "unknown action"})
		}
	}
}

// writePump drains the send buffer and keeps the heartbeat going.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	writeWait := c.hub.cfg.HeartbeatInterval / 2
	if writeWait <= 0 {
		writeWait = time.Second
	}

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a message for this connection only, dropping it when the
// buffer is full.
func (c *Conn) reply(msg serverMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
	}
}

// close tears the connection down exactly once and removes it from the hub.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.ws.Close()
		c.hub.remove(c)
	})
}

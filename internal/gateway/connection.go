package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codestun/chatsync/internal/remote"
)

const (
	heartbeatInterval = 30 * time.Second
	heartbeatTimeout  = 10 * time.Second
	writeWait         = 10 * time.Second
	readWait          = 90 * time.Second
	maxMessageSize    = 4096
	outboxSize        = 64
)

// Connection is a single subscribed WebSocket client. Identity fields
// are set on identify and read-only afterwards.
type Connection struct {
	UserID         string
	UserName       string
	SessionID      string
	ConversationID string

	conn    *websocket.Conn
	outbox  chan []byte
	manager *Manager

	closeOnce sync.Once
	done      chan struct{}

	// Unix millis of the client's most recent heartbeat.
	lastBeat atomic.Int64
}

func newConnection(conn *websocket.Conn, manager *Manager) *Connection {
	c := &Connection{
		conn:    conn,
		outbox:  make(chan []byte, outboxSize),
		manager: manager,
		done:    make(chan struct{}),
	}
	c.lastBeat.Store(time.Now().UnixMilli())
	return c
}

// SendPayload marshals and queues a payload for delivery. A subscriber
// that cannot drain its outbox loses payloads rather than stalling the
// broadcast; the next snapshot supersedes anything dropped.
func (c *Connection) SendPayload(p remote.Payload) {
	data, err := json.Marshal(p)
	if err != nil {
		slog.Error("encoding payload", "sessionID", c.SessionID, "error", err)
		return
	}
	select {
	case c.outbox <- data:
	default:
		slog.Warn("outbox full, dropping payload", "sessionID", c.SessionID)
	}
}

// SendEvent queues a dispatch event.
func (c *Connection) SendEvent(name string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("encoding event", "event", name, "error", err)
		return
	}
	c.SendPayload(remote.Payload{Op: remote.OpDispatch, Data: raw, Event: &name})
}

// Close terminates the connection. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// beatOverdue reports whether the client missed its heartbeat window.
func (c *Connection) beatOverdue() bool {
	last := time.UnixMilli(c.lastBeat.Load())
	return time.Since(last) > heartbeatInterval+heartbeatTimeout
}

// readPump consumes client payloads until the socket errors or the
// read deadline lapses. The deadline is pushed on every payload, so a
// heartbeating client is never timed out here.
func (c *Connection) readPump() {
	defer func() {
		c.manager.unregister(c)
		c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(readWait))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("subscriber read ended", "sessionID", c.SessionID, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handlePayload(data)
	}
}

// writePump is the only writer on the socket. It drains the outbox,
// pings the client on a fixed cadence, and tears the connection down
// when the client stops answering.
func (c *Connection) writePump() {
	ticker := time.NewTicker(heartbeatInterval)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.outbox:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			if c.beatOverdue() {
				slog.Warn("heartbeat timeout", "sessionID", c.SessionID)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.SendPayload(remote.Payload{Op: remote.OpHeartbeat})

		case <-c.done:
			return
		}
	}
}

func (c *Connection) handlePayload(data []byte) {
	var payload remote.Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Error("invalid payload", "sessionID", c.SessionID, "error", err)
		return
	}

	switch payload.Op {
	case remote.OpHeartbeat:
		c.lastBeat.Store(time.Now().UnixMilli())
		c.SendPayload(remote.Payload{Op: remote.OpHeartbeatAck})

	case remote.OpIdentify:
		c.manager.handleIdentify(c, payload.Data)
	}
}

package chat

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message to the peer.
	maxMessageSize = 64 * 1024        // Maximum message size allowed from peer.
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session *Session
	logger  *slog.Logger

	// Transport-level keep-alive. The application heartbeat in Presence
	// decides liveness; this only catches dead TCP connections.
	pongWait   time.Duration
	pingPeriod time.Duration
}

func newClient(hub *Hub, conn *websocket.Conn, s *Session) *Client {
	pongWait := 2*hub.opts.HeartbeatInterval + writeWait
	return &Client{
		hub:        hub,
		conn:       conn,
		session:    s,
		logger:     hub.logger,
		pongWait:   pongWait,
		pingPeriod: (pongWait * 9) / 10,
	}
}

// ReadPump pumps frames from the websocket connection to the dispatcher.
// Frames from one connection run in order; different connections run
// concurrently in their own pumps.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Disconnect(c.session)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read failed", "user_id", c.session.UserID, "session_id", c.session.ID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.hub.Dispatch(c.session, message)
	}
}

// WritePump pumps queued frames from the session to the websocket
// connection, one frame per websocket message.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	out := c.session.Outbound()
	for {
		select {
		case frame, ok := <-out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The session was closed.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long one slow log subscriber may stall a send.
const writeWait = 10 * time.Second

// Client adapts a websocket connection to the hub's Subscriber interface.
// Log lines are delivered as text frames, one frame per line.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one frame. A failed send reports the error to the hub, which
// drops and closes the subscriber; live log frames are never retried.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug("dropping log subscriber", "error", err)
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

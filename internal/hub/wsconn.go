package hub

import (
	"context"

	"nhooyr.io/websocket"
)

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	c *websocket.Conn
}

// NewWSConn wraps an accepted websocket connection.
func NewWSConn(c *websocket.Conn) Conn { return &wsConn{c: c} }

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Ping(ctx context.Context) error {
	return w.c.Ping(ctx)
}

func (w *wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

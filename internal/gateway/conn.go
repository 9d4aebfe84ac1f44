package gateway

import (
	"context"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// sendTimeout bounds every outbound frame so one stalled client cannot block
// a broadcast pass.
const sendTimeout = 5 * time.Second

// wsConn adapts a *websocket.Conn to the room.Conn interface and carries the
// server-minted connection id used for drop-vote dedup.
type wsConn struct {
	id string
	c  *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{id: uuid.NewString(), c: c}
}

// ID returns the server-minted connection identifier.
func (w *wsConn) ID() string { return w.id }

// SendJSON writes v as a JSON text frame.
func (w *wsConn) SendJSON(ctx context.Context, v any) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return wsjson.Write(ctx, w.c, v)
}

// SendBytes writes data as a binary frame.
func (w *wsConn) SendBytes(ctx context.Context, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return w.c.Write(ctx, websocket.MessageBinary, data)
}

package api

import (
	"context"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	echo "github.com/labstack/echo/v5"

	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// wsHandler upgrades the connection and streams whiteboard frames over
// WebSocket with the same replay-then-tail semantics as the SSE endpoint.
// The read side is drained only for control frames; clients talk back
// through POST /wb/user_action, not the socket.
func (s *Server) wsHandler(c *echo.Context) error {
	sub := s.parseSubscription(c)
	log := s.logger.With("endpoint", "ws", "user_id", sub.userID)

	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is deferred until the API is exposed beyond
		// localhost; until then all origins are accepted.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusInternalError, "stream aborted")

	// CloseRead cancels the context when the peer closes or misbehaves.
	ctx := conn.CloseRead(c.Request().Context())

	send := func(ev wb.Event) error {
		return wsjson.Write(ctx, conn, frameOf(ev))
	}
	keepalive := func() error {
		return conn.Ping(ctx)
	}

	if err := s.pump(ctx, sub, send, keepalive); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("WebSocket stream ended", "error", err)
		return nil
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return nil
}

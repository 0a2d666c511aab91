package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// streamFrame is the wire shape of one whiteboard entry on the subscriber
// endpoints (SSE data field and WebSocket JSON messages).
type streamFrame struct {
	ID       string         `json:"id"`
	ThreadID string         `json:"thread_id,omitempty"`
	Values   map[string]any `json:"values"`
}

func frameOf(ev wb.Event) streamFrame {
	return streamFrame{ID: ev.ID, ThreadID: ev.ThreadID, Values: ev.Values}
}

// subscription holds the parsed parameters of a subscriber connection.
type subscription struct {
	userID string
	after  string // resume cursor; empty means full retained window
	thread string // optional thread filter; cursor still advances past filtered entries
}

func (s *Server) parseSubscription(c *echo.Context) subscription {
	after := c.QueryParam("after")
	if after == "" {
		// SSE reconnects resend the last delivered ID as a header.
		after = c.Request().Header.Get("Last-Event-ID")
	}
	return subscription{
		userID: wb.NormalizeUser(c.QueryParam("user_id")),
		after:  after,
		thread: c.QueryParam("thread_id"),
	}
}

func (sub subscription) wants(ev wb.Event) bool {
	return sub.thread == "" || ev.ThreadID == sub.thread
}

// pump replays the retained window after the cursor, then follows the live
// tail, calling send for every matching entry and keepalive when the
// connection has been idle for the configured interval. It returns nil once
// ctx is done; any other error means the connection is unusable.
func (s *Server) pump(ctx context.Context, sub subscription, send func(wb.Event) error, keepalive func() error) error {
	cursor := sub.after

	for {
		events, err := s.bus.ReadRange(ctx, sub.userID, cursor, s.cfg.ReplayBatch)
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		if len(events) == 0 {
			break
		}
		for _, ev := range events {
			cursor = ev.ID
			if !sub.wants(ev) {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}

	lastActivity := time.Now()
	for {
		events, next, err := s.bus.Tail(ctx, sub.userID, cursor)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("tail failed: %w", err)
		}
		cursor = next
		for _, ev := range events {
			if !sub.wants(ev) {
				continue
			}
			if err := send(ev); err != nil {
				return err
			}
			lastActivity = time.Now()
		}
		if time.Since(lastActivity) >= s.cfg.SSEKeepalive {
			if err := keepalive(); err != nil {
				return err
			}
			lastActivity = time.Now()
		}
	}
}

// streamHandler serves the whiteboard as a Server-Sent Events stream:
// replay from the cursor first, then live entries as they append. Each
// frame's SSE id is the stream ID, so reconnecting clients resume via
// Last-Event-ID without missing retained entries.
func (s *Server) streamHandler(c *echo.Context) error {
	sub := s.parseSubscription(c)
	log := s.logger.With("endpoint", "sse", "user_id", sub.userID)

	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Response().WriteHeader(http.StatusOK)

	rc := http.NewResponseController(c.Response())
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("streaming unsupported: %w", err)
	}

	send := func(ev wb.Event) error {
		data, err := json.Marshal(frameOf(ev))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(c.Response(), "id: %s\ndata: %s\n\n", ev.ID, data); err != nil {
			return err
		}
		return rc.Flush()
	}
	keepalive := func() error {
		if _, err := fmt.Fprint(c.Response(), ": keepalive\n\n"); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := s.pump(c.Request().Context(), sub, send, keepalive); err != nil {
		// Headers are already out; all we can do is drop the connection.
		log.Warn("SSE stream ended", "error", err)
	}
	return nil
}

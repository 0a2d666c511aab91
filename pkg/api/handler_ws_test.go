package api

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWS_ReplaysThenStreamsFrames(t *testing.T) {
	srv, bus := newStreamingServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := bus.Append(ctx, "u1", "t1", map[string]any{"type": "calendar.plan.proposed"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, srv.URL+"/wb/ws?user_id=u1", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &first))
	assert.Equal(t, id1, first.ID)
	assert.Equal(t, "t1", first.ThreadID)
	assert.Equal(t, "calendar.plan.proposed", first.Values["type"])

	id2, err := bus.Append(ctx, "u1", "t1", map[string]any{"type": "plan.new_version"})
	require.NoError(t, err)

	var second streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &second))
	assert.Equal(t, id2, second.ID)
}

func TestWS_ThreadFilterDropsOtherThreads(t *testing.T) {
	srv, bus := newStreamingServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := bus.Append(ctx, "u1", "other", map[string]any{"type": "a"})
	require.NoError(t, err)
	id2, err := bus.Append(ctx, "u1", "mine", map[string]any{"type": "b"})
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, srv.URL+"/wb/ws?user_id=u1&thread_id=mine", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var frame streamFrame
	require.NoError(t, wsjson.Read(ctx, conn, &frame))
	assert.Equal(t, id2, frame.ID)
}

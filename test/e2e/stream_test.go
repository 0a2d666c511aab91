package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
)

// readSSEIDs reads frames off the SSE endpoint until count events arrived
// or the timeout elapsed, returning the event IDs in delivery order.
func readSSEIDs(t *testing.T, baseURL, query string, count int, timeout time.Duration) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/wb/stream?"+query, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
			if len(ids) == count {
				break
			}
		}
	}
	return ids
}

// Two subscribers starting from the same cursor observe the same events in
// the same append order.
func TestStreamReadersObserveSameOrder(t *testing.T) {
	app := NewTestApp(t)

	// Payload types the manager has no handler for, so the whiteboard holds
	// exactly what we append here.
	var appended []string
	for i := 0; i < 5; i++ {
		id := app.AppendWB("thread-sse", map[string]any{
			"type": "stream.probe",
			"seq":  fmt.Sprintf("%d", i),
		})
		appended = append(appended, id)
	}

	query := "user_id=" + testUser + "&after=0-0"
	first := readSSEIDs(t, app.BaseURL, query, len(appended), awaitTimeout)
	second := readSSEIDs(t, app.BaseURL, query, len(appended), awaitTimeout)

	assert.Equal(t, appended, first)
	assert.Equal(t, first, second)
}

// A thread filter narrows delivery without disturbing order, and frames
// carry well-formed JSON payloads.
func TestStreamThreadFilter(t *testing.T) {
	app := NewTestApp(t)

	app.AppendWB("thread-a", map[string]any{"type": events.TypeProdNudge, "block_id": "B1", "activity_label": "coding"})
	app.AppendWB("thread-b", map[string]any{"type": events.TypeProdNudge, "block_id": "B2", "activity_label": "writing"})
	app.AppendWB("thread-a", map[string]any{"type": events.TypeProdNudge, "block_id": "B3", "activity_label": "reading"})

	ctx, cancel := context.WithTimeout(context.Background(), awaitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		app.BaseURL+"/wb/stream?user_id="+testUser+"&after=0-0&thread_id=thread-a", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var blocks []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame struct {
			ID       string         `json:"id"`
			ThreadID string         `json:"thread_id"`
			Values   map[string]any `json:"values"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		require.Equal(t, "thread-a", frame.ThreadID)
		if frame.Values["type"] == events.TypeProdNudge {
			blocks = append(blocks, frame.Values["block_id"].(string))
		}
		if len(blocks) == 2 {
			break
		}
	}
	assert.Equal(t, []string{"B1", "B3"}, blocks)
}

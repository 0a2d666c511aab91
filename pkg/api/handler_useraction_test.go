package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

func postUserAction(s *Server, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/wb/user_action", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestUserAction_AcceptedAndAppended(t *testing.T) {
	s, bus := newTestServer()

	rec := postUserAction(s, `{
		"user_id": "u1",
		"thread_id": "t1",
		"action_id": "act-1",
		"choice": "refocus"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["wb_id"])

	entries := bus.Entries(wb.WBKey("u1"))
	require.Len(t, entries, 1)
	assert.Equal(t, resp["wb_id"], entries[0].ID)
	assert.Equal(t, events.TypeManagerUserAction, entries[0].Type())
	assert.Equal(t, "act-1", entries[0].Values["action_id"])
}

func TestUserAction_MissingChoiceIsRejected(t *testing.T) {
	s, bus := newTestServer()

	rec := postUserAction(s, `{"user_id": "u1", "thread_id": "t1", "action_id": "act-1"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, bus.Entries(wb.WBKey("u1")))
}

func TestUserAction_MalformedBodyIsRejected(t *testing.T) {
	s, _ := newTestServer()

	rec := postUserAction(s, `{not json`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

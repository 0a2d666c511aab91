package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// ErrCalendarUnavailable covers transport errors and 5xx responses from the
// calendar API.
var ErrCalendarUnavailable = errors.New("calendar API unavailable")

const maxResponseBytes = 1 << 20

// windowResponse is the GET events window response body.
type windowResponse struct {
	Events    []Event `json:"events"`
	SyncToken string  `json:"sync_token"`
}

// HTTPSource talks to the external calendar store over its REST API.
type HTTPSource struct {
	baseURL string
	httpc   *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource builds a calendar source from configuration.
func NewHTTPSource(cfg *config.CalendarConfig) *HTTPSource {
	return &HTTPSource{
		baseURL: cfg.APIURL,
		httpc:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (s *HTTPSource) eventsURL(userID, calendarID string) string {
	return fmt.Sprintf("%s/users/%s/calendars/%s/events",
		s.baseURL, url.PathEscape(userID), url.PathEscape(calendarID))
}

// Window returns the current event window and a fresh sync token.
func (s *HTTPSource) Window(ctx context.Context, userID, calendarID string) ([]Event, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.eventsURL(userID, calendarID), nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build calendar window request: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
		return nil, "", fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", s.statusError(resp.StatusCode)
	}
	var window windowResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&window); err != nil {
		metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
		return nil, "", fmt.Errorf("failed to decode calendar window: %w", err)
	}
	metrics.ExternalCalls.WithLabelValues("calendar", "ok").Inc()
	return window.Events, window.SyncToken, nil
}

// Fetch returns the event's current external state, nil when deleted.
func (s *HTTPSource) Fetch(ctx context.Context, userID, calendarID, eventID string) (*Event, error) {
	u := s.eventsURL(userID, calendarID) + "/" + url.PathEscape(eventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build calendar fetch request: %w", err)
	}
	resp, err := s.httpc.Do(req)
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ev Event
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&ev); err != nil {
			metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
			return nil, fmt.Errorf("failed to decode calendar event: %w", err)
		}
		metrics.ExternalCalls.WithLabelValues("calendar", "ok").Inc()
		return &ev, nil
	case http.StatusNotFound, http.StatusGone:
		metrics.ExternalCalls.WithLabelValues("calendar", "ok").Inc()
		return nil, nil
	default:
		return nil, s.statusError(resp.StatusCode)
	}
}

// Write applies a planned event to the external store.
func (s *HTTPSource) Write(ctx context.Context, userID, calendarID string, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode calendar event: %w", err)
	}
	u := s.eventsURL(userID, calendarID) + "/" + url.PathEscape(ev.EventID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build calendar write request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
		return fmt.Errorf("%w: %v", ErrCalendarUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.statusError(resp.StatusCode)
	}
	metrics.ExternalCalls.WithLabelValues("calendar", "ok").Inc()
	return nil
}

func (s *HTTPSource) statusError(code int) error {
	if code == http.StatusGone {
		metrics.ExternalCalls.WithLabelValues("calendar", "sync_expired").Inc()
		return ErrSyncExpired
	}
	metrics.ExternalCalls.WithLabelValues("calendar", "error").Inc()
	return fmt.Errorf("%w: status %d", ErrCalendarUnavailable, code)
}

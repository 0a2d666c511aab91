// Package calendar implements the calendar-planner subagent: it applies
// calendar deltas to a per-user shadow calendar, asks the planner for a
// candidate plan, persists proposals, and exposes the drift-checked confirm
// path the manager graph applies proposals through.
package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultCalendarID substitutes for deltas that do not name a calendar.
const DefaultCalendarID = "primary"

// Event is one calendar event as mirrored in the shadow.
type Event struct {
	EventID    string `json:"event_id"`
	CalendarID string `json:"calendar_id"`
	Title      string `json:"title"`
	Start      string `json:"start"` // RFC3339
	End        string `json:"end"`   // RFC3339
	Updated    string `json:"updated,omitempty"`
}

// Equal reports whether two events describe the same scheduled slot. The
// confirm path uses this to detect out-of-band drift.
func (e Event) Equal(other Event) bool {
	return e.Title == other.Title && e.Start == other.Start && e.End == other.End
}

// ShadowStore persists the per-(user, calendar) mirror of external state and
// the sync token used to request incremental changes.
type ShadowStore interface {
	// Get returns the mirrored event, or nil when the shadow has none.
	Get(ctx context.Context, userID, calendarID, eventID string) (*Event, error)
	// Upsert stores one mirrored event.
	Upsert(ctx context.Context, userID, calendarID string, ev Event) error
	// Delete removes one mirrored event. Deleting an absent event is a no-op.
	Delete(ctx context.Context, userID, calendarID, eventID string) error
	// ReplaceAll swaps the whole mirror for a freshly bootstrapped window.
	ReplaceAll(ctx context.Context, userID, calendarID string, evs []Event) error
	// SyncToken returns the stored token, empty when never bootstrapped.
	SyncToken(ctx context.Context, userID, calendarID string) (string, error)
	// SetSyncToken persists a new token.
	SetSyncToken(ctx context.Context, userID, calendarID, token string) error
}

func shadowKey(userID, calendarID string) string {
	return "cal:shadow:" + userID + ":" + calendarID
}

func syncTokenKey(userID, calendarID string) string {
	return "cal:sync_token:" + userID + ":" + calendarID
}

// RedisShadowStore keeps the mirror in a hash keyed by event ID with the
// sync token in a sibling string key.
type RedisShadowStore struct {
	client *redis.Client
}

var _ ShadowStore = (*RedisShadowStore)(nil)

// NewRedisShadowStore creates a shadow store over an existing Redis client.
func NewRedisShadowStore(client *redis.Client) *RedisShadowStore {
	return &RedisShadowStore{client: client}
}

// Get returns the mirrored event, or nil when the shadow has none.
func (s *RedisShadowStore) Get(ctx context.Context, userID, calendarID, eventID string) (*Event, error) {
	raw, err := s.client.HGet(ctx, shadowKey(userID, calendarID), eventID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read shadow event %s: %w", eventID, err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("corrupt shadow event %s: %w", eventID, err)
	}
	return &ev, nil
}

// Upsert stores one mirrored event.
func (s *RedisShadowStore) Upsert(ctx context.Context, userID, calendarID string, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode shadow event %s: %w", ev.EventID, err)
	}
	if err := s.client.HSet(ctx, shadowKey(userID, calendarID), ev.EventID, raw).Err(); err != nil {
		return fmt.Errorf("failed to store shadow event %s: %w", ev.EventID, err)
	}
	return nil
}

// Delete removes one mirrored event.
func (s *RedisShadowStore) Delete(ctx context.Context, userID, calendarID, eventID string) error {
	if err := s.client.HDel(ctx, shadowKey(userID, calendarID), eventID).Err(); err != nil {
		return fmt.Errorf("failed to delete shadow event %s: %w", eventID, err)
	}
	return nil
}

// ReplaceAll swaps the whole mirror for a freshly bootstrapped window.
func (s *RedisShadowStore) ReplaceAll(ctx context.Context, userID, calendarID string, evs []Event) error {
	key := shadowKey(userID, calendarID)
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	for _, ev := range evs {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode shadow event %s: %w", ev.EventID, err)
		}
		pipe.HSet(ctx, key, ev.EventID, raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to replace shadow for %s: %w", userID, err)
	}
	return nil
}

// SyncToken returns the stored token, empty when never bootstrapped.
func (s *RedisShadowStore) SyncToken(ctx context.Context, userID, calendarID string) (string, error) {
	token, err := s.client.Get(ctx, syncTokenKey(userID, calendarID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read sync token for %s: %w", userID, err)
	}
	return token, nil
}

// SetSyncToken persists a new token.
func (s *RedisShadowStore) SetSyncToken(ctx context.Context, userID, calendarID, token string) error {
	if err := s.client.Set(ctx, syncTokenKey(userID, calendarID), token, 0).Err(); err != nil {
		return fmt.Errorf("failed to store sync token for %s: %w", userID, err)
	}
	return nil
}

// MemoryShadowStore is the in-process ShadowStore for unit tests.
type MemoryShadowStore struct {
	mu     sync.Mutex
	events map[string]map[string]Event // shadowKey -> eventID -> event
	tokens map[string]string
}

var _ ShadowStore = (*MemoryShadowStore)(nil)

// NewMemoryShadowStore creates an empty in-process shadow store.
func NewMemoryShadowStore() *MemoryShadowStore {
	return &MemoryShadowStore{
		events: make(map[string]map[string]Event),
		tokens: make(map[string]string),
	}
}

// Get returns the mirrored event, or nil when the shadow has none.
func (s *MemoryShadowStore) Get(_ context.Context, userID, calendarID, eventID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[shadowKey(userID, calendarID)][eventID]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

// Upsert stores one mirrored event.
func (s *MemoryShadowStore) Upsert(_ context.Context, userID, calendarID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := shadowKey(userID, calendarID)
	if s.events[key] == nil {
		s.events[key] = make(map[string]Event)
	}
	s.events[key][ev.EventID] = ev
	return nil
}

// Delete removes one mirrored event.
func (s *MemoryShadowStore) Delete(_ context.Context, userID, calendarID, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.events[shadowKey(userID, calendarID)], eventID)
	return nil
}

// ReplaceAll swaps the whole mirror for a freshly bootstrapped window.
func (s *MemoryShadowStore) ReplaceAll(_ context.Context, userID, calendarID string, evs []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh := make(map[string]Event, len(evs))
	for _, ev := range evs {
		fresh[ev.EventID] = ev
	}
	s.events[shadowKey(userID, calendarID)] = fresh
	return nil
}

// SyncToken returns the stored token, empty when never bootstrapped.
func (s *MemoryShadowStore) SyncToken(_ context.Context, userID, calendarID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[syncTokenKey(userID, calendarID)], nil
}

// SetSyncToken persists a new token.
func (s *MemoryShadowStore) SetSyncToken(_ context.Context, userID, calendarID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[syncTokenKey(userID, calendarID)] = token
	return nil
}

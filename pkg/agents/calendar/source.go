package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSyncExpired is returned by a Source when the stored sync token can no
// longer be used for incremental changes; the subagent then re-bootstraps
// the window with a fresh token.
var ErrSyncExpired = errors.New("calendar sync token expired")

// Source is the external calendar collaborator: the store the shadow
// mirrors and the confirm path writes through. The OAuth plumbing behind it
// is not this package's concern.
type Source interface {
	// Window returns the current event window and a fresh sync token.
	Window(ctx context.Context, userID, calendarID string) ([]Event, string, error)
	// Fetch returns the event's current external state, nil when deleted.
	Fetch(ctx context.Context, userID, calendarID, eventID string) (*Event, error)
	// Write applies a planned event to the external store.
	Write(ctx context.Context, userID, calendarID string, ev Event) error
}

// MemorySource is the in-process Source for unit tests. Tests mutate its
// event map directly to simulate out-of-band edits.
type MemorySource struct {
	mu     sync.Mutex
	events map[string]Event // "{user}:{cal}:{event}" -> event
	token  string
	writes []Event

	// WriteErr, when set, fails every Write call.
	WriteErr error
}

var _ Source = (*MemorySource)(nil)

// NewMemorySource creates an empty in-process source.
func NewMemorySource() *MemorySource {
	return &MemorySource{events: make(map[string]Event), token: "token-0"}
}

func (s *MemorySource) key(userID, calendarID, eventID string) string {
	return fmt.Sprintf("%s:%s:%s", userID, calendarID, eventID)
}

// Put seeds or mutates one external event.
func (s *MemorySource) Put(userID, calendarID string, ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[s.key(userID, calendarID, ev.EventID)] = ev
}

// SetToken controls the token Window hands back.
func (s *MemorySource) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

// Writes returns the events written so far.
func (s *MemorySource) Writes() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.writes))
	copy(out, s.writes)
	return out
}

// Window returns every seeded event and the configured token.
func (s *MemorySource) Window(_ context.Context, userID, calendarID string) ([]Event, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := userID + ":" + calendarID + ":"
	var out []Event
	for key, ev := range s.events {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, ev)
		}
	}
	return out, s.token, nil
}

// Fetch returns the event's current external state, nil when deleted.
func (s *MemorySource) Fetch(_ context.Context, userID, calendarID, eventID string) (*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[s.key(userID, calendarID, eventID)]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

// Write applies a planned event to the external store.
func (s *MemorySource) Write(_ context.Context, userID, calendarID string, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.events[s.key(userID, calendarID, ev.EventID)] = ev
	s.writes = append(s.writes, ev)
	return nil
}

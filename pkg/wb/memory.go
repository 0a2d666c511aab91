package wb

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryBus is an in-process Whiteboard used by unit tests and local
// development. It reproduces the fabric's observable semantics (ordered
// IDs, blocking tail, trim) without a Redis server. Values are stored as
// provided, not round-tripped through the wire encoding.
type MemoryBus struct {
	mu      sync.Mutex
	streams map[string][]Event
	lastID  map[string]string
	lastMS  int64
	lastSeq int64
	notify  chan struct{}

	maxLen int
	batch  int
	block  time.Duration
	now    func() time.Time
}

var _ Whiteboard = (*MemoryBus)(nil)

// MemoryOption customizes a MemoryBus.
type MemoryOption func(*MemoryBus)

// WithMemoryMaxLen overrides the exact per-stream retention cap.
func WithMemoryMaxLen(n int) MemoryOption {
	return func(m *MemoryBus) { m.maxLen = n }
}

// WithMemoryBatch overrides the per-tail batch size.
func WithMemoryBatch(n int) MemoryOption {
	return func(m *MemoryBus) { m.batch = n }
}

// WithMemoryBlock overrides the tail blocking interval.
func WithMemoryBlock(d time.Duration) MemoryOption {
	return func(m *MemoryBus) { m.block = d }
}

// WithMemoryClock injects a fake clock for deterministic IDs.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryBus) { m.now = now }
}

// NewMemoryBus creates an empty in-process fabric.
func NewMemoryBus(opts ...MemoryOption) *MemoryBus {
	m := &MemoryBus{
		streams: make(map[string][]Event),
		lastID:  make(map[string]string),
		notify:  make(chan struct{}),
		maxLen:  DefaultMaxLenApprox,
		batch:   DefaultBatchCount,
		block:   DefaultBlock,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Append writes one whiteboard entry and returns its assigned ID.
func (m *MemoryBus) Append(ctx context.Context, userID, threadID string, values map[string]any) (string, error) {
	if strings.TrimSpace(threadID) == "" {
		return "", ErrMissingThreadID
	}
	stamped := copyValues(values)
	if _, ok := stamped["thread_id"]; !ok {
		stamped["thread_id"] = threadID
	}
	return m.AppendTo(ctx, WBKey(userID), stamped)
}

// AppendTo writes one entry to an arbitrary stream key.
func (m *MemoryBus) AppendTo(_ context.Context, stream string, values map[string]any) (string, error) {
	stamped := copyValues(values)
	if _, ok := stamped["ts"]; !ok {
		stamped["ts"] = m.now().UTC().Format(time.RFC3339Nano)
	}
	threadID, _ := stamped["thread_id"].(string)

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextIDLocked()
	ev := Event{
		ID:       id,
		Stream:   stream,
		UserID:   userFromStream(stream),
		ThreadID: threadID,
		Values:   stamped,
	}
	entries := append(m.streams[stream], ev)
	if m.maxLen > 0 && len(entries) > m.maxLen {
		entries = entries[len(entries)-m.maxLen:]
	}
	m.streams[stream] = entries
	m.lastID[stream] = id

	close(m.notify)
	m.notify = make(chan struct{})
	return id, nil
}

// Tail blocks up to the configured interval for entries strictly after
// afterID, mirroring the Redis bus contract.
func (m *MemoryBus) Tail(ctx context.Context, userID, afterID string) ([]Event, string, error) {
	stream := WBKey(userID)
	deadline := time.NewTimer(m.block)
	defer deadline.Stop()

	m.mu.Lock()
	start := afterID
	if start == "" {
		start = m.lastIDLocked(stream)
	}
	for {
		if events := m.afterLocked(stream, start, m.batch); len(events) > 0 {
			next := events[len(events)-1].ID
			m.mu.Unlock()
			return events, next, nil
		}
		ch := m.notify
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case <-deadline.C:
			return nil, start, nil
		case <-ch:
		}
		m.mu.Lock()
	}
}

// ReadRange returns up to count entries strictly after afterID without
// blocking.
func (m *MemoryBus) ReadRange(_ context.Context, userID, afterID string, count int64) ([]Event, error) {
	if count <= 0 {
		count = int64(m.batch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.afterLocked(WBKey(userID), afterID, int(count)), nil
}

// Entries snapshots a stream's retained entries, oldest first. Test helper.
func (m *MemoryBus) Entries(stream string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.streams[stream]))
	copy(out, m.streams[stream])
	return out
}

func (m *MemoryBus) lastIDLocked(stream string) string {
	if id, ok := m.lastID[stream]; ok {
		return id
	}
	return "0-0"
}

func (m *MemoryBus) afterLocked(stream, afterID string, limit int) []Event {
	var out []Event
	for _, ev := range m.streams[stream] {
		if afterID != "" && !IDAfter(ev.ID, afterID) {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (m *MemoryBus) nextIDLocked() string {
	ms := m.now().UnixMilli()
	if ms <= m.lastMS {
		ms = m.lastMS
		m.lastSeq++
	} else {
		m.lastMS = ms
		m.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, m.lastSeq)
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values)+2)
	for k, v := range values {
		out[k] = v
	}
	return out
}

func userFromStream(stream string) string {
	parts := strings.SplitN(stream, ":", 3)
	if len(parts) < 3 || parts[0] != "user" {
		return ""
	}
	return parts[1]
}

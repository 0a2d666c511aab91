package manager

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// MemoryCheckpointStore is an in-process CheckpointStore for unit tests and
// local development. Same observable semantics as the Redis store.
type MemoryCheckpointStore struct {
	mu      sync.Mutex
	records map[string]*memoryCheckpoint
	now     func() time.Time
}

type memoryCheckpoint struct {
	cp      Checkpoint
	effects map[string]time.Time
}

var (
	_ CheckpointStore = (*MemoryCheckpointStore)(nil)
	_ Compactable     = (*MemoryCheckpointStore)(nil)
)

// NewMemoryCheckpointStore creates an empty in-process store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		records: make(map[string]*memoryCheckpoint),
		now:     time.Now,
	}
}

// SetClock injects a fake clock for compaction tests.
func (s *MemoryCheckpointStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Get loads a copy of the checkpoint, zero-valued when absent.
func (s *MemoryCheckpointStore) Get(_ context.Context, userID, threadID string) (*Checkpoint, error) {
	if err := validateThread(userID, threadID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID+":"+threadID]
	if !ok {
		return &Checkpoint{}, nil
	}
	cp := rec.cp
	cp.SideEffects = rec.sortedEffects()
	return &cp, nil
}

// Save stores the scalar checkpoint fields, refusing backward moves.
func (s *MemoryCheckpointStore) Save(_ context.Context, userID, threadID string, cp *Checkpoint) error {
	if err := validateThread(userID, threadID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID, threadID)
	if rec.cp.LastWBID != "" && wb.CompareIDs(cp.LastWBID, rec.cp.LastWBID) < 0 {
		return fmt.Errorf("refusing to move checkpoint for %s:%s backward from %s to %s",
			userID, threadID, rec.cp.LastWBID, cp.LastWBID)
	}
	stored := *cp
	stored.SideEffects = nil
	rec.cp = stored
	return nil
}

// RecordSideEffect inserts an idempotency key; false on duplicate.
func (s *MemoryCheckpointStore) RecordSideEffect(_ context.Context, userID, threadID string, cp *Checkpoint, key string) (bool, error) {
	if err := validateThread(userID, threadID); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(userID, threadID)
	if _, exists := rec.effects[key]; exists {
		return false, nil
	}
	rec.effects[key] = s.now()
	if cp != nil && !cp.HasSideEffect(key) {
		cp.SideEffects = append(cp.SideEffects, key)
	}
	return true, nil
}

// Threads lists every checkpointed (user, thread) pair.
func (s *MemoryCheckpointStore) Threads(_ context.Context) ([]ThreadID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ThreadID, 0, len(s.records))
	for key := range s.records {
		for i := 0; i < len(key); i++ {
			if key[i] == ':' {
				out = append(out, ThreadID{UserID: key[:i], ThreadID: key[i+1:]})
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

// CompactSideEffects trims to the newest keep keys and drops keys older than
// maxAge, updating the compaction summary.
func (s *MemoryCheckpointStore) CompactSideEffects(_ context.Context, userID, threadID string, keep int64, maxAge time.Duration) (int64, error) {
	if err := validateThread(userID, threadID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[userID+":"+threadID]
	if !ok {
		return 0, nil
	}

	type entry struct {
		key string
		at  time.Time
	}
	entries := make([]entry, 0, len(rec.effects))
	for k, at := range rec.effects {
		entries = append(entries, entry{key: k, at: at})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = s.now().Add(-maxAge)
	}
	var removed int64
	for i, e := range entries {
		tooMany := keep >= 0 && int64(len(entries)-i) > keep
		tooOld := !cutoff.IsZero() && e.at.Before(cutoff)
		if !tooMany && !tooOld {
			continue
		}
		delete(rec.effects, e.key)
		removed++
		rec.cp.CompactedCount++
		if id := wbIDFromSideEffectKey(e.key); wb.IDAfter(id, rec.cp.CompactedThrough) {
			rec.cp.CompactedThrough = id
		}
	}
	return removed, nil
}

func (s *MemoryCheckpointStore) record(userID, threadID string) *memoryCheckpoint {
	key := userID + ":" + threadID
	rec, ok := s.records[key]
	if !ok {
		rec = &memoryCheckpoint{effects: make(map[string]time.Time)}
		s.records[key] = rec
	}
	return rec
}

func (r *memoryCheckpoint) sortedEffects() []string {
	type entry struct {
		key string
		at  time.Time
	}
	entries := make([]entry, 0, len(r.effects))
	for k, at := range r.effects {
		entries = append(entries, entry{key: k, at: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].key < entries[j].key
		}
		return entries[i].at.Before(entries[j].at)
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.key
	}
	return out
}

package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KeySet is the once-only primitive the subagents deduplicate with:
// proposal emits per delta, triage per message, mail sends per draft.
// Insert is atomic; a false return means someone already claimed the key.
type KeySet interface {
	// Insert claims key for ttl. Returns false when already claimed.
	Insert(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees a claimed key so a failed effect can be retried.
	Release(ctx context.Context, key string) error
}

// RedisKeySet claims keys with SET NX EX.
type RedisKeySet struct {
	client *redis.Client
}

var _ KeySet = (*RedisKeySet)(nil)

// NewRedisKeySet creates a key set over an existing Redis client.
func NewRedisKeySet(client *redis.Client) *RedisKeySet {
	return &RedisKeySet{client: client}
}

// Insert claims key for ttl.
func (s *RedisKeySet) Insert(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim key %s: %w", key, err)
	}
	return ok, nil
}

// Release frees a claimed key.
func (s *RedisKeySet) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to release key %s: %w", key, err)
	}
	return nil
}

// MemoryKeySet is the in-process KeySet for unit tests.
type MemoryKeySet struct {
	mu   sync.Mutex
	keys map[string]time.Time
	now  func() time.Time
}

var _ KeySet = (*MemoryKeySet)(nil)

// NewMemoryKeySet creates an empty in-process key set.
func NewMemoryKeySet() *MemoryKeySet {
	return &MemoryKeySet{
		keys: make(map[string]time.Time),
		now:  time.Now,
	}
}

// SetClock injects a fake clock for TTL tests.
func (s *MemoryKeySet) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Insert claims key for ttl.
func (s *MemoryKeySet) Insert(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expiry, exists := s.keys[key]; exists && (expiry.IsZero() || expiry.After(now)) {
		return false, nil
	}
	if ttl > 0 {
		s.keys[key] = now.Add(ttl)
	} else {
		s.keys[key] = time.Time{}
	}
	return true, nil
}

// Release frees a claimed key.
func (s *MemoryKeySet) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

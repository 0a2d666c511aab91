package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Redis key shapes. The hash carries the scalar checkpoint fields; the
// sorted set carries side-effect keys scored by record time so compaction
// can trim by age as well as count.
const (
	ckptHashPrefix        = "manager:ckpt:hash:"
	ckptSideEffectsPrefix = "manager:ckpt:side_effects:"
)

func ckptHashKey(userID, threadID string) string {
	return ckptHashPrefix + userID + ":" + threadID
}

func ckptSideEffectsKey(userID, threadID string) string {
	return ckptSideEffectsPrefix + userID + ":" + threadID
}

// RedisCheckpointStore persists checkpoints in Redis.
type RedisCheckpointStore struct {
	client *redis.Client
	now    func() time.Time
}

var (
	_ CheckpointStore = (*RedisCheckpointStore)(nil)
	_ Compactable     = (*RedisCheckpointStore)(nil)
)

// NewRedisCheckpointStore creates a store over an existing Redis client.
func NewRedisCheckpointStore(client *redis.Client) *RedisCheckpointStore {
	return &RedisCheckpointStore{client: client, now: time.Now}
}

// Get loads the checkpoint for (userID, threadID). A missing checkpoint
// loads as the zero value, which ShouldSkip treats as "process everything".
func (s *RedisCheckpointStore) Get(ctx context.Context, userID, threadID string) (*Checkpoint, error) {
	if err := validateThread(userID, threadID); err != nil {
		return nil, err
	}
	fields, err := s.client.HGetAll(ctx, ckptHashKey(userID, threadID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for %s:%s: %w", userID, threadID, err)
	}
	cp := checkpointFromHash(fields)

	keys, err := s.client.ZRange(ctx, ckptSideEffectsKey(userID, threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load side effects for %s:%s: %w", userID, threadID, err)
	}
	cp.SideEffects = keys
	return cp, nil
}

// Save writes the scalar checkpoint fields. LastWBID never moves backward:
// a stale in-memory copy cannot undo progress another writer persisted.
func (s *RedisCheckpointStore) Save(ctx context.Context, userID, threadID string, cp *Checkpoint) error {
	if err := validateThread(userID, threadID); err != nil {
		return err
	}
	key := ckptHashKey(userID, threadID)

	stored, err := s.client.HGet(ctx, key, fieldLastWBID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read stored checkpoint for %s:%s: %w", userID, threadID, err)
	}
	if stored != "" && wb.CompareIDs(cp.LastWBID, stored) < 0 {
		return fmt.Errorf("refusing to move checkpoint for %s:%s backward from %s to %s",
			userID, threadID, stored, cp.LastWBID)
	}

	if err := s.client.HSet(ctx, key, cp.toHash()).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint for %s:%s: %w", userID, threadID, err)
	}
	return nil
}

// RecordSideEffect inserts an idempotency key. ZADD NX makes the insert
// atomic across workers; a false return means the effect already happened.
func (s *RedisCheckpointStore) RecordSideEffect(ctx context.Context, userID, threadID string, cp *Checkpoint, key string) (bool, error) {
	if err := validateThread(userID, threadID); err != nil {
		return false, err
	}
	added, err := s.client.ZAddNX(ctx, ckptSideEffectsKey(userID, threadID), redis.Z{
		Score:  float64(s.now().UnixMilli()),
		Member: key,
	}).Result()
	if err != nil {
		return false, fmt.Errorf("failed to record side effect %s: %w", key, err)
	}
	if added == 0 {
		return false, nil
	}
	if cp != nil && !cp.HasSideEffect(key) {
		cp.SideEffects = append(cp.SideEffects, key)
	}
	return true, nil
}

// Threads lists every checkpointed (user, thread) pair by scanning the
// checkpoint hash keyspace.
func (s *RedisCheckpointStore) Threads(ctx context.Context) ([]ThreadID, error) {
	var out []ThreadID
	iter := s.client.Scan(ctx, 0, ckptHashPrefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		rest := strings.TrimPrefix(iter.Val(), ckptHashPrefix)
		userID, threadID, found := strings.Cut(rest, ":")
		if !found {
			continue
		}
		out = append(out, ThreadID{UserID: userID, ThreadID: threadID})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoints: %w", err)
	}
	return out, nil
}

// CompactSideEffects trims the thread's side-effect set to the newest keep
// entries and drops entries older than maxAge, folding removals into the
// compaction summary on the checkpoint hash.
func (s *RedisCheckpointStore) CompactSideEffects(ctx context.Context, userID, threadID string, keep int64, maxAge time.Duration) (int64, error) {
	if err := validateThread(userID, threadID); err != nil {
		return 0, err
	}
	zkey := ckptSideEffectsKey(userID, threadID)

	var victims []string
	total, err := s.client.ZCard(ctx, zkey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size side effects for %s:%s: %w", userID, threadID, err)
	}
	if excess := total - keep; excess > 0 {
		old, err := s.client.ZRange(ctx, zkey, 0, excess-1).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to list oldest side effects: %w", err)
		}
		victims = append(victims, old...)
	}
	if maxAge > 0 {
		cutoff := float64(s.now().Add(-maxAge).UnixMilli())
		aged, err := s.client.ZRangeByScore(ctx, zkey, &redis.ZRangeBy{
			Min: "-inf",
			Max: fmt.Sprintf("%f", cutoff),
		}).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to list aged side effects: %w", err)
		}
		victims = append(victims, aged...)
	}
	if len(victims) == 0 {
		return 0, nil
	}

	members := make([]any, 0, len(victims))
	seen := make(map[string]struct{}, len(victims))
	through := ""
	for _, key := range victims {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		members = append(members, key)
		if id := wbIDFromSideEffectKey(key); wb.IDAfter(id, through) {
			through = id
		}
	}

	removed, err := s.client.ZRem(ctx, zkey, members...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove compacted side effects: %w", err)
	}
	if removed == 0 {
		return 0, nil
	}

	hkey := ckptHashKey(userID, threadID)
	if err := s.client.HIncrBy(ctx, hkey, fieldCompactedCount, removed).Err(); err != nil {
		return removed, fmt.Errorf("failed to update compaction count: %w", err)
	}
	if through != "" {
		storedThrough, err := s.client.HGet(ctx, hkey, fieldCompactedThrough).Result()
		if err != nil && err != redis.Nil {
			return removed, fmt.Errorf("failed to read compaction summary: %w", err)
		}
		if wb.IDAfter(through, storedThrough) {
			if err := s.client.HSet(ctx, hkey, fieldCompactedThrough, through).Err(); err != nil {
				return removed, fmt.Errorf("failed to update compaction summary: %w", err)
			}
		}
	}
	return removed, nil
}

// wbIDFromSideEffectKey extracts the wb_id from "{user}:{thread}:{wb_id}:{node}".
// User and thread IDs may themselves contain colons (UUIDs do not, but the
// key shape only guarantees the last two segments), so parse from the right.
func wbIDFromSideEffectKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return ""
	}
	return parts[len(parts)-2]
}

// Package manager implements the orchestrator core: the per-thread
// checkpoint store, the directed workflow graph that turns normalized
// whiteboard events into prompts and collaborator calls, and the per-user
// runtime worker that drives the graph off the whiteboard tail.
package manager

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Checkpoint is the durable per-(user, thread) record the runtime uses to
// resume safely and to suppress duplicate external side-effects.
type Checkpoint struct {
	// LastWBID is the highest whiteboard ID whose graph run completed.
	// Monotone under successful completion; never advanced on failure.
	LastWBID string

	// LastPlanID / LastPlanVersion identify the most recent planner result
	// applied for this thread.
	LastPlanID      string
	LastPlanVersion string

	// PendingPromptID is non-empty iff an emitted prompt awaits the user.
	PendingPromptID string

	// SideEffects holds the idempotency keys recorded for this thread,
	// "{user}:{thread}:{wb_id}:{node}". Bounded by compaction.
	SideEffects []string

	// CompactedCount and CompactedThrough summarize side-effect keys the
	// compactor removed: how many, and the highest wb_id among them.
	CompactedCount   int64
	CompactedThrough string
}

// SideEffectKey builds the idempotency key for one node's external effect.
func SideEffectKey(userID, threadID, wbID, node string) string {
	return userID + ":" + threadID + ":" + wbID + ":" + node
}

// HasSideEffect reports whether the key is already recorded in the
// checkpoint's retained window.
func (cp *Checkpoint) HasSideEffect(key string) bool {
	for _, k := range cp.SideEffects {
		if k == key {
			return true
		}
	}
	return false
}

// ShouldSkip reports whether the event at wbID was already processed:
// true iff wbID <= cp.LastWBID under the stream-ID total order.
func ShouldSkip(wbID string, cp *Checkpoint) bool {
	if cp == nil || cp.LastWBID == "" {
		return false
	}
	return wb.CompareIDs(wbID, cp.LastWBID) <= 0
}

// CheckpointStore persists checkpoints across restarts. Implementations
// serialize updates per (user, thread); different threads may proceed in
// parallel.
type CheckpointStore interface {
	// Get loads the checkpoint, returning a zero-valued checkpoint when
	// none exists yet.
	Get(ctx context.Context, userID, threadID string) (*Checkpoint, error)

	// Save durably writes the checkpoint's scalar fields. Side-effect keys
	// are written by RecordSideEffect, not Save.
	Save(ctx context.Context, userID, threadID string, cp *Checkpoint) error

	// RecordSideEffect durably inserts an idempotency key. Returns false
	// when the key was already present (the effect already happened).
	RecordSideEffect(ctx context.Context, userID, threadID string, cp *Checkpoint, key string) (bool, error)
}

// Compactable is the optional store surface the checkpoint compactor uses.
type Compactable interface {
	// Threads lists every (user, thread) pair with a stored checkpoint.
	Threads(ctx context.Context) ([]ThreadID, error)

	// CompactSideEffects removes side-effect keys beyond keep or older than
	// maxAge and folds them into the compaction summary. Returns how many
	// keys were removed.
	CompactSideEffects(ctx context.Context, userID, threadID string, keep int64, maxAge time.Duration) (int64, error)
}

// ThreadID identifies one checkpointed thread.
type ThreadID struct {
	UserID   string
	ThreadID string
}

func (t ThreadID) String() string {
	return t.UserID + ":" + t.ThreadID
}

// Checkpoint hash field names, shared by the Redis store and its tests.
const (
	fieldLastWBID         = "last_wb_id"
	fieldLastPlanID       = "last_plan_id"
	fieldLastPlanVersion  = "last_plan_version"
	fieldPendingPromptID  = "pending_prompt_id"
	fieldCompactedCount   = "compacted_count"
	fieldCompactedThrough = "compacted_through"
)

func checkpointFromHash(fields map[string]string) *Checkpoint {
	cp := &Checkpoint{
		LastWBID:         fields[fieldLastWBID],
		LastPlanID:       fields[fieldLastPlanID],
		LastPlanVersion:  fields[fieldLastPlanVersion],
		PendingPromptID:  fields[fieldPendingPromptID],
		CompactedThrough: fields[fieldCompactedThrough],
	}
	if raw := fields[fieldCompactedCount]; raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err == nil {
			cp.CompactedCount = n
		}
	}
	return cp
}

func (cp *Checkpoint) toHash() map[string]any {
	return map[string]any{
		fieldLastWBID:         cp.LastWBID,
		fieldLastPlanID:       cp.LastPlanID,
		fieldLastPlanVersion:  cp.LastPlanVersion,
		fieldPendingPromptID:  cp.PendingPromptID,
		fieldCompactedCount:   strconv.FormatInt(cp.CompactedCount, 10),
		fieldCompactedThrough: cp.CompactedThrough,
	}
}

// validateThread guards store calls against the empty identities that the
// runtime is supposed to have filtered already.
func validateThread(userID, threadID string) error {
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if threadID == "" {
		return fmt.Errorf("thread id is required")
	}
	return nil
}

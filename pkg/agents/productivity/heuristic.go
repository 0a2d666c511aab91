package productivity

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Confidence tiers for the expected-apps heuristic. Preference entries
// outrank label inference, which outranks historical usage and the
// time-of-day bias.
const (
	confidencePreference = 0.9
	confidenceLabel      = 0.7
	confidenceHistory    = 0.5
	confidenceTimeOfDay  = 0.3
)

// lowConfidence is the ceiling under which a mismatch produces a nudge
// instead of an overrun: the heuristic is not sure enough to interrupt.
const lowConfidence = 0.5

// ExpectedApp is one foreground identifier the heuristic considers on-task.
type ExpectedApp struct {
	ID         string
	Confidence float64
}

// Record is the per-block heuristic state. Internal only; it is never
// written to the whiteboard.
type Record struct {
	BlockID        string
	Expected       []ExpectedApp
	TTL            time.Time // next block boundary
	LastRecomputed time.Time
}

// Contains reports whether appID is in the expected set.
func (r *Record) Contains(appID string) bool {
	for _, app := range r.Expected {
		if app.ID == appID {
			return true
		}
	}
	return false
}

// MaxConfidence returns the strongest expectation in the record.
func (r *Record) MaxConfidence() float64 {
	max := 0.0
	for _, app := range r.Expected {
		if app.Confidence > max {
			max = app.Confidence
		}
	}
	return max
}

// Preferences is the external local-preference collaborator: per-label app
// allowlists the user maintains on-device.
type Preferences interface {
	Allowlist(ctx context.Context, userID, label string) ([]string, error)
}

// StaticPreferences is a fixed label→apps map, used in tests and as the
// empty default.
type StaticPreferences map[string][]string

var _ Preferences = (StaticPreferences)(nil)

// Allowlist returns the configured apps for label.
func (p StaticPreferences) Allowlist(_ context.Context, _, label string) ([]string, error) {
	return p[strings.ToLower(label)], nil
}

// History records which apps the user actually used during blocks of a
// label, feeding the historical allowlist.
type History interface {
	// RecordUse notes one on-task foreground observation.
	RecordUse(ctx context.Context, userID, label, appID string) error
	// TopApps returns the most-used apps for the label, best first.
	TopApps(ctx context.Context, userID, label string, n int64) ([]string, error)
}

func historyKey(userID, label string) string {
	return "prod:history:" + userID + ":" + strings.ToLower(label)
}

// RedisHistory keeps per-label usage counts in a sorted set.
type RedisHistory struct {
	client *redis.Client
}

var _ History = (*RedisHistory)(nil)

// NewRedisHistory creates a history store over an existing Redis client.
func NewRedisHistory(client *redis.Client) *RedisHistory {
	return &RedisHistory{client: client}
}

// RecordUse notes one on-task foreground observation.
func (h *RedisHistory) RecordUse(ctx context.Context, userID, label, appID string) error {
	if err := h.client.ZIncrBy(ctx, historyKey(userID, label), 1, appID).Err(); err != nil {
		return fmt.Errorf("failed to record app use for %s: %w", userID, err)
	}
	return nil
}

// TopApps returns the most-used apps for the label, best first.
func (h *RedisHistory) TopApps(ctx context.Context, userID, label string, n int64) ([]string, error) {
	apps, err := h.client.ZRevRange(ctx, historyKey(userID, label), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read app history for %s: %w", userID, err)
	}
	return apps, nil
}

// MemoryHistory is the in-process History for unit tests.
type MemoryHistory struct {
	mu     sync.Mutex
	counts map[string]map[string]int
}

var _ History = (*MemoryHistory)(nil)

// NewMemoryHistory creates an empty in-process history store.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{counts: make(map[string]map[string]int)}
}

// RecordUse notes one on-task foreground observation.
func (h *MemoryHistory) RecordUse(_ context.Context, userID, label, appID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := historyKey(userID, label)
	if h.counts[key] == nil {
		h.counts[key] = make(map[string]int)
	}
	h.counts[key][appID]++
	return nil
}

// TopApps returns the most-used apps for the label, best first.
func (h *MemoryHistory) TopApps(_ context.Context, userID, label string, n int64) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	type pair struct {
		app   string
		count int
	}
	var pairs []pair
	for app, count := range h.counts[historyKey(userID, label)] {
		pairs = append(pairs, pair{app, count})
	}
	for i := 0; i < len(pairs); i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].count > pairs[i].count {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}
	out := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if int64(len(out)) >= n {
			break
		}
		out = append(out, p.app)
	}
	return out, nil
}

// labelApps maps block-label keywords to the apps such blocks typically
// need in the foreground.
var labelApps = map[string][]string{
	"coding":  {"com.microsoft.VSCode", "com.apple.Terminal", "com.jetbrains.goland"},
	"writing": {"com.apple.Pages", "com.google.Docs", "md.obsidian"},
	"email":   {"com.apple.mail", "com.google.Gmail"},
	"meeting": {"us.zoom.xos", "com.google.Meet", "com.apple.FaceTime"},
	"reading": {"com.apple.Safari", "com.readwise.Reader"},
}

// buildExpected assembles the expected-apps set for a block from the
// preference allowlist, the label inference, the historical allowlist, and
// a morning communications bias.
func buildExpected(ctx context.Context, userID string, block Block, prefs Preferences, history History, now time.Time) ([]ExpectedApp, error) {
	seen := make(map[string]bool)
	var expected []ExpectedApp
	add := func(id string, confidence float64) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		expected = append(expected, ExpectedApp{ID: id, Confidence: confidence})
	}

	label := strings.ToLower(block.Label)

	if prefs != nil {
		allowed, err := prefs.Allowlist(ctx, userID, label)
		if err != nil {
			return nil, err
		}
		for _, id := range allowed {
			add(id, confidencePreference)
		}
	}

	labelConfidence := confidenceLabel
	if block.Priority > 1 {
		// High-priority blocks carry a sharper expectation.
		labelConfidence = confidencePreference
	}
	for keyword, apps := range labelApps {
		if strings.Contains(label, keyword) {
			for _, id := range apps {
				add(id, labelConfidence)
			}
		}
	}

	if history != nil {
		top, err := history.TopApps(ctx, userID, label, 5)
		if err != nil {
			return nil, err
		}
		for _, id := range top {
			add(id, confidenceHistory)
		}
	}

	// Mornings tolerate a quick inbox sweep in any block.
	if now.Hour() < 10 {
		for _, id := range labelApps["email"] {
			add(id, confidenceTimeOfDay)
		}
	}

	return expected, nil
}

package productivity

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// TypeHeartbeat is the activity heartbeat entry on user:{U}:in:prod.
// Values: app_id (foreground identifier), ts.
const TypeHeartbeat = "prod.heartbeat"

// systemThread is the thread subagent-originated whiteboard events land on.
const systemThread = "system"

// Subagent runs the mismatch timer for one user. Heartbeats arrive via
// Handle, time-driven work (gaps, block boundaries) via Tick, recompute
// requests via the control handler.
type Subagent struct {
	userID  string
	bus     wb.Appender
	plans   PlanSource
	prefs   Preferences
	history History
	cfg     *config.ProdConfig
	gate    *agents.DegradedGate
	logger  *slog.Logger
	now     func() time.Time
	jitter  func() float64 // uniform in [0, 1)

	mu            sync.Mutex
	plan          *DayPlan
	block         *Block
	record        *Record
	threshold     time.Duration
	mismatch      time.Duration
	lastHeartbeat time.Time

	// cooldownUntil both suppresses decisions and floors mismatch
	// accumulation, so consecutive decisions sit at least one cooldown
	// plus one full threshold apart.
	cooldownUntil time.Time
}

var _ agents.Handler = (*Subagent)(nil)
var _ agents.Ticker = (*Subagent)(nil)

// NewSubagent wires the subagent's collaborators together.
func NewSubagent(userID string, bus wb.Appender, plans PlanSource, prefs Preferences, history History, cfg *config.ProdConfig, gate *agents.DegradedGate) *Subagent {
	return &Subagent{
		userID:  userID,
		bus:     bus,
		plans:   plans,
		prefs:   prefs,
		history: history,
		cfg:     cfg,
		gate:    gate,
		logger:  slog.With("worker", "productivity", "user_id", userID),
		now:     time.Now,
		jitter:  rand.Float64,
	}
}

// Handle processes one heartbeat from the input stream.
func (s *Subagent) Handle(ctx context.Context, ev wb.Event) error {
	if ev.Type() != TypeHeartbeat {
		s.logger.Warn("Dropping unrecognized prod input entry",
			"stream_id", ev.ID, "type", ev.Type())
		return nil
	}
	appID := events.StringValue(ev.Values, "app_id")
	if appID == "" {
		return nil
	}
	ts, ok := ev.Timestamp()
	if !ok {
		ts = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureBlockLocked(ctx, ts); err != nil {
		return err
	}
	if s.block == nil {
		return nil // heartbeat outside any planned block
	}

	if s.record.Contains(appID) {
		s.mismatch = 0
		if s.history != nil {
			if err := s.history.RecordUse(ctx, s.userID, s.block.Label, appID); err != nil {
				s.logger.Warn("Failed to record app use", "error", err)
			}
		}
	} else if !s.lastHeartbeat.IsZero() {
		// Time spent inside the cooldown never counts toward the next
		// decision; a fresh threshold accumulates only after it passes.
		from := s.lastHeartbeat
		if s.cooldownUntil.After(from) {
			from = s.cooldownUntil
		}
		if delta := ts.Sub(from); delta > 0 {
			s.mismatch += delta
		}
	}
	s.lastHeartbeat = ts

	return s.decideLocked(ctx, ts, false)
}

// Tick detects heartbeat gaps and block boundary crossings between
// deliveries.
func (s *Subagent) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureBlockLocked(ctx, now); err != nil {
		s.logger.Warn("Failed to advance block on tick", "error", err)
		return
	}
	if s.block == nil {
		return
	}

	since := s.block.Start
	if s.lastHeartbeat.After(since) {
		since = s.lastHeartbeat
	}
	if s.cooldownUntil.After(since) {
		since = s.cooldownUntil
	}
	if idle := now.Sub(since); idle >= s.threshold {
		s.mismatch = idle
		if err := s.decideLocked(ctx, now, true); err != nil {
			s.logger.Warn("Failed to emit gap decision", "error", err)
		}
	}
}

// ControlHandler returns the handler for user:{U}:control:prod recompute
// messages.
func (s *Subagent) ControlHandler() agents.Handler {
	return agents.HandlerFunc(func(ctx context.Context, ev wb.Event) error {
		if ev.Type() != events.TypeProdRecompute {
			s.logger.Warn("Dropping unrecognized control entry",
				"stream_id", ev.ID, "type", ev.Type())
			return nil
		}
		return s.Recompute(ctx,
			events.StringValue(ev.Values, "plan_id"),
			events.StringValue(ev.Values, "block_id"))
	})
}

// Recompute rebuilds the expected-apps set for the current block, reloading
// the day plan when the plan identity changed.
func (s *Subagent) Recompute(ctx context.Context, planID, blockID string) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.plan == nil || (planID != "" && planID != s.plan.PlanID) {
		if err := s.loadPlanLocked(ctx, now); err != nil {
			return err
		}
	}

	blk := s.plan.BlockAt(now)
	if blk == nil && blockID != "" {
		for i := range s.plan.Blocks {
			if s.plan.Blocks[i].BlockID == blockID {
				blk = &s.plan.Blocks[i]
				break
			}
		}
	}
	if blk == nil {
		s.block = nil
		s.record = nil
		return nil
	}
	return s.recomputeBlockLocked(ctx, blk, now)
}

// Rollover resets the day's state at local midnight and primes the first
// block's expectations.
func (s *Subagent) Rollover(ctx context.Context, day time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plan = nil
	s.block = nil
	s.record = nil
	s.mismatch = 0
	s.lastHeartbeat = time.Time{}
	s.cooldownUntil = time.Time{}

	if err := s.loadPlanLocked(ctx, day); err != nil {
		s.logger.Warn("Failed to load plan at rollover", "error", err)
		return
	}
	if len(s.plan.Blocks) > 0 {
		if err := s.recomputeBlockLocked(ctx, &s.plan.Blocks[0], day); err != nil {
			s.logger.Warn("Failed to prime first block at rollover", "error", err)
		}
	}
	s.logger.Info("Day state reset", "date", s.plan.Date, "blocks", len(s.plan.Blocks))
}

// ensureBlockLocked loads the day plan when missing and advances the
// current block across boundaries.
func (s *Subagent) ensureBlockLocked(ctx context.Context, now time.Time) error {
	date := now.Format("2006-01-02")
	if s.plan == nil || s.plan.Date != date {
		if s.gate != nil && s.gate.Degraded() && s.plan != nil {
			// Plan reload is a non-critical external call; keep running on
			// the stale plan while degraded.
			return nil
		}
		if err := s.loadPlanLocked(ctx, now); err != nil {
			return err
		}
	}

	blk := s.plan.BlockAt(now)
	if blk == nil {
		s.block = nil
		s.record = nil
		return nil
	}
	if s.block == nil || s.block.BlockID != blk.BlockID {
		return s.recomputeBlockLocked(ctx, blk, now)
	}
	return nil
}

func (s *Subagent) loadPlanLocked(ctx context.Context, now time.Time) error {
	plan, err := s.plans.Plan(ctx, s.userID, now.Format("2006-01-02"))
	if err != nil {
		return err
	}
	s.plan = plan
	return nil
}

func (s *Subagent) recomputeBlockLocked(ctx context.Context, blk *Block, now time.Time) error {
	expected, err := buildExpected(ctx, s.userID, *blk, s.prefs, s.history, now)
	if err != nil {
		return fmt.Errorf("failed to build expected apps for block %s: %w", blk.BlockID, err)
	}
	s.block = blk
	s.record = &Record{
		BlockID:        blk.BlockID,
		Expected:       expected,
		TTL:            blk.End,
		LastRecomputed: now,
	}
	s.mismatch = 0
	s.lastHeartbeat = time.Time{}
	s.threshold = s.jitteredThreshold()
	s.logger.Info("Expected apps recomputed",
		"block_id", blk.BlockID, "label", blk.Label, "apps", len(expected))
	return nil
}

// jitteredThreshold randomizes the mismatch threshold by ±JitterPct so
// decisions do not fire in synchronized bursts across users.
func (s *Subagent) jitteredThreshold() time.Duration {
	base := s.cfg.Threshold()
	if s.cfg.JitterPct <= 0 {
		return base
	}
	spread := float64(s.cfg.JitterPct) / 100
	factor := 1 + spread*(2*s.jitter()-1)
	return time.Duration(float64(base) * factor)
}

// decideLocked emits at most one decision once the mismatch timer crosses
// the threshold, then starts the cooldown. State advances only after the
// append succeeded, so a failed emit is retried on the next trigger.
func (s *Subagent) decideLocked(ctx context.Context, now time.Time, gap bool) error {
	if s.mismatch < s.threshold || now.Before(s.cooldownUntil) {
		return nil
	}

	var typ string
	switch {
	case gap:
		typ = events.TypeProdUnderrun
	case s.record.MaxConfidence() < lowConfidence:
		typ = events.TypeProdNudge
	default:
		typ = events.TypeProdOverrun
	}

	wbID, err := s.bus.Append(ctx, s.userID, systemThread, map[string]any{
		"type":           typ,
		"block_id":       s.block.BlockID,
		"activity_label": s.block.Label,
	})
	if err != nil {
		return fmt.Errorf("failed to emit %s for block %s: %w", typ, s.block.BlockID, err)
	}

	s.cooldownUntil = now.Add(s.cfg.Cooldown())
	s.mismatch = 0
	s.logger.Info("Productivity decision emitted",
		"type", typ, "block_id", s.block.BlockID, "wb_id", wbID)
	return nil
}

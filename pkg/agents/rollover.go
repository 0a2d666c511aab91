package agents

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RolloverScheduler fires registered hooks at local midnight. Because the
// next midnight is recomputed in the configured location after every
// firing, DST transitions (23- and 25-hour days) fire at the correct wall
// clock time; the subagents use the hook to reset mismatch timers,
// recompute the day's first block, and reload the calendar window.
type RolloverScheduler struct {
	loc *time.Location
	now func() time.Time

	mu    sync.Mutex
	hooks []func(ctx context.Context, day time.Time)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRolloverScheduler creates a scheduler anchored to loc.
func NewRolloverScheduler(loc *time.Location) *RolloverScheduler {
	return &RolloverScheduler{loc: loc, now: time.Now}
}

// OnRollover registers a hook invoked with the new day's midnight.
func (s *RolloverScheduler) OnRollover(hook func(ctx context.Context, day time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Start launches the scheduling loop.
func (s *RolloverScheduler) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx)
	slog.Info("Rollover scheduler started",
		"timezone", s.loc.String(), "next", s.NextRollover().Format(time.RFC3339))
}

// Stop signals the loop to exit and waits for it to finish.
func (s *RolloverScheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Rollover scheduler stopped")
}

// NextRollover returns the next local midnight after now.
func (s *RolloverScheduler) NextRollover() time.Time {
	now := s.now().In(s.loc)
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, s.loc)
}

// Fire invokes every hook immediately. Exposed for tests and for manual
// operator triggering.
func (s *RolloverScheduler) Fire(ctx context.Context, day time.Time) {
	s.mu.Lock()
	hooks := make([]func(context.Context, time.Time), len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	slog.Info("Day rollover", "day", day.Format("2006-01-02"))
	for _, hook := range hooks {
		hook(ctx, day)
	}
}

func (s *RolloverScheduler) run(ctx context.Context) {
	defer close(s.done)

	for {
		next := s.NextRollover()
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.Fire(ctx, next)
		}
	}
}

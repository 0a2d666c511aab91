package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
)

// Compactor periodically enforces checkpoint retention: per thread, the
// side-effect key set is trimmed to the newest N entries and to keys
// younger than the retention window, with removals folded into the
// compaction summary. last_wb_id and last_plan_* are never touched.
//
// The operation is idempotent and safe to run from multiple pods.
type Compactor struct {
	store  Compactable
	keep   int64
	maxAge time.Duration
	every  time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCompactor creates a compactor from the runtime retention settings.
func NewCompactor(store Compactable, cfg *config.RuntimeConfig) *Compactor {
	return &Compactor{
		store:  store,
		keep:   cfg.SideEffectRetentionMax,
		maxAge: time.Duration(cfg.SideEffectRetentionDays) * 24 * time.Hour,
		every:  cfg.CompactionInterval,
	}
}

// Start launches the background compaction loop.
func (c *Compactor) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})

	go c.run(ctx)

	slog.Info("Checkpoint compactor started",
		"keep", c.keep, "max_age", c.maxAge, "interval", c.every)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Compactor) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("Checkpoint compactor stopped")
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.done)

	c.RunOnce(ctx)

	ticker := time.NewTicker(c.every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce compacts every checkpointed thread a single time.
func (c *Compactor) RunOnce(ctx context.Context) {
	threads, err := c.store.Threads(ctx)
	if err != nil {
		slog.Error("Compaction: listing threads failed", "error", err)
		return
	}

	var total int64
	for _, t := range threads {
		removed, err := c.store.CompactSideEffects(ctx, t.UserID, t.ThreadID, c.keep, c.maxAge)
		if err != nil {
			slog.Error("Compaction failed for thread",
				"user_id", t.UserID, "thread_id", t.ThreadID, "error", err)
			continue
		}
		total += removed
	}
	if total > 0 {
		slog.Info("Compaction: folded side-effect keys into summaries",
			"threads", len(threads), "removed", total)
	}
}

// Package agents provides the shared machinery the autonomous subagents run
// on: a Redis consumer-group loop with auto-claim crash recovery, a
// degraded-mode gate driven by a rolling error rate, a TTL'd idempotency
// key set, and the midnight/DST rollover scheduler.
//
// Each subagent is a Handler; one GroupRunner per (user, role) drives it.
// Offsets live in the consumer group, so a restarted worker resumes where
// the group left off and entries stuck on a dead consumer are reclaimed
// after a visibility timeout.
package agents

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Handler processes one stream entry. A nil return acknowledges the entry;
// an error leaves it pending for redelivery.
type Handler interface {
	Handle(ctx context.Context, ev wb.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev wb.Event) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, ev wb.Event) error {
	return f(ctx, ev)
}

// Ticker is an optional Handler extension invoked once per loop iteration,
// including idle ones. Subagents use it for time-driven work (mismatch
// gap detection, block boundaries).
type Ticker interface {
	Tick(ctx context.Context, now time.Time)
}

// GroupRunner drives one Handler off one stream via a consumer group.
type GroupRunner struct {
	client   *redis.Client
	role     string // consumer group name, e.g. "productivity"
	consumer string // consumer name within the group, e.g. "productivity:u1"
	stream   string
	handler  Handler
	cfg      *config.AgentsConfig
	gate     *DegradedGate
	logger   *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGroupRunner creates a runner for one (user, role, stream) triple.
func NewGroupRunner(client *redis.Client, role, userID, stream string, handler Handler, cfg *config.AgentsConfig, gate *DegradedGate) *GroupRunner {
	return &GroupRunner{
		client:   client,
		role:     role,
		consumer: role + ":" + userID,
		stream:   stream,
		handler:  handler,
		cfg:      cfg,
		gate:     gate,
		logger:   slog.With("worker", role, "stream", stream),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the consumer loop in a goroutine.
func (r *GroupRunner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight batch to drain.
// Safe to call multiple times.
func (r *GroupRunner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *GroupRunner) run(ctx context.Context) {
	defer r.wg.Done()

	r.logger.Info("Subagent worker started")
	metrics.WorkerUp.WithLabelValues(r.role).Inc()
	defer metrics.WorkerUp.WithLabelValues(r.role).Dec()

	if err := r.ensureGroup(ctx); err != nil {
		r.logger.Error("Failed to create consumer group", "error", err)
		return
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.cfg.BackoffMin
	retry.MaxInterval = r.cfg.BackoffMax
	retry.MaxElapsedTime = 0 // retry forever; Stop breaks the loop

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Subagent worker shutting down")
			return
		case <-ctx.Done():
			r.logger.Info("Context cancelled, subagent worker shutting down")
			return
		default:
		}

		if t, ok := r.handler.(Ticker); ok {
			t.Tick(ctx, time.Now())
		}
		r.observeLag(ctx)

		processed, err := r.drainOnce(ctx)
		if err != nil {
			r.logger.Warn("Subagent batch failed", "error", err)
			r.sleep(retry.NextBackOff())
			continue
		}
		if processed > 0 {
			retry.Reset()
		}
	}
}

// drainOnce claims stuck entries, then reads one bounded batch of new
// entries, handling and acknowledging each in order.
func (r *GroupRunner) drainOnce(ctx context.Context) (int, error) {
	processed, err := r.claimStuck(ctx)
	if err != nil {
		return processed, err
	}

	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.role,
		Consumer: r.consumer,
		Streams:  []string{r.stream, ">"},
		Count:    r.cfg.BatchLimit,
		Block:    r.cfg.Block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return processed, nil // block interval elapsed, nothing new
		}
		return processed, err
	}

	for _, str := range res {
		for _, msg := range str.Messages {
			if err := r.handleOne(ctx, msg); err != nil {
				// Leave the entry pending; redelivery picks it up.
				return processed, err
			}
			processed++
		}
	}
	return processed, nil
}

// claimStuck reassigns entries that sat pending on a dead consumer past
// the visibility timeout.
func (r *GroupRunner) claimStuck(ctx context.Context) (int, error) {
	msgs, _, err := r.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   r.stream,
		Group:    r.role,
		Consumer: r.consumer,
		MinIdle:  r.cfg.ClaimMinIdle,
		Start:    "0-0",
		Count:    r.cfg.BatchLimit,
	}).Result()
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range msgs {
		if err := r.handleOne(ctx, msg); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (r *GroupRunner) handleOne(ctx context.Context, msg redis.XMessage) error {
	ev := wb.Event{
		ID:     msg.ID,
		Stream: r.stream,
		UserID: userFromStreamKey(r.stream),
		Values: wb.DecodeValues(msg.Values),
	}
	if tid, ok := ev.Values["thread_id"].(string); ok {
		ev.ThreadID = tid
	}

	err := r.handler.Handle(ctx, ev)
	if r.gate != nil {
		r.gate.Record(err == nil)
	}
	if err != nil {
		return err
	}
	return r.client.XAck(ctx, r.stream, r.role, msg.ID).Err()
}

// observeLag exports the age of the group's oldest pending entry.
func (r *GroupRunner) observeLag(ctx context.Context) {
	pending, err := r.client.XPending(ctx, r.stream, r.role).Result()
	if err != nil || pending.Count == 0 || pending.Lower == "" {
		metrics.StreamLag.WithLabelValues(r.role).Set(0)
		return
	}
	ms, _, err := wb.ParseStreamID(pending.Lower)
	if err != nil {
		return
	}
	age := time.Since(time.UnixMilli(ms))
	if age < 0 {
		age = 0
	}
	metrics.StreamLag.WithLabelValues(r.role).Set(age.Seconds())
}

func (r *GroupRunner) ensureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.role, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// sleep waits for d or until stop is signalled.
func (r *GroupRunner) sleep(d time.Duration) {
	select {
	case <-r.stopCh:
	case <-time.After(d):
	}
}

func userFromStreamKey(stream string) string {
	parts := strings.SplitN(stream, ":", 3)
	if len(parts) < 3 || parts[0] != "user" {
		return ""
	}
	return parts[1]
}

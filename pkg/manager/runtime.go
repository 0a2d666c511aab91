package manager

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Runtime drives one user's manager loop: tail the whiteboard, normalize,
// consult the thread checkpoint, run the graph, and advance the checkpoint
// on success. Threads within a user are serialized by this single loop.
type Runtime struct {
	userID      string
	bus         wb.Tailer
	graph       *Graph
	checkpoints CheckpointStore
	cfg         *config.RuntimeConfig

	lastID string // tail cursor; "" means "$" until the first tail resolves

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRuntime creates a runtime worker for one user.
func NewRuntime(userID string, bus wb.Tailer, graph *Graph, checkpoints CheckpointStore, cfg *config.RuntimeConfig) *Runtime {
	return &Runtime{
		userID:      userID,
		bus:         bus,
		graph:       graph,
		checkpoints: checkpoints,
		cfg:         cfg,
		lastID:      cfg.StartAfterID,
		stopCh:      make(chan struct{}),
	}
}

// Start launches the runtime loop in a goroutine.
func (rt *Runtime) Start(ctx context.Context) {
	rt.wg.Add(1)
	go rt.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight event to drain.
// Safe to call multiple times.
func (rt *Runtime) Stop() {
	rt.stopOnce.Do(func() { close(rt.stopCh) })
	rt.wg.Wait()
}

func (rt *Runtime) run(ctx context.Context) {
	defer rt.wg.Done()

	log := slog.With("worker", "runtime", "user_id", rt.userID)
	rt.lastID = rt.resumeCursor(ctx, log)
	log.Info("Runtime worker started", "start_after_id", rt.lastID)
	metrics.WorkerUp.WithLabelValues("runtime").Inc()
	defer metrics.WorkerUp.WithLabelValues("runtime").Dec()

	for {
		select {
		case <-rt.stopCh:
			log.Info("Runtime worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, runtime worker shutting down")
			return
		default:
			if err := rt.tailOnce(ctx, log); err != nil {
				if errors.Is(err, context.Canceled) {
					continue // loop re-checks stop conditions
				}
				log.Error("Runtime tail failed", "error", err)
				rt.sleep(rt.cfg.Backoff)
			}
		}
	}
}

// resumeCursor derives the starting tail position from the user's persisted
// checkpoints, so events appended while the process was down are replayed
// rather than lost. The lowest LastWBID across the user's threads is safe:
// ShouldSkip discards anything a faster thread already processed. The
// configured start position applies when no checkpoint exists, or when it
// rewinds further back than the checkpoints do.
func (rt *Runtime) resumeCursor(ctx context.Context, log *slog.Logger) string {
	configured := rt.cfg.StartAfterID
	lister, ok := rt.checkpoints.(Compactable)
	if !ok {
		return configured
	}
	threads, err := lister.Threads(ctx)
	if err != nil {
		log.Warn("Failed to list checkpoints for resume, using configured start position", "error", err)
		return configured
	}

	saved := ""
	for _, th := range threads {
		if th.UserID != rt.userID {
			continue
		}
		cp, err := rt.checkpoints.Get(ctx, th.UserID, th.ThreadID)
		if err != nil {
			log.Warn("Failed to load checkpoint for resume", "thread_id", th.ThreadID, "error", err)
			continue
		}
		if cp.LastWBID == "" {
			continue
		}
		if saved == "" || wb.CompareIDs(cp.LastWBID, saved) < 0 {
			saved = cp.LastWBID
		}
	}
	if saved == "" {
		return configured
	}
	if configured != "" && wb.CompareIDs(configured, saved) < 0 {
		return configured
	}
	return saved
}

// tailOnce performs one tail call and processes its batch in order. The
// cursor advances past an event only when the event was handled (or
// deliberately skipped); a graph failure stops the batch so the failed
// event is re-tailed.
func (rt *Runtime) tailOnce(ctx context.Context, log *slog.Logger) error {
	batch, nextID, err := rt.bus.Tail(ctx, rt.userID, rt.lastID)
	if err != nil {
		return err
	}
	metrics.TailBatch.Observe(float64(len(batch)))
	if len(batch) == 0 {
		rt.lastID = nextID
		return nil
	}
	if rt.lastID == "" {
		// Anchor the "$" cursor just before the first delivered event so a
		// failed graph run is redelivered instead of skipped by the next
		// from-latest resolution.
		rt.lastID = wb.PrevID(batch[0].ID)
	}

	limit := rt.cfg.BatchLimit
	if limit <= 0 {
		limit = len(batch)
	}
	for i, ev := range batch {
		if i >= limit {
			break // yield; the cursor resumes at the last handled event
		}
		if err := rt.handle(ctx, log, ev); err != nil {
			metrics.GraphErrors.Inc()
			log.Warn("Graph run failed, event will be retried",
				"wb_id", ev.ID, "type", ev.Type(), "error", err)
			rt.sleep(rt.cfg.Backoff)
			return nil // cursor stays before ev; next tail redelivers it
		}
		rt.lastID = ev.ID
	}
	return nil
}

// handle runs one whiteboard event through normalize -> skip checks ->
// graph -> checkpoint save. A nil return advances the cursor past the
// event; only graph/checkpoint failures are returned for retry.
func (rt *Runtime) handle(ctx context.Context, log *slog.Logger, ev wb.Event) error {
	norm, err := events.Normalize(ev)
	if err != nil {
		// Unknown or malformed types advance with a log so the loop never
		// wedges on an unparseable entry.
		log.Warn("Dropping unnormalizable whiteboard entry",
			"wb_id", ev.ID, "type", ev.Type(), "error", err)
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		return nil
	}
	if norm.ThreadID == "" {
		log.Warn("Dropping whiteboard entry without thread_id", "wb_id", ev.ID, "type", ev.Type())
		metrics.EventsDropped.WithLabelValues("missing_thread").Inc()
		return nil
	}

	cp, err := rt.checkpoints.Get(ctx, norm.UserID, norm.ThreadID)
	if err != nil {
		return err
	}
	if ShouldSkip(norm.WBID, cp) {
		log.Debug("Skipping already-processed entry",
			"wb_id", norm.WBID, "last_wb_id", cp.LastWBID)
		return nil
	}

	if err := rt.graph.Run(ctx, norm, cp); err != nil {
		return err
	}

	cp.LastWBID = norm.WBID
	return rt.checkpoints.Save(ctx, norm.UserID, norm.ThreadID, cp)
}

// sleep waits for d or until stop is signalled.
func (rt *Runtime) sleep(d time.Duration) {
	select {
	case <-rt.stopCh:
	case <-time.After(d):
	}
}

// RuntimePool runs one Runtime per configured user.
type RuntimePool struct {
	runtimes []*Runtime
}

// NewRuntimePool builds runtimes for every user.
func NewRuntimePool(users []string, bus wb.Tailer, graph *Graph, checkpoints CheckpointStore, cfg *config.RuntimeConfig) *RuntimePool {
	pool := &RuntimePool{}
	for _, user := range users {
		pool.runtimes = append(pool.runtimes, NewRuntime(user, bus, graph, checkpoints, cfg))
	}
	return pool
}

// Start launches all runtime workers.
func (p *RuntimePool) Start(ctx context.Context) {
	for _, rt := range p.runtimes {
		rt.Start(ctx)
	}
	slog.Info("Runtime pool started", "workers", len(p.runtimes))
}

// Stop stops all runtime workers and waits for them to drain.
func (p *RuntimePool) Stop() {
	for _, rt := range p.runtimes {
		rt.Stop()
	}
	slog.Info("Runtime pool stopped")
}

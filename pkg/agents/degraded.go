package agents

import (
	"log/slog"
	"sync"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// minSamples guards the gate against flapping on a near-empty window; a
// single early failure is not a 100% error rate worth degrading over.
const minSamples = 5

// DegradedGate tracks a subagent's error rate over a rolling window and
// flips it into degraded mode when the rate exceeds the enter threshold.
// While degraded the subagent keeps draining its stream but pauses
// non-critical external calls; it recovers when the rate falls below the
// exit threshold.
type DegradedGate struct {
	role     string
	enterPct float64
	exitPct  float64
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	buckets  []bucket
	degraded bool
	logger   *slog.Logger
}

// bucket aggregates outcomes for one second of the window.
type bucket struct {
	second int64
	ok     int
	errs   int
}

// NewDegradedGate creates a gate for one subagent role.
func NewDegradedGate(role string, cfg *config.ObservabilityConfig) *DegradedGate {
	return &DegradedGate{
		role:     role,
		enterPct: cfg.DegradedEnterPct,
		exitPct:  cfg.DegradedExitPct,
		window:   cfg.DegradedWindow,
		now:      time.Now,
		logger:   slog.With("worker", role),
	}
}

// SetClock injects a fake clock for tests.
func (g *DegradedGate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Record adds one outcome and re-evaluates the gate.
func (g *DegradedGate) Record(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	second := now.Unix()
	if n := len(g.buckets); n > 0 && g.buckets[n-1].second == second {
		if ok {
			g.buckets[n-1].ok++
		} else {
			g.buckets[n-1].errs++
		}
	} else {
		b := bucket{second: second}
		if ok {
			b.ok = 1
		} else {
			b.errs = 1
		}
		g.buckets = append(g.buckets, b)
	}

	g.evaluateLocked()
}

// Degraded reports whether the subagent should pause non-critical
// external calls.
func (g *DegradedGate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pruneLocked(g.now())
	g.evaluateLocked()
	return g.degraded
}

func (g *DegradedGate) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.window).Unix()
	i := 0
	for i < len(g.buckets) && g.buckets[i].second < cutoff {
		i++
	}
	if i > 0 {
		g.buckets = g.buckets[i:]
	}
}

func (g *DegradedGate) evaluateLocked() {
	var ok, errs int
	for _, b := range g.buckets {
		ok += b.ok
		errs += b.errs
	}
	total := ok + errs
	if total < minSamples {
		return
	}
	rate := float64(errs) / float64(total) * 100

	switch {
	case !g.degraded && rate > g.enterPct:
		g.degraded = true
		metrics.Degraded.WithLabelValues(g.role).Set(1)
		g.logger.Warn("Entering degraded mode, pausing non-critical external calls",
			"error_rate_pct", rate, "window", g.window)
	case g.degraded && rate < g.exitPct:
		g.degraded = false
		metrics.Degraded.WithLabelValues(g.role).Set(0)
		g.logger.Info("Exiting degraded mode", "error_rate_pct", rate)
	}
}

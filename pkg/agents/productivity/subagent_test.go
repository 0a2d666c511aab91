package productivity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

var blockStart = time.Date(2026, 6, 15, 9, 0, 0, 0, time.UTC)

type prodFixture struct {
	bus     *wb.MemoryBus
	plans   *MemoryPlanSource
	history *MemoryHistory
	agent   *Subagent
}

func newProdFixture(t *testing.T, blocks ...Block) *prodFixture {
	t.Helper()
	if len(blocks) == 0 {
		blocks = []Block{{
			BlockID: "b1",
			Label:   "coding",
			Start:   blockStart,
			End:     blockStart.Add(2 * time.Hour),
		}}
	}
	f := &prodFixture{
		bus:     wb.NewMemoryBus(),
		plans:   NewMemoryPlanSource(),
		history: NewMemoryHistory(),
	}
	f.plans.Put("u1", &DayPlan{
		PlanID: "plan-1", Version: 1,
		Date:   blockStart.Format("2006-01-02"),
		Blocks: blocks,
	})
	f.agent = NewSubagent("u1", f.bus, f.plans, StaticPreferences{}, f.history, config.DefaultProdConfig(), nil)
	f.agent.jitter = func() float64 { return 0.5 } // exactly the base threshold
	return f
}

func (f *prodFixture) heartbeat(t *testing.T, appID string, at time.Time) {
	t.Helper()
	err := f.agent.Handle(context.Background(), wb.Event{
		ID:     "1-0",
		Stream: wb.InputKey("u1", wb.SourceProd),
		UserID: "u1",
		Values: map[string]any{
			"type":   TypeHeartbeat,
			"app_id": appID,
			"ts":     at.Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)
}

func (f *prodFixture) decisions() []wb.Event {
	return f.bus.Entries(wb.WBKey("u1"))
}

func TestSubagent_ExpectedAppHeartbeatsStayQuiet(t *testing.T) {
	f := newProdFixture(t)

	for i := 0; i < 10; i++ {
		f.heartbeat(t, "com.microsoft.VSCode", blockStart.Add(time.Duration(i)*30*time.Second))
	}

	assert.Empty(t, f.decisions(), "on-task activity never reaches the whiteboard")

	top, err := f.history.TopApps(context.Background(), "u1", "coding", 5)
	require.NoError(t, err)
	assert.Contains(t, top, "com.microsoft.VSCode")
}

func TestSubagent_SustainedMismatchEmitsOneOverrunThenCooldown(t *testing.T) {
	f := newProdFixture(t)

	// Off-task every 30 s for 5 minutes: the timer crosses 120 s once at
	// t=120, then a fresh threshold accumulates only after the 60 s
	// cooldown, so the second decision lands at t=300.
	for i := 0; i <= 10; i++ {
		f.heartbeat(t, "com.spotify.client", blockStart.Add(time.Duration(i)*30*time.Second))
	}

	decisions := f.decisions()
	require.Len(t, decisions, 2)
	assert.Equal(t, events.TypeProdOverrun, decisions[0].Type())
	assert.Equal(t, "b1", decisions[0].Values["block_id"])
	assert.Equal(t, "coding", decisions[0].Values["activity_label"])
	assert.Equal(t, systemThread, decisions[0].ThreadID)
}

func TestSubagent_ExpectedAppResetsMismatchTimer(t *testing.T) {
	f := newProdFixture(t)

	f.heartbeat(t, "com.spotify.client", blockStart)
	f.heartbeat(t, "com.spotify.client", blockStart.Add(90*time.Second))
	f.heartbeat(t, "com.microsoft.VSCode", blockStart.Add(100*time.Second))
	f.heartbeat(t, "com.spotify.client", blockStart.Add(110*time.Second))
	f.heartbeat(t, "com.spotify.client", blockStart.Add(200*time.Second))

	assert.Empty(t, f.decisions(), "the reset keeps accumulated mismatch below threshold")
}

func TestSubagent_HeartbeatGapEmitsUnderrun(t *testing.T) {
	f := newProdFixture(t)
	ctx := context.Background()

	f.agent.Tick(ctx, blockStart.Add(121*time.Second))

	decisions := f.decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, events.TypeProdUnderrun, decisions[0].Type())

	// Cooldown suppresses an immediate second decision.
	f.agent.Tick(ctx, blockStart.Add(130*time.Second))
	assert.Len(t, f.decisions(), 1)
}

func TestSubagent_GapDecisionsSpacedByThresholdPlusCooldown(t *testing.T) {
	f := newProdFixture(t, Block{
		BlockID: "b1",
		Label:   "coding",
		Start:   blockStart,
		End:     blockStart.Add(10 * time.Minute),
	})
	ctx := context.Background()

	// No heartbeats at all across a 600 s block, ticking every 60 s. With a
	// 120 s threshold and 60 s cooldown the idle timer restarts from the
	// cooldown boundary, so decisions land at t=120, 300, 480 and never more
	// than ceil(600/180) times.
	for i := 1; i <= 10; i++ {
		f.agent.Tick(ctx, blockStart.Add(time.Duration(i)*time.Minute))
	}

	decisions := f.decisions()
	require.Len(t, decisions, 3)
	for _, d := range decisions {
		assert.Equal(t, events.TypeProdUnderrun, d.Type())
	}
}

func TestSubagent_LowConfidenceMismatchEmitsNudge(t *testing.T) {
	f := newProdFixture(t, Block{
		BlockID: "b1",
		Label:   "errands", // nothing known about this label
		Start:   blockStart,
		End:     blockStart.Add(2 * time.Hour),
	})

	for i := 0; i <= 4; i++ {
		f.heartbeat(t, "com.spotify.client", blockStart.Add(time.Duration(i)*30*time.Second))
	}

	decisions := f.decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, events.TypeProdNudge, decisions[0].Type())
}

func TestSubagent_BlockBoundaryResetsTimerAndRecomputes(t *testing.T) {
	f := newProdFixture(t,
		Block{BlockID: "b1", Label: "coding", Start: blockStart, End: blockStart.Add(time.Hour)},
		Block{BlockID: "b2", Label: "writing", Start: blockStart.Add(time.Hour), End: blockStart.Add(2 * time.Hour)},
	)

	f.heartbeat(t, "com.spotify.client", blockStart.Add(58*time.Minute))
	f.heartbeat(t, "com.spotify.client", blockStart.Add(59*time.Minute))
	// Crossing into b2 resets the timer; the accumulated minute is gone.
	f.heartbeat(t, "com.spotify.client", blockStart.Add(61*time.Minute))
	f.heartbeat(t, "com.spotify.client", blockStart.Add(62*time.Minute))

	assert.Empty(t, f.decisions())
	assert.Equal(t, "b2", f.agent.record.BlockID)
}

func TestSubagent_ControlRecomputeReloadsChangedPlan(t *testing.T) {
	f := newProdFixture(t)
	ctx := context.Background()
	f.agent.now = func() time.Time { return blockStart.Add(10 * time.Minute) }

	f.heartbeat(t, "com.microsoft.VSCode", blockStart) // prime the day plan

	f.plans.Put("u1", &DayPlan{
		PlanID: "plan-2", Version: 1,
		Date: blockStart.Format("2006-01-02"),
		Blocks: []Block{{
			BlockID: "b1v2",
			Label:   "writing",
			Start:   blockStart,
			End:     blockStart.Add(2 * time.Hour),
		}},
	})

	err := f.agent.ControlHandler().Handle(ctx, wb.Event{
		ID:     "2-0",
		Stream: wb.ControlKey("u1", wb.ControlProd),
		UserID: "u1",
		Values: map[string]any{
			"type":    events.TypeProdRecompute,
			"plan_id": "plan-2",
			"version": "1",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "plan-2", f.agent.plan.PlanID)
	assert.Equal(t, "b1v2", f.agent.record.BlockID)
}

func TestSubagent_RolloverPrimesFirstBlock(t *testing.T) {
	f := newProdFixture(t)
	nextDay := blockStart.AddDate(0, 0, 1)
	f.plans.Put("u1", &DayPlan{
		PlanID: "plan-day2", Version: 1,
		Date: nextDay.Format("2006-01-02"),
		Blocks: []Block{{
			BlockID: "d2b1",
			Label:   "coding",
			Start:   nextDay,
			End:     nextDay.Add(time.Hour),
		}},
	})

	f.agent.Rollover(context.Background(), time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "plan-day2", f.agent.plan.PlanID)
	assert.Equal(t, "d2b1", f.agent.record.BlockID)
	assert.Zero(t, f.agent.mismatch)
}

func TestSubagent_HeartbeatOutsideAnyBlockIsDropped(t *testing.T) {
	f := newProdFixture(t)

	f.heartbeat(t, "com.spotify.client", blockStart.Add(-time.Hour))
	f.heartbeat(t, "com.spotify.client", blockStart.Add(-57*time.Minute))

	assert.Empty(t, f.decisions())
}

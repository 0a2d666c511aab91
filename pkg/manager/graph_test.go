package manager

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// scriptedPlanner counts Run calls and returns a fixed result.
type scriptedPlanner struct {
	mu     sync.Mutex
	calls  int
	result planner.Result
	err    error
}

func (p *scriptedPlanner) Run(_ context.Context, _ planner.RunInput) (*planner.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	out := p.result
	return &out, nil
}

func (p *scriptedPlanner) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// recordingConfirmer records confirm invocations.
type recordingConfirmer struct {
	calls []string
	err   error
}

func (c *recordingConfirmer) Confirm(_ context.Context, _, _, proposalID string) error {
	c.calls = append(c.calls, proposalID)
	return c.err
}

type graphFixture struct {
	bus       *wb.MemoryBus
	store     *MemoryCheckpointStore
	planner   *scriptedPlanner
	confirmer *recordingConfirmer
	graph     *Graph
}

func newGraphFixture(t *testing.T) *graphFixture {
	t.Helper()
	f := &graphFixture{
		bus:       wb.NewMemoryBus(),
		store:     NewMemoryCheckpointStore(),
		planner:   &scriptedPlanner{result: planner.Result{PlanID: "plan-1", Version: 2}},
		confirmer: &recordingConfirmer{},
	}
	graph, err := NewGraph(GraphConfig{
		Bus:         f.bus,
		Planner:     f.planner,
		Checkpoints: f.store,
		Confirmer:   f.confirmer,
		NewActionID: func() string { return "action-fixed" },
	})
	require.NoError(t, err)
	f.graph = graph
	return f
}

func prodOverrun(wbID string) events.Normalized {
	return events.Normalized{
		WBID:     wbID,
		UserID:   "u1",
		ThreadID: "t1",
		Event: events.Event{
			Source: "prod",
			Kind:   "overrun",
			Payload: map[string]any{
				"block_id":       "B1",
				"activity_label": "coding",
			},
		},
	}
}

func TestGraph_ProdOverrunEmitsSinglePrompt(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	require.NoError(t, f.graph.Run(context.Background(), prodOverrun("1001-0"), cp))

	entries := f.bus.Entries(wb.WBKey("u1"))
	require.Len(t, entries, 1, "exactly one prompt appears on the whiteboard")

	prompt := entries[0]
	assert.Equal(t, "t1", prompt.ThreadID)
	assert.Equal(t, "manager.prompt", prompt.Values["type"])
	assert.Equal(t, "You are still in coding. Do you want to refocus?", prompt.Values["content"])
	assert.Equal(t, []string{"refocus", "update_plan", "dismiss"}, prompt.Values["options"])
	assert.Equal(t, "1001-0", prompt.Values["wb_parent_id"])
	assert.Equal(t, "prod", prompt.Values["source"])
	assert.Equal(t, "overrun", prompt.Values["kind"])

	assert.Equal(t, "action-fixed", cp.PendingPromptID)
	assert.True(t, cp.HasSideEffect(SideEffectKey("u1", "t1", "1001-0", "emit_prompt")))
	assert.Equal(t, 0, f.planner.callCount(), "prod branch never calls the planner")
}

func TestGraph_PendingPromptSuppressesNewPrompt(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{PendingPromptID: "earlier-prompt"}

	require.NoError(t, f.graph.Run(context.Background(), prodOverrun("1001-0"), cp))

	assert.Empty(t, f.bus.Entries(wb.WBKey("u1")), "no second prompt while one is pending")
	assert.Equal(t, "earlier-prompt", cp.PendingPromptID)
}

func TestGraph_ReplayedEventEmitsNoDuplicatePrompt(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	require.NoError(t, f.graph.Run(context.Background(), prodOverrun("1001-0"), cp))

	// Resolution clears the pending prompt; the recorded side-effect key
	// must still suppress a replayed emit for the same event.
	cp.PendingPromptID = ""
	require.NoError(t, f.graph.Run(context.Background(), prodOverrun("1001-0"), cp))

	assert.Len(t, f.bus.Entries(wb.WBKey("u1")), 1)
}

func TestGraph_CalendarBranchCallsPlannerAndSignalsProd(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	evt := events.Normalized{
		WBID:     "1002-0",
		UserID:   "u1",
		ThreadID: "t1",
		Event: events.Event{
			Source: "calendar",
			Kind:   "plan.proposed",
			Payload: map[string]any{
				"delta_id": "d-1",
				"summary":  "Standup moved to 10am",
				"impact":   "today",
			},
		},
	}
	require.NoError(t, f.graph.Run(context.Background(), evt, cp))

	assert.Equal(t, 1, f.planner.callCount())
	assert.Equal(t, "plan-1", cp.LastPlanID)
	assert.Equal(t, "2", cp.LastPlanVersion)

	prompts := f.bus.Entries(wb.WBKey("u1"))
	require.Len(t, prompts, 1)
	assert.Equal(t, []string{"apply", "defer", "dismiss"}, prompts[0].Values["options"])

	control := f.bus.Entries(wb.ControlKey("u1", wb.ControlProd))
	require.Len(t, control, 1, "calendar branch always signals a prod recompute")
	assert.Equal(t, "prod.recompute", control[0].Values["type"])
	assert.Equal(t, "plan-1", control[0].Values["plan_id"])
}

func TestGraph_TrivialCalendarImpactSkipsPrompt(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	evt := events.Normalized{
		WBID:     "1002-0",
		UserID:   "u1",
		ThreadID: "t1",
		Event: events.Event{
			Source: "calendar",
			Kind:   "plan.proposed",
			Payload: map[string]any{
				"delta_id": "d-2",
				"summary":  "Event description edited",
				"impact":   "trivial",
			},
		},
	}
	require.NoError(t, f.graph.Run(context.Background(), evt, cp))

	assert.Empty(t, f.bus.Entries(wb.WBKey("u1")), "trivial deltas never interrupt the user")
	assert.Len(t, f.bus.Entries(wb.ControlKey("u1", wb.ControlProd)), 1,
		"prod recompute still fires")
	assert.Equal(t, 1, f.planner.callCount())
}

func TestGraph_EmailBranchPromptOptions(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	evt := events.Normalized{
		WBID:     "1003-0",
		UserID:   "u1",
		ThreadID: "t1",
		Event: events.Event{
			Source: "email",
			Kind:   "reply_needed",
			Payload: map[string]any{
				"message_id": "m-1",
				"sender":     "alex@example.com",
				"summary":    "confirm 3pm",
				"draft":      "Yes, 3pm works.",
			},
		},
	}
	require.NoError(t, f.graph.Run(context.Background(), evt, cp))

	prompts := f.bus.Entries(wb.WBKey("u1"))
	require.Len(t, prompts, 1)
	assert.Equal(t, []string{"read_aloud", "send", "dismiss"}, prompts[0].Values["options"])
	assert.Contains(t, prompts[0].Values["content"], "alex@example.com")
}

func userAction(wbID, actionID, choice string, metadata map[string]any) events.Normalized {
	payload := map[string]any{
		"action_id": actionID,
		"choice":    choice,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	return events.Normalized{
		WBID:     wbID,
		UserID:   "u1",
		ThreadID: "t1",
		Event:    events.Event{Source: "manager", Kind: "user_action", Payload: payload},
	}
}

func TestGraph_UpdatePlanRunsPlannerOnceAndRecomputes(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{PendingPromptID: "prior-prompt"}

	require.NoError(t, f.graph.Run(context.Background(), userAction("1004-0", "a-1", "update_plan", nil), cp))

	assert.Equal(t, 1, f.planner.callCount())
	assert.Len(t, f.bus.Entries(wb.ControlKey("u1", wb.ControlProd)), 1)

	prompts := f.bus.Entries(wb.WBKey("u1"))
	require.Len(t, prompts, 1, "summary prompt follows the update")
	assert.Contains(t, prompts[0].Values["content"], "plan-1")

	// Re-delivering the same action under a new whiteboard ID (a repeated
	// POST) must not add planner calls or recompute signals.
	cp.PendingPromptID = ""
	require.NoError(t, f.graph.Run(context.Background(), userAction("1009-0", "a-1", "update_plan", nil), cp))
	assert.Equal(t, 1, f.planner.callCount())
	assert.Len(t, f.bus.Entries(wb.ControlKey("u1", wb.ControlProd)), 1)
	assert.Len(t, f.bus.Entries(wb.WBKey("u1")), 1)
}

func TestGraph_DismissClearsPendingPromptOnly(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{PendingPromptID: "prompt-1"}

	require.NoError(t, f.graph.Run(context.Background(), userAction("1005-0", "a-2", "dismiss", nil), cp))

	assert.Empty(t, cp.PendingPromptID)
	assert.Equal(t, 0, f.planner.callCount())
	assert.Empty(t, f.bus.Entries(wb.WBKey("u1")))
	assert.Empty(t, f.bus.Entries(wb.ControlKey("u1", wb.ControlProd)))
}

func TestGraph_ApplyRunsDriftCheckedConfirm(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{PendingPromptID: "prompt-2"}

	meta := map[string]any{"proposal_id": "p-7"}
	require.NoError(t, f.graph.Run(context.Background(), userAction("1006-0", "a-3", "apply", meta), cp))

	assert.Equal(t, []string{"p-7"}, f.confirmer.calls)
	assert.Empty(t, cp.PendingPromptID)

	// Replay: same action, new wb_id.
	require.NoError(t, f.graph.Run(context.Background(), userAction("1010-0", "a-3", "apply", meta), cp))
	assert.Len(t, f.confirmer.calls, 1, "confirm must run exactly once per action")
}

func TestGraph_SendSignalsMailerOnce(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{PendingPromptID: "prompt-3"}

	meta := map[string]any{"message_id": "m-1", "draft_hash": "h-1"}
	require.NoError(t, f.graph.Run(context.Background(), userAction("1007-0", "a-4", "send", meta), cp))
	require.NoError(t, f.graph.Run(context.Background(), userAction("1011-0", "a-4", "send", meta), cp))

	control := f.bus.Entries(wb.ControlKey("u1", wb.ControlMail))
	require.Len(t, control, 1)
	assert.Equal(t, "email.send.confirmed", control[0].Values["type"])
	assert.Equal(t, "m-1", control[0].Values["message_id"])
	assert.Equal(t, "h-1", control[0].Values["draft_hash"])
	assert.Empty(t, cp.PendingPromptID)
}

func TestGraph_PlannerFailureRecordsNoSideEffect(t *testing.T) {
	f := newGraphFixture(t)
	f.planner.err = planner.ErrUnavailable
	cp := &Checkpoint{}

	evt := events.Normalized{
		WBID:     "1008-0",
		UserID:   "u1",
		ThreadID: "t1",
		Event: events.Event{
			Source:  "calendar",
			Kind:    "plan.proposed",
			Payload: map[string]any{"delta_id": "d-3", "summary": "s", "impact": "today"},
		},
	}
	err := f.graph.Run(context.Background(), evt, cp)
	require.Error(t, err)

	assert.False(t, cp.HasSideEffect(SideEffectKey("u1", "t1", "1008-0", "planner_call")),
		"failed calls leave no idempotency key so the retry may call again")
	assert.Empty(t, f.bus.Entries(wb.WBKey("u1")))

	// Retry with a healthy planner succeeds and records the key.
	f.planner.err = nil
	require.NoError(t, f.graph.Run(context.Background(), evt, cp))
	assert.True(t, cp.HasSideEffect(SideEffectKey("u1", "t1", "1008-0", "planner_call")))
	assert.Equal(t, 2, f.planner.callCount())
}

func TestGraph_RouterDropsUnroutableSources(t *testing.T) {
	f := newGraphFixture(t)
	cp := &Checkpoint{}

	evt := events.Normalized{
		WBID:     "1009-0",
		UserID:   "u1",
		ThreadID: "t1",
		Event:    events.Event{Source: "manager", Kind: "prompt", Payload: map[string]any{}},
	}
	require.NoError(t, f.graph.Run(context.Background(), evt, cp), "manager output echo is dropped, not an error")
	assert.Empty(t, f.bus.Entries(wb.WBKey("u1")))
}

func TestNewGraph_RequiresBusAndCheckpoints(t *testing.T) {
	_, err := NewGraph(GraphConfig{Checkpoints: NewMemoryCheckpointStore()})
	require.Error(t, err)

	_, err = NewGraph(GraphConfig{Bus: wb.NewMemoryBus()})
	require.Error(t, err)
}

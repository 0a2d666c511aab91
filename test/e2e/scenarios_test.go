package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/agents/calendar"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/email"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/productivity"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
	"github.com/thegaltinator/alfred-cloud/pkg/services"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

const awaitTimeout = 10 * time.Second

func optionsOf(t *testing.T, ev wb.Event) []string {
	t.Helper()
	raw, ok := ev.Values["options"].([]any)
	require.True(t, ok, "prompt carries no options array: %v", ev.Values)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		require.True(t, ok)
		out = append(out, s)
	}
	return out
}

// Scenario: repeated off-task heartbeats during a coding block produce one
// prod.overrun decision, which the manager turns into one refocus prompt.
func TestProductivityOverrunProducesPrompt(t *testing.T) {
	now := time.Now()
	app := NewTestApp(t, WithDayPlan(&productivity.DayPlan{
		PlanID:  "plan-1",
		Version: 1,
		Date:    now.Format("2006-01-02"),
		Blocks: []productivity.Block{{
			BlockID: "B1",
			Label:   "coding",
			Start:   now.Add(-30 * time.Second),
			End:     now.Add(4 * time.Hour),
		}},
	}))

	// Three heartbeats 60s apart on an app outside the expected set. The
	// mismatch timer advances by timestamp delta, so the decision fires as
	// soon as the third heartbeat is processed.
	prodStream := wb.InputKey(testUser, wb.SourceProd)
	for i := 0; i < 3; i++ {
		app.AppendInput(prodStream, map[string]any{
			"type":   productivity.TypeHeartbeat,
			"app_id": "com.example.twitter",
			"ts":     now.Add(time.Duration(i) * time.Minute).Format(time.RFC3339Nano),
		})
	}

	decision := app.AwaitWBType("", events.TypeProdOverrun, awaitTimeout)
	assert.Equal(t, "B1", decision.Values["block_id"])
	assert.Equal(t, "coding", decision.Values["activity_label"])

	prompt := app.AwaitWBType(decision.ID, events.TypeManagerPrompt, awaitTimeout)
	assert.Equal(t, "You are still in coding. Do you want to refocus?", prompt.Values["content"])
	assert.Equal(t, []string{"refocus", "update_plan", "dismiss"}, optionsOf(t, prompt))
	assert.Equal(t, decision.ID, prompt.Values["wb_parent_id"])

	// Heartbeats and expected apps never reach the whiteboard.
	for _, ev := range app.WBEvents("") {
		assert.NotEqual(t, productivity.TypeHeartbeat, ev.Type())
	}
}

// Scenario: an update_plan choice triggers exactly one planner call and one
// prod recompute signal; replaying the same action triggers neither again.
func TestUserActionUpdatePlanIsIdempotent(t *testing.T) {
	app := NewTestApp(t)
	controlStream := wb.ControlKey(testUser, wb.ControlProd)

	action := services.UserActionRequest{
		UserID:   testUser,
		ThreadID: "thread-plan",
		ActionID: "action-1",
		Choice:   "update_plan",
	}
	app.PostUserAction(action)

	prompt := app.AwaitWBType("", events.TypeManagerPrompt, awaitTimeout)
	assert.Equal(t, "Your plan was updated (plan plan-1 v1)", prompt.Values["content"])
	require.Equal(t, 1, app.Planner.Calls())
	require.Equal(t, int64(1), app.StreamLen(controlStream))

	recompute := app.StreamLen(controlStream)
	require.Equal(t, int64(1), recompute)

	// Same action_id again: the side-effect keys dedupe every branch.
	app.PostUserAction(action)
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, 1, app.Planner.Calls())
	assert.Equal(t, int64(1), app.StreamLen(controlStream))
	assert.Equal(t, 1, app.CountWBType(events.TypeManagerPrompt))
}

// Scenario: confirming a proposal after the external event changed
// out-of-band refuses the write, marks the proposal stale, and surfaces a
// fresh proposal explaining the conflict.
func TestCalendarDriftRefusesWrite(t *testing.T) {
	app := NewTestApp(t)
	ctx := context.Background()

	app.Planner.Script(planner.Result{
		PlanID:  "plan-7",
		Version: 1,
		Timeline: []planner.TimelineEntry{{
			BlockID: "slot-1",
			Label:   "Design sync",
			Start:   "2026-08-26T10:30:00Z",
			End:     "2026-08-26T11:00:00Z",
		}},
		Conflicts: []planner.Conflict{{EventID: "X", Reason: "overlaps focus block"}},
		Rationale: "move Design sync to 10:30",
	})
	app.Calendar.Put(testUser, calendar.DefaultCalendarID, calendar.Event{
		EventID:    "X",
		CalendarID: calendar.DefaultCalendarID,
		Title:      "Design sync",
		Start:      "2026-08-26T10:00:00Z",
		End:        "2026-08-26T10:30:00Z",
	})

	app.AppendInput(wb.InputKey(testUser, wb.SourceCalendar), map[string]any{
		"type":        calendar.TypeDelta,
		"delta_id":    "D1",
		"op":          "upsert",
		"event_id":    "X",
		"calendar_id": calendar.DefaultCalendarID,
		"title":       "Design sync",
		"start":       "2026-08-26T10:00:00Z",
		"end":         "2026-08-26T10:30:00Z",
		"sync_token":  "tok-1",
		"summary":     "Design sync conflicts with focus time",
		"impact":      "today",
		"thread_id":   "thread-cal",
	})

	proposed := app.AwaitWBType("", events.TypeCalendarPlanProposed, awaitTimeout)
	proposalID := events.StringValue(proposed.Values, "proposal_id")
	require.NotEmpty(t, proposalID)

	// The external event moves out-of-band before the user confirms.
	app.Calendar.Put(testUser, calendar.DefaultCalendarID, calendar.Event{
		EventID:    "X",
		CalendarID: calendar.DefaultCalendarID,
		Title:      "Design sync",
		Start:      "2026-08-26T11:00:00Z",
		End:        "2026-08-26T11:30:00Z",
	})

	app.PostUserAction(services.UserActionRequest{
		UserID:   testUser,
		ThreadID: "thread-cal",
		ActionID: "action-apply",
		Choice:   "apply",
		Metadata: map[string]any{"proposal_id": proposalID},
	})

	replacement := app.AwaitWBType(proposed.ID, events.TypeCalendarPlanProposed, awaitTimeout)
	assert.Equal(t, "conflict", replacement.Values["impact"])
	assert.NotEqual(t, proposalID, events.StringValue(replacement.Values, "proposal_id"))

	stale, err := app.Proposals.Get(ctx, proposalID)
	require.NoError(t, err)
	assert.Equal(t, calendar.StatusStale, stale.Status)
	assert.Empty(t, app.Calendar.Writes(), "drift must never write through")
}

// Scenario: an email that warrants a reply flows message -> triage ->
// prompt -> send confirmation -> exactly one external send, with replays
// deduplicated at both the triage and the send stage.
func TestEmailReplyPathSendsOnce(t *testing.T) {
	app := NewTestApp(t)
	emailStream := wb.InputKey(testUser, wb.SourceEmail)
	mailControl := wb.ControlKey(testUser, wb.ControlMail)

	app.Classifier.Script("M1", email.Classification{
		ReplyWarranted: true,
		Summary:        "confirm 3pm",
		Draft:          "Yes, 3pm works.",
	})

	message := map[string]any{
		"type":          email.TypeReceived,
		"message_id":    "M1",
		"internal_date": "1724651800",
		"sender":        "sam@example.com",
		"subject":       "Can you confirm 3pm?",
		"snippet":       "Does 3pm still work for you?",
		"thread_id":     "thread-mail",
	}
	app.AppendInput(emailStream, message)

	reply := app.AwaitWBType("", events.TypeEmailReplyNeeded, awaitTimeout)
	assert.Equal(t, "M1", reply.Values["message_id"])
	assert.Equal(t, "sam@example.com", reply.Values["sender"])
	assert.Equal(t, "confirm 3pm", reply.Values["summary"])
	assert.Equal(t, "Yes, 3pm works.", reply.Values["draft"])

	prompt := app.AwaitWBType(reply.ID, events.TypeManagerPrompt, awaitTimeout)
	assert.Equal(t, []string{"read_aloud", "send", "dismiss"}, optionsOf(t, prompt))

	app.PostUserAction(services.UserActionRequest{
		UserID:   testUser,
		ThreadID: "thread-mail",
		ActionID: "action-send",
		Choice:   "send",
		Metadata: map[string]any{"message_id": "M1", "draft_hash": "H1"},
	})

	require.Eventually(t, func() bool {
		return len(app.Sender.Sends()) == 1
	}, awaitTimeout, 25*time.Millisecond, "confirmed draft was not sent")
	sent := app.Sender.Sends()[0]
	assert.Equal(t, testUser, sent.UserID)
	assert.Equal(t, "M1", sent.MessageID)
	assert.Equal(t, "H1", sent.DraftHash)

	// Re-injecting the confirmation must not send twice.
	app.AppendInput(mailControl, map[string]any{
		"type":       events.TypeEmailSendConfirmed,
		"message_id": "M1",
		"draft_hash": "H1",
		"user_id":    testUser,
		"thread_id":  "thread-mail",
	})
	// Re-delivering the message must not re-triage it either.
	app.AppendInput(emailStream, message)
	time.Sleep(500 * time.Millisecond)

	assert.Len(t, app.Sender.Sends(), 1)
	assert.Equal(t, 1, app.Classifier.Calls())
	assert.Equal(t, 1, app.CountWBType(events.TypeEmailReplyNeeded))
}

// Scenario: restarting the runtime and re-tailing from the beginning of the
// whiteboard produces no additional side-effects.
func TestRuntimeRestartReplaysWithoutSideEffects(t *testing.T) {
	app := NewTestApp(t)
	controlStream := wb.ControlKey(testUser, wb.ControlProd)

	app.AppendWB("thread-a", map[string]any{
		"type":           events.TypeProdOverrun,
		"block_id":       "B1",
		"activity_label": "coding",
	})
	app.AppendWB("thread-b", map[string]any{
		"type":     events.TypeCalendarPlanProposed,
		"delta_id": "D9",
		"summary":  "Standup moved",
		"impact":   "today",
	})

	require.Eventually(t, func() bool {
		return app.CountWBType(events.TypeManagerPrompt) == 2
	}, awaitTimeout, 25*time.Millisecond, "expected one prompt per inbound event")
	require.Equal(t, 1, app.Planner.Calls())
	require.Equal(t, int64(1), app.StreamLen(controlStream))

	app.RestartRuntime("0-0")
	time.Sleep(700 * time.Millisecond)

	assert.Equal(t, 1, app.Planner.Calls())
	assert.Equal(t, int64(1), app.StreamLen(controlStream))
	assert.Equal(t, 2, app.CountWBType(events.TypeManagerPrompt))
}

// Scenario: an unknown entry type is dropped with a log and the loop keeps
// going; the next event still produces its prompt.
func TestUnknownTypeIsSkippedNotRetried(t *testing.T) {
	app := NewTestApp(t)

	app.AppendWB("thread-x", map[string]any{"type": "unknown.event"})
	overrunID := app.AppendWB("thread-x", map[string]any{
		"type":           events.TypeProdOverrun,
		"block_id":       "B1",
		"activity_label": "writing",
	})

	prompt := app.AwaitWBType("", events.TypeManagerPrompt, awaitTimeout)
	assert.Equal(t, overrunID, prompt.Values["wb_parent_id"],
		"the event after the unknown entry must still be processed")
	assert.Equal(t, 1, app.CountWBType(events.TypeManagerPrompt))
}

package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Input stream entry types recognized on user:{U}:in:calendar.
const (
	// TypeDelta is one incremental calendar change from the external poller.
	// Values: delta_id, op (upsert|delete), event_id, calendar_id, title,
	// start, end, sync_token, impact, summary.
	TypeDelta = "calendar.delta"
	// TypeSyncExpired tells the subagent its token is dead and the window
	// must be re-bootstrapped.
	TypeSyncExpired = "calendar.sync_expired"
)

// SystemThread is the thread collaborator-originated whiteboard events land
// on when the inbound entry carries none.
const SystemThread = "system"

// proposedDedupeTTL bounds how long per-delta proposal dedupe keys live.
const proposedDedupeTTL = 7 * 24 * time.Hour

// Subagent consumes calendar deltas, maintains the shadow calendar, and
// turns planner output into proposals on the whiteboard.
type Subagent struct {
	bus       wb.Appender
	planner   planner.Runner
	shadow    ShadowStore
	proposals ProposalStore
	source    Source
	dedupe    agents.KeySet
	gate      *agents.DegradedGate
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

var _ agents.Handler = (*Subagent)(nil)

// NewSubagent wires the subagent's collaborators together.
func NewSubagent(bus wb.Appender, run planner.Runner, shadow ShadowStore, proposals ProposalStore, source Source, dedupe agents.KeySet, gate *agents.DegradedGate) *Subagent {
	return &Subagent{
		bus:       bus,
		planner:   run,
		shadow:    shadow,
		proposals: proposals,
		source:    source,
		dedupe:    dedupe,
		gate:      gate,
		logger:    slog.With("worker", "calendar_planner"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Handle processes one input stream entry.
func (s *Subagent) Handle(ctx context.Context, ev wb.Event) error {
	switch ev.Type() {
	case TypeDelta:
		return s.handleDelta(ctx, ev)
	case TypeSyncExpired:
		return s.Bootstrap(ctx, ev.UserID, calendarIDOf(ev.Values))
	default:
		s.logger.Warn("Dropping unrecognized calendar input entry",
			"stream_id", ev.ID, "type", ev.Type())
		return nil
	}
}

func (s *Subagent) handleDelta(ctx context.Context, ev wb.Event) error {
	deltaID := events.StringValue(ev.Values, "delta_id")
	if deltaID == "" {
		s.logger.Warn("Dropping calendar delta without delta_id", "stream_id", ev.ID)
		return nil
	}
	calendarID := calendarIDOf(ev.Values)
	log := s.logger.With("delta_id", deltaID, "user_id", ev.UserID)

	if err := s.applyDelta(ctx, ev.UserID, calendarID, ev.Values); err != nil {
		return fmt.Errorf("failed to apply delta %s: %w", deltaID, err)
	}

	if s.gate != nil && s.gate.Degraded() {
		log.Warn("Degraded, skipping planner call for delta")
		return nil
	}

	// One proposal per delta, however many times the entry is redelivered.
	claimed, err := s.dedupe.Insert(ctx, proposedKey(ev.UserID, deltaID), proposedDedupeTTL)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Proposal already emitted for delta, skipping")
		return nil
	}

	result, err := s.planner.Run(ctx, planner.RunInput{
		UserID:    ev.UserID,
		ThreadID:  threadOf(ev),
		PlanDate:  s.now().Format("2006-01-02"),
		TimeBlock: events.StringValue(ev.Values, "start"),
	})
	if err != nil {
		// Give the claim back so the redelivered entry retries the call.
		if relErr := s.dedupe.Release(ctx, proposedKey(ev.UserID, deltaID)); relErr != nil {
			log.Warn("Failed to release proposal dedupe key", "error", relErr)
		}
		return fmt.Errorf("planner call failed for delta %s: %w", deltaID, err)
	}

	if len(result.Conflicts) == 0 && len(result.Timeline) == 0 {
		log.Info("Planner yielded no proposal for delta")
		return nil
	}

	proposal := s.buildProposal(ev.UserID, calendarID, ev.Values, result)
	if err := s.proposals.Put(ctx, proposal); err != nil {
		return err
	}
	return s.emitProposal(ctx, ev, proposal, result)
}

// applyDelta folds one change into the shadow and advances the sync token.
func (s *Subagent) applyDelta(ctx context.Context, userID, calendarID string, values map[string]any) error {
	op := events.StringValue(values, "op")
	eventID := events.StringValue(values, "event_id")

	switch op {
	case "delete":
		if err := s.shadow.Delete(ctx, userID, calendarID, eventID); err != nil {
			return err
		}
	default: // upsert
		if eventID != "" {
			err := s.shadow.Upsert(ctx, userID, calendarID, Event{
				EventID:    eventID,
				CalendarID: calendarID,
				Title:      events.StringValue(values, "title"),
				Start:      events.StringValue(values, "start"),
				End:        events.StringValue(values, "end"),
				Updated:    events.StringValue(values, "ts"),
			})
			if err != nil {
				return err
			}
		}
	}

	if token := events.StringValue(values, "sync_token"); token != "" {
		return s.shadow.SetSyncToken(ctx, userID, calendarID, token)
	}
	return nil
}

// Bootstrap replaces the shadow with a fresh window and token. Invoked on
// sync expiry and by the midnight rollover.
func (s *Subagent) Bootstrap(ctx context.Context, userID, calendarID string) error {
	window, token, err := s.source.Window(ctx, userID, calendarID)
	if err != nil {
		return fmt.Errorf("failed to bootstrap calendar window for %s: %w", userID, err)
	}
	if err := s.shadow.ReplaceAll(ctx, userID, calendarID, window); err != nil {
		return err
	}
	if err := s.shadow.SetSyncToken(ctx, userID, calendarID, token); err != nil {
		return err
	}
	s.logger.Info("Calendar window re-bootstrapped",
		"user_id", userID, "calendar_id", calendarID, "events", len(window))
	return nil
}

func (s *Subagent) buildProposal(userID, calendarID string, values map[string]any, result *planner.Result) *Proposal {
	now := s.now().UTC()
	p := &Proposal{
		ProposalID:     s.newID(),
		UserID:         userID,
		CalendarID:     calendarID,
		PrimaryEventID: events.StringValue(values, "event_id"),
		Plan: PlanSketch{
			Events:    timelineEvents(calendarID, result.Timeline),
			Rationale: result.Rationale,
		},
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(result.Conflicts) > 0 {
		p.ConflictingEventID = result.Conflicts[0].EventID
	}
	return p
}

// emitProposal appends exactly one whiteboard event for the proposal:
// plan.proposed the first time a plan_id is seen, plan.new_version after.
func (s *Subagent) emitProposal(ctx context.Context, ev wb.Event, p *Proposal, result *planner.Result) error {
	firstSighting := true
	if result.PlanID != "" {
		var err error
		firstSighting, err = s.dedupe.Insert(ctx, planSeenKey(ev.UserID, result.PlanID), 0)
		if err != nil {
			return err
		}
	}

	summary := events.StringValue(ev.Values, "summary")
	if summary == "" {
		summary = "Calendar change detected"
	}
	impact := events.StringValue(ev.Values, "impact")
	if impact == "" {
		impact = "normal"
	}

	var values map[string]any
	if firstSighting {
		values = map[string]any{
			"type":        events.TypeCalendarPlanProposed,
			"delta_id":    events.StringValue(ev.Values, "delta_id"),
			"summary":     summary,
			"impact":      impact,
			"proposal_id": p.ProposalID,
			"rationale":   result.Rationale,
		}
	} else {
		values = map[string]any{
			"type":        events.TypeCalendarPlanNewVersion,
			"plan_id":     result.PlanID,
			"version":     result.Version,
			"summary":     summary,
			"impact":      impact,
			"proposal_id": p.ProposalID,
		}
	}

	wbID, err := s.bus.Append(ctx, ev.UserID, threadOf(ev), values)
	if err != nil {
		return fmt.Errorf("failed to emit proposal %s: %w", p.ProposalID, err)
	}
	s.logger.Info("Proposal emitted",
		"proposal_id", p.ProposalID, "wb_id", wbID,
		"type", values["type"], "plan_id", result.PlanID)
	return nil
}

func proposedKey(userID, deltaID string) string {
	return "cal:proposed:" + userID + ":" + deltaID
}

func planSeenKey(userID, planID string) string {
	return "cal:plan:" + userID + ":" + planID
}

func calendarIDOf(values map[string]any) string {
	if id := events.StringValue(values, "calendar_id"); id != "" {
		return id
	}
	return DefaultCalendarID
}

func threadOf(ev wb.Event) string {
	if ev.ThreadID != "" {
		return ev.ThreadID
	}
	return SystemThread
}

func timelineEvents(calendarID string, timeline []planner.TimelineEntry) []Event {
	out := make([]Event, 0, len(timeline))
	for _, entry := range timeline {
		out = append(out, Event{
			EventID:    entry.BlockID,
			CalendarID: calendarID,
			Title:      entry.Label,
			Start:      entry.Start,
			End:        entry.End,
		})
	}
	return out
}

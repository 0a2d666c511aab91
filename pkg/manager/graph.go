package manager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Node names, used in idempotency keys and routing logs.
const (
	nodeIngestWB         = "ingest_wb"
	nodeRouter           = "router"
	nodeCalendarBranch   = "calendar_branch"
	nodeProdBranch       = "prod_branch"
	nodeEmailBranch      = "email_branch"
	nodeUserActionBranch = "user_action_branch"
	nodePlannerCall      = "planner_call"
	nodeProdRecalc       = "prod_recalc_signal"
	nodeEmitPrompt       = "emit_prompt"
	nodeCalendarConfirm  = "calendar_confirm"
	nodeMailSendSignal   = "mail_send_signal"
)

// User-action choices the graph understands.
const (
	ChoiceApply      = "apply"
	ChoiceDefer      = "defer"
	ChoiceDismiss    = "dismiss"
	ChoiceRefocus    = "refocus"
	ChoiceUpdatePlan = "update_plan"
	ChoiceReadAloud  = "read_aloud"
	ChoiceSend       = "send"
)

// CalendarConfirmer is the drift-checked apply path the calendar subagent
// exposes to the graph. Confirm either writes the proposal through or marks
// it stale and emits a fresh proposal; it never writes over drifted state.
type CalendarConfirmer interface {
	Confirm(ctx context.Context, userID, threadID, proposalID string) error
}

// GraphConfig is the graph's immutable dependency bundle. Nodes are plain
// functions over this bundle; there is no shared mutable graph state.
type GraphConfig struct {
	// Bus appends prompts to the whiteboard and signals to control streams.
	Bus wb.Appender

	// Planner runs the external planner collaborator.
	Planner planner.Runner

	// Checkpoints records side-effect keys durably.
	Checkpoints CheckpointStore

	// Confirmer applies confirmed calendar proposals. Optional; apply
	// actions are logged and dropped when absent.
	Confirmer CalendarConfirmer

	// ExternalCeiling caps any single collaborator call. Zero disables the
	// per-call cap (the worker context still bounds the whole run).
	ExternalCeiling time.Duration

	// Now is the graph's clock; defaults to time.Now.
	Now func() time.Time

	// NewActionID mints prompt action IDs; defaults to uuid.NewString.
	NewActionID func() string
}

// Graph is the manager's directed workflow. One Run processes one
// normalized whiteboard event against the thread's checkpoint.
type Graph struct {
	cfg    GraphConfig
	logger *slog.Logger
}

// NewGraph validates the dependency bundle and builds a graph.
func NewGraph(cfg GraphConfig) (*Graph, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("graph requires a whiteboard appender")
	}
	if cfg.Checkpoints == nil {
		return nil, fmt.Errorf("graph requires a checkpoint store")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewActionID == nil {
		cfg.NewActionID = uuid.NewString
	}
	return &Graph{
		cfg:    cfg,
		logger: slog.With("component", "manager_graph"),
	}, nil
}

// run carries one event through the graph alongside its thread checkpoint.
type run struct {
	evt events.Normalized
	cp  *Checkpoint
	log *slog.Logger

	// promptEmitted enforces "at most one prompt per inbound event".
	promptEmitted bool
}

// effectID scopes idempotency keys. User actions key on their action_id so
// a re-POSTed choice (new wb_id, same action) still deduplicates; every
// other event keys on its whiteboard ID.
func (r *run) effectID() string {
	if r.evt.Event.Source == events.SourceManager && r.evt.Event.Kind == "user_action" {
		if actionID := events.StringValue(r.evt.Event.Payload, "action_id"); actionID != "" {
			return "action:" + actionID
		}
	}
	return r.evt.WBID
}

// Run executes the graph for one event. The checkpoint is mutated in place
// (pending prompt, plan identity, side-effect keys); the caller persists it
// after a successful run. An error means the event will be redelivered, so
// nodes record their side-effect keys only after the effect completed.
func (g *Graph) Run(ctx context.Context, evt events.Normalized, cp *Checkpoint) error {
	r := &run{
		evt: evt,
		cp:  cp,
		log: g.logger.With(
			"wb_id", evt.WBID,
			"user_id", evt.UserID,
			"thread_id", evt.ThreadID,
			"type", evt.Event.Type()),
	}
	return g.ingestWB(ctx, r)
}

func (g *Graph) ingestWB(ctx context.Context, r *run) error {
	r.log.Info("Graph run started", "node", nodeIngestWB)
	return g.router(ctx, r)
}

func (g *Graph) router(ctx context.Context, r *run) error {
	switch r.evt.Event.Source {
	case events.SourceCalendar:
		return g.calendarBranch(ctx, r)
	case events.SourceProd:
		return g.prodBranch(ctx, r)
	case events.SourceEmail:
		return g.emailBranch(ctx, r)
	case events.SourceManager:
		if r.evt.Event.Kind == "user_action" {
			return g.userActionBranch(ctx, r)
		}
		// manager.prompt is our own output echoing back through the tail.
		r.log.Debug("Router dropped manager output event", "node", nodeRouter)
		metrics.EventsDropped.WithLabelValues("router").Inc()
		return nil
	default:
		r.log.Warn("Router dropped event with unroutable source",
			"node", nodeRouter, "source", r.evt.Event.Source)
		metrics.EventsDropped.WithLabelValues("router").Inc()
		return nil
	}
}

// calendarBranch handles plan proposals, new versions, and raw deltas:
// planner, then (when today is impacted) a prompt, then always a
// productivity recompute signal.
func (g *Graph) calendarBranch(ctx context.Context, r *run) error {
	if err := g.plannerCall(ctx, r); err != nil {
		return err
	}

	if g.maybePromptUser(r) {
		payload := r.evt.Event.Payload
		summary := events.StringValue(payload, "summary")
		if summary == "" {
			summary = "Your calendar changed"
		}
		content := fmt.Sprintf("%s. Apply the suggested plan?", summary)
		if err := g.emitPrompt(ctx, r, content, []string{ChoiceApply, ChoiceDefer, ChoiceDismiss}); err != nil {
			return err
		}
	}

	return g.prodRecalcSignal(ctx, r)
}

// prodBranch turns productivity decisions into refocus prompts.
func (g *Graph) prodBranch(ctx context.Context, r *run) error {
	label := events.StringValue(r.evt.Event.Payload, "activity_label")
	if label == "" {
		label = "your current block"
	}

	var content string
	switch r.evt.Event.Kind {
	case "overrun":
		content = fmt.Sprintf("You are still in %s. Do you want to refocus?", label)
	case "underrun":
		content = fmt.Sprintf("You are ahead of schedule on %s. Want to pull work forward?", label)
	case "nudge":
		content = fmt.Sprintf("Quick check: still on %s?", label)
	default:
		r.log.Warn("Unknown prod kind dropped", "node", nodeProdBranch, "kind", r.evt.Event.Kind)
		metrics.EventsDropped.WithLabelValues("router").Inc()
		return nil
	}

	return g.emitPrompt(ctx, r, content, []string{ChoiceRefocus, ChoiceUpdatePlan, ChoiceDismiss})
}

// emailBranch surfaces triaged emails for a read/send/dismiss decision.
func (g *Graph) emailBranch(ctx context.Context, r *run) error {
	payload := r.evt.Event.Payload
	sender := events.StringValue(payload, "sender")
	summary := events.StringValue(payload, "summary")
	content := fmt.Sprintf("Email from %s needs a reply: %s. A draft is ready.", sender, summary)
	return g.emitPrompt(ctx, r, content, []string{ChoiceReadAloud, ChoiceSend, ChoiceDismiss})
}

// userActionBranch feeds a confirmed choice back through the graph. Every
// choice resolves the pending prompt; only update_plan, apply, and send
// trigger further work.
func (g *Graph) userActionBranch(ctx context.Context, r *run) error {
	choice := events.StringValue(r.evt.Event.Payload, "choice")
	r.log.Info("User action received", "node", nodeUserActionBranch, "choice", choice)

	switch choice {
	case ChoiceUpdatePlan:
		if err := g.plannerCall(ctx, r); err != nil {
			return err
		}
		if err := g.prodRecalcSignal(ctx, r); err != nil {
			return err
		}
		r.cp.PendingPromptID = ""
		content := "Your plan was updated"
		if r.cp.LastPlanID != "" {
			content = fmt.Sprintf("Your plan was updated (plan %s v%s)", r.cp.LastPlanID, r.cp.LastPlanVersion)
		}
		return g.emitPrompt(ctx, r, content, []string{ChoiceDismiss})

	case ChoiceApply:
		if err := g.calendarConfirm(ctx, r); err != nil {
			return err
		}
		r.cp.PendingPromptID = ""
		return nil

	case ChoiceSend:
		if err := g.mailSendSignal(ctx, r); err != nil {
			return err
		}
		r.cp.PendingPromptID = ""
		return nil

	case ChoiceRefocus, ChoiceDismiss, ChoiceDefer, ChoiceReadAloud:
		r.cp.PendingPromptID = ""
		return nil

	default:
		r.log.Warn("Unknown user action choice", "node", nodeUserActionBranch, "choice", choice)
		r.cp.PendingPromptID = ""
		return nil
	}
}

// plannerCall invokes the planner collaborator at most once per
// (user, thread, wb_id).
func (g *Graph) plannerCall(ctx context.Context, r *run) error {
	if g.cfg.Planner == nil {
		r.log.Debug("No planner configured, skipping", "node", nodePlannerCall)
		return nil
	}
	key := SideEffectKey(r.evt.UserID, r.evt.ThreadID, r.effectID(), nodePlannerCall)
	if r.cp.HasSideEffect(key) {
		metrics.SideEffectsSkipped.Inc()
		r.log.Info("Planner call already recorded, skipping", "node", nodePlannerCall)
		return nil
	}

	callCtx, cancel := g.externalContext(ctx)
	defer cancel()

	result, err := g.cfg.Planner.Run(callCtx, planner.RunInput{
		UserID:       r.evt.UserID,
		ThreadID:     r.evt.ThreadID,
		PlanDate:     g.cfg.Now().Format("2006-01-02"),
		TimeBlock:    events.StringValue(r.evt.Event.Payload, "block_id"),
		ActivityType: events.StringValue(r.evt.Event.Payload, "activity_label"),
	})
	if err != nil {
		return fmt.Errorf("planner call failed for %s: %w", r.evt.WBID, err)
	}

	if _, err := g.cfg.Checkpoints.RecordSideEffect(ctx, r.evt.UserID, r.evt.ThreadID, r.cp, key); err != nil {
		return err
	}
	r.cp.LastPlanID = result.PlanID
	r.cp.LastPlanVersion = fmt.Sprintf("%d", result.Version)
	r.log.Info("Planner call completed", "node", nodePlannerCall,
		"plan_id", result.PlanID, "plan_version", result.Version)
	return nil
}

// prodRecalcSignal tells the productivity subagent to rebuild its expected
// apps. Internal control channel only, never the whiteboard.
func (g *Graph) prodRecalcSignal(ctx context.Context, r *run) error {
	key := SideEffectKey(r.evt.UserID, r.evt.ThreadID, r.effectID(), nodeProdRecalc)
	if r.cp.HasSideEffect(key) {
		metrics.SideEffectsSkipped.Inc()
		return nil
	}

	values := map[string]any{
		"type":      events.TypeProdRecompute,
		"plan_id":   r.cp.LastPlanID,
		"version":   r.cp.LastPlanVersion,
		"block_id":  events.StringValue(r.evt.Event.Payload, "block_id"),
		"user_id":   r.evt.UserID,
		"thread_id": r.evt.ThreadID,
	}
	if _, err := g.cfg.Bus.AppendTo(ctx, wb.ControlKey(r.evt.UserID, wb.ControlProd), values); err != nil {
		return fmt.Errorf("prod recalc signal failed for %s: %w", r.evt.WBID, err)
	}
	if _, err := g.cfg.Checkpoints.RecordSideEffect(ctx, r.evt.UserID, r.evt.ThreadID, r.cp, key); err != nil {
		return err
	}
	r.log.Info("Productivity recompute signalled", "node", nodeProdRecalc)
	return nil
}

// calendarConfirm runs the drift-checked apply path for a confirmed
// proposal.
func (g *Graph) calendarConfirm(ctx context.Context, r *run) error {
	if g.cfg.Confirmer == nil {
		r.log.Warn("Apply received but no calendar confirmer configured", "node", nodeCalendarConfirm)
		return nil
	}
	proposalID := metadataValue(r.evt.Event.Payload, "proposal_id")
	if proposalID == "" {
		r.log.Warn("Apply received without proposal_id", "node", nodeCalendarConfirm)
		return nil
	}
	key := SideEffectKey(r.evt.UserID, r.evt.ThreadID, r.effectID(), nodeCalendarConfirm)
	if r.cp.HasSideEffect(key) {
		metrics.SideEffectsSkipped.Inc()
		return nil
	}

	callCtx, cancel := g.externalContext(ctx)
	defer cancel()
	if err := g.cfg.Confirmer.Confirm(callCtx, r.evt.UserID, r.evt.ThreadID, proposalID); err != nil {
		return fmt.Errorf("calendar confirm failed for proposal %s: %w", proposalID, err)
	}
	if _, err := g.cfg.Checkpoints.RecordSideEffect(ctx, r.evt.UserID, r.evt.ThreadID, r.cp, key); err != nil {
		return err
	}
	r.log.Info("Calendar proposal confirmed", "node", nodeCalendarConfirm, "proposal_id", proposalID)
	return nil
}

// mailSendSignal hands a confirmed draft to the mailer via the internal
// mail control stream.
func (g *Graph) mailSendSignal(ctx context.Context, r *run) error {
	messageID := metadataValue(r.evt.Event.Payload, "message_id")
	draftHash := metadataValue(r.evt.Event.Payload, "draft_hash")
	if messageID == "" {
		r.log.Warn("Send received without message_id", "node", nodeMailSendSignal)
		return nil
	}
	key := SideEffectKey(r.evt.UserID, r.evt.ThreadID, r.effectID(), nodeMailSendSignal)
	if r.cp.HasSideEffect(key) {
		metrics.SideEffectsSkipped.Inc()
		return nil
	}

	values := map[string]any{
		"type":       events.TypeEmailSendConfirmed,
		"message_id": messageID,
		"draft_hash": draftHash,
		"user_id":    r.evt.UserID,
		"thread_id":  r.evt.ThreadID,
	}
	if _, err := g.cfg.Bus.AppendTo(ctx, wb.ControlKey(r.evt.UserID, wb.ControlMail), values); err != nil {
		return fmt.Errorf("mail send signal failed for message %s: %w", messageID, err)
	}
	if _, err := g.cfg.Checkpoints.RecordSideEffect(ctx, r.evt.UserID, r.evt.ThreadID, r.cp, key); err != nil {
		return err
	}
	r.log.Info("Mail send confirmed", "node", nodeMailSendSignal, "message_id", messageID)
	return nil
}

// maybePromptUser decides whether a calendar event warrants interrupting
// the user. Trivial deltas auto-apply silently.
func (g *Graph) maybePromptUser(r *run) bool {
	impact := events.StringValue(r.evt.Event.Payload, "impact")
	switch impact {
	case "none", "trivial":
		r.log.Info("Calendar change below prompt threshold", "impact", impact)
		return false
	default:
		return true
	}
}

// emitPrompt appends one manager.prompt event and marks it pending. A
// thread with an unresolved prompt never receives a second one.
func (g *Graph) emitPrompt(ctx context.Context, r *run, content string, options []string) error {
	if r.promptEmitted {
		r.log.Warn("Second prompt suppressed for inbound event", "node", nodeEmitPrompt)
		return nil
	}
	if r.cp.PendingPromptID != "" {
		r.log.Info("Prompt already pending for thread, skipping",
			"node", nodeEmitPrompt, "pending_prompt_id", r.cp.PendingPromptID)
		return nil
	}
	key := SideEffectKey(r.evt.UserID, r.evt.ThreadID, r.effectID(), nodeEmitPrompt)
	if r.cp.HasSideEffect(key) {
		metrics.SideEffectsSkipped.Inc()
		return nil
	}

	actionID := g.cfg.NewActionID()
	values := map[string]any{
		"type":         events.TypeManagerPrompt,
		"content":      content,
		"options":      options,
		"action_id":    actionID,
		"wb_parent_id": r.evt.WBID,
		"source":       r.evt.Event.Source,
		"kind":         r.evt.Event.Kind,
	}
	if _, err := g.cfg.Bus.Append(ctx, r.evt.UserID, r.evt.ThreadID, values); err != nil {
		return fmt.Errorf("failed to emit prompt for %s: %w", r.evt.WBID, err)
	}
	if _, err := g.cfg.Checkpoints.RecordSideEffect(ctx, r.evt.UserID, r.evt.ThreadID, r.cp, key); err != nil {
		return err
	}

	r.cp.PendingPromptID = actionID
	r.promptEmitted = true
	metrics.PromptsEmitted.WithLabelValues(r.evt.Event.Source).Inc()
	r.log.Info("Prompt emitted", "node", nodeEmitPrompt, "action_id", actionID)
	return nil
}

func (g *Graph) externalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.cfg.ExternalCeiling <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.cfg.ExternalCeiling)
}

// metadataValue looks a key up in the action payload, trying the flat form
// first and the nested metadata map second.
func metadataValue(payload map[string]any, key string) string {
	if v := events.StringValue(payload, key); v != "" {
		return v
	}
	meta, ok := payload["metadata"].(map[string]any)
	if !ok {
		return ""
	}
	return events.StringValue(meta, key)
}

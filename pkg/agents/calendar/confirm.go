package calendar

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/manager"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Confirmer is the drift-checked apply path for confirmed proposals. Before
// any external write it re-fetches every affected event and compares it with
// the shadow the plan was computed against; any divergence marks the
// proposal stale and surfaces a fresh proposal instead of writing through.
type Confirmer struct {
	shadow    ShadowStore
	proposals ProposalStore
	source    Source
	bus       wb.Appender
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

var _ manager.CalendarConfirmer = (*Confirmer)(nil)

// NewConfirmer wires the confirm path's collaborators together.
func NewConfirmer(shadow ShadowStore, proposals ProposalStore, source Source, bus wb.Appender) *Confirmer {
	return &Confirmer{
		shadow:    shadow,
		proposals: proposals,
		source:    source,
		bus:       bus,
		logger:    slog.With("worker", "calendar_confirm"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Confirm applies a confirmed proposal, or refuses when external state
// drifted since the plan was computed.
func (c *Confirmer) Confirm(ctx context.Context, userID, threadID, proposalID string) error {
	p, err := c.proposals.Get(ctx, proposalID)
	if err != nil {
		return err
	}
	log := c.logger.With("proposal_id", proposalID, "user_id", userID)

	switch p.Status {
	case StatusApplied:
		log.Info("Proposal already applied, skipping")
		return nil
	case StatusStale:
		log.Info("Proposal is stale, refusing to apply")
		return nil
	}

	drifted, driftedID, err := c.detectDrift(ctx, p)
	if err != nil {
		return err
	}
	if drifted {
		return c.markStale(ctx, p, threadID, driftedID)
	}

	for _, ev := range p.Plan.Events {
		if err := c.source.Write(ctx, userID, p.CalendarID, ev); err != nil {
			return fmt.Errorf("failed to write event %s for proposal %s: %w", ev.EventID, proposalID, err)
		}
		if err := c.shadow.Upsert(ctx, userID, p.CalendarID, ev); err != nil {
			return err
		}
	}

	p.Status = StatusApplied
	p.UpdatedAt = c.now().UTC()
	if err := c.proposals.Put(ctx, p); err != nil {
		return err
	}
	log.Info("Proposal applied", "events", len(p.Plan.Events))
	return nil
}

// detectDrift compares every affected event's shadow against its current
// external state. Only events the shadow knows can drift; planned events the
// shadow has never seen have no baseline to diverge from.
func (c *Confirmer) detectDrift(ctx context.Context, p *Proposal) (bool, string, error) {
	for _, eventID := range c.affectedIDs(p) {
		mirrored, err := c.shadow.Get(ctx, p.UserID, p.CalendarID, eventID)
		if err != nil {
			return false, "", err
		}
		if mirrored == nil {
			continue
		}
		external, err := c.source.Fetch(ctx, p.UserID, p.CalendarID, eventID)
		if err != nil {
			return false, "", fmt.Errorf("failed to fetch event %s for drift check: %w", eventID, err)
		}
		if external == nil || !external.Equal(*mirrored) {
			return true, eventID, nil
		}
	}
	return false, "", nil
}

func (c *Confirmer) affectedIDs(p *Proposal) []string {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	add(p.PrimaryEventID)
	add(p.ConflictingEventID)
	for _, ev := range p.Plan.Events {
		add(ev.EventID)
	}
	return ids
}

// markStale retires the drifted proposal and emits a fresh plan.proposed
// explaining the conflict. No external write happens on this path.
func (c *Confirmer) markStale(ctx context.Context, p *Proposal, threadID, driftedID string) error {
	now := c.now().UTC()
	p.Status = StatusStale
	p.UpdatedAt = now
	if err := c.proposals.Put(ctx, p); err != nil {
		return err
	}

	// Refresh the shadow with what the external store holds now, so the
	// next plan is computed against reality.
	external, err := c.source.Fetch(ctx, p.UserID, p.CalendarID, driftedID)
	if err == nil {
		if external == nil {
			_ = c.shadow.Delete(ctx, p.UserID, p.CalendarID, driftedID)
		} else {
			_ = c.shadow.Upsert(ctx, p.UserID, p.CalendarID, *external)
		}
	}

	replacement := &Proposal{
		ProposalID:         c.newID(),
		UserID:             p.UserID,
		CalendarID:         p.CalendarID,
		PrimaryEventID:     p.PrimaryEventID,
		ConflictingEventID: driftedID,
		Plan:               p.Plan,
		Status:             StatusPending,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.proposals.Put(ctx, replacement); err != nil {
		return err
	}

	if threadID == "" {
		threadID = SystemThread
	}
	_, err = c.bus.Append(ctx, p.UserID, threadID, map[string]any{
		"type":        events.TypeCalendarPlanProposed,
		"delta_id":    "drift:" + p.ProposalID,
		"summary":     fmt.Sprintf("Event %s changed since the plan was made", driftedID),
		"impact":      "conflict",
		"proposal_id": replacement.ProposalID,
		"rationale":   "external calendar state diverged from the planned baseline",
	})
	if err != nil {
		return fmt.Errorf("failed to emit drift proposal for %s: %w", p.ProposalID, err)
	}
	c.logger.Warn("Proposal marked stale after drift check",
		"proposal_id", p.ProposalID, "drifted_event", driftedID,
		"replacement", replacement.ProposalID)
	return nil
}

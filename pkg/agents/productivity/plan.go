// Package productivity implements the productivity subagent: it consumes
// activity heartbeats, tracks a per-block mismatch timer against a set of
// expected foreground apps, and emits underrun/overrun/nudge decisions to
// the whiteboard. Heartbeats and expected-apps stay internal; only
// decisions ever reach the whiteboard.
package productivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/thegaltinator/alfred-cloud/pkg/planner"
)

// Block is one planned time block of a user's day.
type Block struct {
	BlockID  string
	Label    string
	Start    time.Time
	End      time.Time
	Priority int
}

// Contains reports whether t falls inside the block.
func (b Block) Contains(t time.Time) bool {
	return !t.Before(b.Start) && t.Before(b.End)
}

// DayPlan is the ordered set of blocks for one local day.
type DayPlan struct {
	PlanID  string
	Version int64
	Date    string // "2006-01-02"
	Blocks  []Block
}

// BlockAt returns the block covering t, or nil during a gap.
func (p *DayPlan) BlockAt(t time.Time) *Block {
	if p == nil {
		return nil
	}
	for i := range p.Blocks {
		if p.Blocks[i].Contains(t) {
			return &p.Blocks[i]
		}
	}
	return nil
}

// PlanSource resolves the day plan the mismatch timer runs against.
type PlanSource interface {
	Plan(ctx context.Context, userID, date string) (*DayPlan, error)
}

// PlannerPlanSource derives day plans from the planner collaborator's
// timeline output.
type PlannerPlanSource struct {
	runner planner.Runner
}

var _ PlanSource = (*PlannerPlanSource)(nil)

// NewPlannerPlanSource creates a plan source over a planner runner.
func NewPlannerPlanSource(runner planner.Runner) *PlannerPlanSource {
	return &PlannerPlanSource{runner: runner}
}

// Plan asks the planner for the day's timeline and converts it to blocks.
func (s *PlannerPlanSource) Plan(ctx context.Context, userID, date string) (*DayPlan, error) {
	result, err := s.runner.Run(ctx, planner.RunInput{
		UserID:   userID,
		ThreadID: systemThread,
		PlanDate: date,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve day plan for %s: %w", userID, err)
	}

	plan := &DayPlan{
		PlanID:  result.PlanID,
		Version: result.Version,
		Date:    date,
		Blocks:  make([]Block, 0, len(result.Timeline)),
	}
	for _, entry := range result.Timeline {
		start, err := time.Parse(time.RFC3339, entry.Start)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, entry.End)
		if err != nil {
			continue
		}
		plan.Blocks = append(plan.Blocks, Block{
			BlockID:  entry.BlockID,
			Label:    entry.Label,
			Start:    start,
			End:      end,
			Priority: entry.Priority,
		})
	}
	return plan, nil
}

// MemoryPlanSource is the in-process PlanSource for unit tests.
type MemoryPlanSource struct {
	mu    sync.Mutex
	plans map[string]*DayPlan // "{user}:{date}"
}

var _ PlanSource = (*MemoryPlanSource)(nil)

// NewMemoryPlanSource creates an empty in-process plan source.
func NewMemoryPlanSource() *MemoryPlanSource {
	return &MemoryPlanSource{plans: make(map[string]*DayPlan)}
}

// Put seeds the plan returned for (userID, date).
func (s *MemoryPlanSource) Put(userID string, plan *DayPlan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[userID+":"+plan.Date] = plan
}

// Plan returns the seeded plan, or an empty plan when none was seeded.
func (s *MemoryPlanSource) Plan(_ context.Context, userID, date string) (*DayPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plan, ok := s.plans[userID+":"+date]; ok {
		return plan, nil
	}
	return &DayPlan{Date: date}, nil
}

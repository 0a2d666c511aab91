package e2e

import (
	"context"
	"sync"

	"github.com/thegaltinator/alfred-cloud/pkg/agents/email"
	"github.com/thegaltinator/alfred-cloud/pkg/agents/mailer"
	"github.com/thegaltinator/alfred-cloud/pkg/planner"
)

// ScriptedPlanner is a planner collaborator returning a fixed result and
// counting calls. Safe for concurrent use.
type ScriptedPlanner struct {
	mu     sync.Mutex
	result planner.Result
	err    error
	calls  int
}

var _ planner.Runner = (*ScriptedPlanner)(nil)

// NewScriptedPlanner returns a planner scripted with a minimal plan.
func NewScriptedPlanner() *ScriptedPlanner {
	return &ScriptedPlanner{
		result: planner.Result{PlanID: "plan-1", Version: 1},
	}
}

// Script replaces the result every subsequent Run returns.
func (p *ScriptedPlanner) Script(result planner.Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.result = result
}

// Fail makes every subsequent Run return err (nil restores success).
func (p *ScriptedPlanner) Fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Calls returns how many times Run was invoked.
func (p *ScriptedPlanner) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Run returns the scripted result.
func (p *ScriptedPlanner) Run(_ context.Context, _ planner.RunInput) (*planner.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	result := p.result
	return &result, nil
}

// ScriptedClassifier is an email classifier returning per-message scripted
// classifications. Unknown messages classify as "no reply needed".
type ScriptedClassifier struct {
	mu      sync.Mutex
	replies map[string]email.Classification
	calls   int
}

var _ email.Classifier = (*ScriptedClassifier)(nil)

// NewScriptedClassifier returns an empty classifier script.
func NewScriptedClassifier() *ScriptedClassifier {
	return &ScriptedClassifier{replies: make(map[string]email.Classification)}
}

// Script sets the classification returned for messageID.
func (c *ScriptedClassifier) Script(messageID string, classification email.Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replies[messageID] = classification
}

// Calls returns how many times Classify was invoked.
func (c *ScriptedClassifier) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// Classify returns the scripted classification for the message.
func (c *ScriptedClassifier) Classify(_ context.Context, in email.ClassifyInput) (*email.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	classification := c.replies[in.MessageID]
	return &classification, nil
}

// ScriptedSender records send orders instead of reaching a mail API.
type ScriptedSender struct {
	mu    sync.Mutex
	err   error
	sends []mailer.SendInput
}

var _ mailer.Sender = (*ScriptedSender)(nil)

// NewScriptedSender returns an empty sender.
func NewScriptedSender() *ScriptedSender {
	return &ScriptedSender{}
}

// Fail makes every subsequent Send return err (nil restores success).
func (s *ScriptedSender) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Sends returns the orders executed so far.
func (s *ScriptedSender) Sends() []mailer.SendInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]mailer.SendInput, len(s.sends))
	copy(out, s.sends)
	return out
}

// Send records the order.
func (s *ScriptedSender) Send(_ context.Context, in mailer.SendInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sends = append(s.sends, in)
	return nil
}

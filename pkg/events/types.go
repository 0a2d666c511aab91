// Package events defines the closed whiteboard event taxonomy and the
// normalizer that projects raw whiteboard entries into typed events.
//
// Every entry on a user's whiteboard carries a "type" value from the closed
// set below. The normalizer maps that type to a (source, kind) pair and a
// payload schema; the manager graph routes on source and branches on kind.
// Unknown types are rejected, logged, and never retried.
package events

import "strconv"

// Event sources. The router dispatches on these.
const (
	SourceCalendar = "calendar"
	SourceProd     = "prod"
	SourceEmail    = "email"
	SourceManager  = "manager"
)

// Whiteboard event types (closed set).
const (
	// TypeCalendarPlanProposed announces a pending plan proposal.
	// Payload: delta_id, summary, impact.
	TypeCalendarPlanProposed = "calendar.plan.proposed"
	// TypeCalendarPlanNewVersion announces a revised plan.
	// Payload: plan_id, version.
	TypeCalendarPlanNewVersion = "calendar.plan.new_version"
	// TypeProdUnderrun reports a block with no on-task activity.
	// Payload: block_id, activity_label.
	TypeProdUnderrun = "prod.underrun"
	// TypeProdOverrun reports sustained off-task activity.
	// Payload: block_id, activity_label.
	TypeProdOverrun = "prod.overrun"
	// TypeProdNudge reports a low-confidence mismatch worth a soft check-in.
	// Payload: block_id, activity_label.
	TypeProdNudge = "prod.nudge"
	// TypeEmailReplyNeeded reports a triaged email awaiting a reply.
	// Payload: message_id, sender, summary, draft.
	TypeEmailReplyNeeded = "email.reply_needed"
	// TypeManagerUserAction carries a user's choice back into the graph.
	// Payload: action_id, choice, metadata (optional).
	TypeManagerUserAction = "manager.user_action"
	// TypeManagerPrompt is the only user-visible output of the manager.
	// Payload: content, options, action_id, wb_parent_id.
	TypeManagerPrompt = "manager.prompt"
)

// Control-channel message types (internal streams, never on the whiteboard).
const (
	// TypeProdRecompute asks the productivity subagent to rebuild its
	// expected-apps state. Payload: plan_id, version, block_id, user_id,
	// thread_id.
	TypeProdRecompute = "prod.recompute"
	// TypeEmailSendConfirmed asks the mailer to send a confirmed draft.
	// Payload: message_id, draft_hash, user_id.
	TypeEmailSendConfirmed = "email.send.confirmed"
)

// Event is the typed portion of a normalized whiteboard entry.
type Event struct {
	Source  string         // routing dimension: calendar, prod, email, manager
	Kind    string         // variant within the source, e.g. "overrun"
	Payload map[string]any // projected payload, schema keys only
}

// Type reconstructs the full type string ("prod.overrun").
func (e Event) Type() string {
	return e.Source + "." + e.Kind
}

// Normalized couples a typed event with its whiteboard provenance.
type Normalized struct {
	WBID     string
	UserID   string
	ThreadID string
	Event    Event
}

// StringValue reads a payload value as a string, coercing []byte.
func StringValue(payload map[string]any, key string) string {
	switch v := payload[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// IntValue reads a payload value as an int64, accepting the string and
// float forms stream storage and JSON decoding produce.
func IntValue(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

// StringSlice reads a payload value as a string slice, accepting the []any
// form JSON decoding produces.
func StringSlice(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

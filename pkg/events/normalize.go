package events

import (
	"errors"
	"fmt"
	"strings"

	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// ErrUnknownType marks entries whose type is outside the closed set.
// Callers log and drop these; they are never retried.
var ErrUnknownType = errors.New("unknown event type")

// schema describes one variant of the closed set.
type schema struct {
	source   string
	kind     string
	required []string
	optional []string
}

var schemas = map[string]schema{
	TypeCalendarPlanProposed: {
		source:   SourceCalendar,
		kind:     "plan.proposed",
		required: []string{"delta_id", "summary", "impact"},
		optional: []string{"proposal_id", "rationale"},
	},
	TypeCalendarPlanNewVersion: {
		source:   SourceCalendar,
		kind:     "plan.new_version",
		required: []string{"plan_id", "version"},
		optional: []string{"summary", "impact"},
	},
	TypeProdUnderrun: {
		source:   SourceProd,
		kind:     "underrun",
		required: []string{"block_id", "activity_label"},
	},
	TypeProdOverrun: {
		source:   SourceProd,
		kind:     "overrun",
		required: []string{"block_id", "activity_label"},
	},
	TypeProdNudge: {
		source:   SourceProd,
		kind:     "nudge",
		required: []string{"block_id", "activity_label"},
	},
	TypeEmailReplyNeeded: {
		source:   SourceEmail,
		kind:     "reply_needed",
		required: []string{"message_id", "sender", "summary", "draft"},
	},
	TypeManagerUserAction: {
		source:   SourceManager,
		kind:     "user_action",
		required: []string{"action_id", "choice"},
		optional: []string{"metadata"},
	},
	TypeManagerPrompt: {
		source:   SourceManager,
		kind:     "prompt",
		required: []string{"content", "options", "action_id", "wb_parent_id"},
		optional: []string{"source", "kind"},
	},
}

// Normalize projects a whiteboard entry into its typed variant.
//
// The type discriminator is values["type"] with values["kind"] as fallback.
// Payload keys outside the variant's schema are dropped; scalar values are
// coerced from the string form stream storage produces. Identity fields
// prefer the entry's own fields and fall back to values.
func Normalize(ev wb.Event) (Normalized, error) {
	typ := ev.Type()
	if typ == "" {
		return Normalized{}, fmt.Errorf("%w: entry %s carries no type", ErrUnknownType, ev.ID)
	}
	sch, ok := schemas[typ]
	if !ok {
		return Normalized{}, fmt.Errorf("%w: %q (wb_id=%s)", ErrUnknownType, typ, ev.ID)
	}

	payload, err := sch.project(ev.Values)
	if err != nil {
		return Normalized{}, fmt.Errorf("invalid %s entry %s: %w", typ, ev.ID, err)
	}

	userID := strings.TrimSpace(ev.UserID)
	if userID == "" {
		userID = StringValue(ev.Values, "user_id")
	}
	threadID := strings.TrimSpace(ev.ThreadID)
	if threadID == "" {
		threadID = StringValue(ev.Values, "thread_id")
	}

	metrics.EventsNormalized.WithLabelValues(typ).Inc()
	return Normalized{
		WBID:     ev.ID,
		UserID:   userID,
		ThreadID: threadID,
		Event: Event{
			Source:  sch.source,
			Kind:    sch.kind,
			Payload: payload,
		},
	}, nil
}

// project copies the schema's keys out of the raw value map, scalarizing
// []byte and fmt.Stringer values. Missing required keys fail.
func (s schema) project(values map[string]any) (map[string]any, error) {
	payload := make(map[string]any, len(s.required)+len(s.optional))
	for _, key := range s.required {
		v, ok := values[key]
		if !ok {
			return nil, fmt.Errorf("missing required payload key %q", key)
		}
		payload[key] = scalarize(v)
	}
	for _, key := range s.optional {
		if v, ok := values[key]; ok {
			payload[key] = scalarize(v)
		}
	}
	return payload, nil
}

func scalarize(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case fmt.Stringer:
		return val.String()
	default:
		return v
	}
}

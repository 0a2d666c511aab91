package email

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// TypeReceived is the incoming message entry on user:{U}:in:email.
// Values: message_id, internal_date, sender, subject, snippet,
// list_unsubscribe (optional header marker).
const TypeReceived = "email.received"

// systemThread is the thread subagent-originated whiteboard events land on.
const systemThread = "system"

// bulkSubjectMarkers flag receipts and other automated mail by subject.
var bulkSubjectMarkers = []string{
	"receipt",
	"order confirmation",
	"your invoice",
	"newsletter",
	"shipping update",
}

// Subagent triages incoming email for one user.
type Subagent struct {
	bus        wb.Appender
	classifier Classifier
	dedupe     agents.KeySet
	limiter    *rate.Limiter
	cfg        *config.EmailConfig
	gate       *agents.DegradedGate
	logger     *slog.Logger
}

var _ agents.Handler = (*Subagent)(nil)

// NewSubagent wires the subagent's collaborators together.
func NewSubagent(bus wb.Appender, classifier Classifier, dedupe agents.KeySet, cfg *config.EmailConfig, gate *agents.DegradedGate) *Subagent {
	return &Subagent{
		bus:        bus,
		classifier: classifier,
		dedupe:     dedupe,
		limiter:    rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.TriageCapPerHour)), cfg.TriageCapPerHour),
		cfg:        cfg,
		gate:       gate,
		logger:     slog.With("worker", "email_triage"),
	}
}

// Handle triages one incoming message.
func (s *Subagent) Handle(ctx context.Context, ev wb.Event) error {
	if ev.Type() != TypeReceived {
		s.logger.Warn("Dropping unrecognized email input entry",
			"stream_id", ev.ID, "type", ev.Type())
		return nil
	}

	messageID := events.StringValue(ev.Values, "message_id")
	internalDate := events.StringValue(ev.Values, "internal_date")
	if messageID == "" || internalDate == "" {
		s.logger.Warn("Dropping email entry without identity",
			"stream_id", ev.ID, "message_id", messageID)
		return nil
	}
	log := s.logger.With("message_id", messageID, "user_id", ev.UserID)

	if reason := bulkReason(ev.Values); reason != "" {
		log.Info("Skipping bulk/automated message", "reason", reason)
		return nil
	}

	// One triage per (message_id, internal_date), however many times the
	// poller re-delivers the message.
	key := triagedKey(ev.UserID, messageID, internalDate)
	claimed, err := s.dedupe.Insert(ctx, key, s.cfg.DedupeTTL)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Message already triaged, skipping")
		return nil
	}

	if s.gate != nil && s.gate.Degraded() {
		// Classification is the non-critical external call; drain without
		// it and let a future delivery triage the message.
		log.Warn("Degraded, skipping classification")
		return s.dedupe.Release(ctx, key)
	}

	// Pace classifier calls to the hourly cap.
	if err := s.limiter.Wait(ctx); err != nil {
		if relErr := s.dedupe.Release(ctx, key); relErr != nil {
			log.Warn("Failed to release triage dedupe key", "error", relErr)
		}
		return err
	}

	classification, err := s.classifier.Classify(ctx, ClassifyInput{
		UserID:    ev.UserID,
		MessageID: messageID,
		Sender:    events.StringValue(ev.Values, "sender"),
		Subject:   events.StringValue(ev.Values, "subject"),
		Snippet:   events.StringValue(ev.Values, "snippet"),
	})
	if err != nil {
		if relErr := s.dedupe.Release(ctx, key); relErr != nil {
			log.Warn("Failed to release triage dedupe key", "error", relErr)
		}
		return fmt.Errorf("classification failed for message %s: %w", messageID, err)
	}

	if !classification.ReplyWarranted {
		log.Info("No reply warranted")
		return nil
	}

	thread := ev.ThreadID
	if thread == "" {
		thread = systemThread
	}
	wbID, err := s.bus.Append(ctx, ev.UserID, thread, map[string]any{
		"type":       events.TypeEmailReplyNeeded,
		"message_id": messageID,
		"sender":     events.StringValue(ev.Values, "sender"),
		"summary":    classification.Summary,
		"draft":      classification.Draft,
	})
	if err != nil {
		if relErr := s.dedupe.Release(ctx, key); relErr != nil {
			log.Warn("Failed to release triage dedupe key", "error", relErr)
		}
		return fmt.Errorf("failed to emit reply_needed for %s: %w", messageID, err)
	}
	log.Info("Reply needed", "wb_id", wbID)
	return nil
}

func triagedKey(userID, messageID, internalDate string) string {
	return "email:triaged:" + userID + ":" + messageID + ":" + internalDate
}

// bulkReason classifies obviously automated mail that never reaches the
// classifier. Returns an empty string for human mail.
func bulkReason(values map[string]any) string {
	sender := strings.ToLower(events.StringValue(values, "sender"))
	for _, marker := range []string{"no-reply", "noreply", "donotreply"} {
		if strings.Contains(sender, marker) {
			return "no_reply_sender"
		}
	}
	if events.StringValue(values, "list_unsubscribe") != "" {
		return "unsubscribe_header"
	}
	subject := strings.ToLower(events.StringValue(values, "subject"))
	for _, marker := range bulkSubjectMarkers {
		if strings.Contains(subject, marker) {
			return "automated_subject"
		}
	}
	if strings.Contains(strings.ToLower(events.StringValue(values, "snippet")), "unsubscribe") {
		return "unsubscribe_body"
	}
	return ""
}

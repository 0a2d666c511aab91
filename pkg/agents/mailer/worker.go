package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/thegaltinator/alfred-cloud/pkg/agents"
	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/events"
	"github.com/thegaltinator/alfred-cloud/pkg/wb"
)

// Worker consumes email.send.confirmed orders from user:{U}:control:mail.
// The idempotency key is claimed before the send and released on failure,
// so a redelivered order retries while a completed one never sends twice.
type Worker struct {
	sender  Sender
	sent    agents.KeySet
	limiter *rate.Limiter
	cfg     *config.MailerConfig
	logger  *slog.Logger
}

var _ agents.Handler = (*Worker)(nil)

// NewWorker wires the worker's collaborators together.
func NewWorker(sender Sender, sent agents.KeySet, cfg *config.MailerConfig) *Worker {
	return &Worker{
		sender:  sender,
		sent:    sent,
		limiter: rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.SendCapPerHour)), cfg.SendCapPerHour),
		cfg:     cfg,
		logger:  slog.With("worker", "mailer"),
	}
}

// Handle executes one confirmed send order.
func (w *Worker) Handle(ctx context.Context, ev wb.Event) error {
	if ev.Type() != events.TypeEmailSendConfirmed {
		w.logger.Warn("Dropping unrecognized mail control entry",
			"stream_id", ev.ID, "type", ev.Type())
		return nil
	}

	messageID := events.StringValue(ev.Values, "message_id")
	draftHash := events.StringValue(ev.Values, "draft_hash")
	userID := ev.UserID
	if userID == "" {
		userID = events.StringValue(ev.Values, "user_id")
	}
	if messageID == "" || userID == "" {
		w.logger.Warn("Dropping send order without identity",
			"stream_id", ev.ID, "message_id", messageID)
		return nil
	}
	log := w.logger.With("message_id", messageID, "user_id", userID)

	key := sentKey(userID, messageID, draftHash)
	claimed, err := w.sent.Insert(ctx, key, w.cfg.SentKeyTTL)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("Draft already sent, skipping")
		return nil
	}

	// Pace sends to the hourly cap.
	if err := w.limiter.Wait(ctx); err != nil {
		if relErr := w.sent.Release(ctx, key); relErr != nil {
			log.Warn("Failed to release sent key", "error", relErr)
		}
		return err
	}

	if err := w.sender.Send(ctx, SendInput{
		UserID:    userID,
		MessageID: messageID,
		DraftHash: draftHash,
	}); err != nil {
		// Release the claim so the redelivered order may resend.
		if relErr := w.sent.Release(ctx, key); relErr != nil {
			log.Warn("Failed to release sent key", "error", relErr)
		}
		return fmt.Errorf("send failed for message %s: %w", messageID, err)
	}

	log.Info("Draft sent")
	return nil
}

func sentKey(userID, messageID, draftHash string) string {
	return "mail:sent:" + userID + ":" + messageID + ":" + draftHash
}

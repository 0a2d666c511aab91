// Package mailer implements the mail send worker: it consumes confirmed
// send orders from the internal mail control stream and executes them
// against the external mail API exactly once per (message_id, draft_hash).
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// Call classification, mirroring the planner client's taxonomy.
var (
	// ErrSendUnavailable covers transport errors, 5xx, 429, and an open
	// breaker; the order stays pending and is retried.
	ErrSendUnavailable = errors.New("mail API unavailable")
	// ErrSendRejected covers non-retryable 4xx responses.
	ErrSendRejected = errors.New("mail API rejected send")
)

// SendInput identifies one confirmed draft for the external mail API to
// resolve and send.
type SendInput struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	DraftHash string `json:"draft_hash"`
}

// Sender executes one send order. Tests substitute scripted
// implementations.
type Sender interface {
	Send(ctx context.Context, in SendInput) error
}

// HTTPSender calls the external mail API with a circuit breaker in front of
// the wire.
type HTTPSender struct {
	baseURL string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Sender = (*HTTPSender)(nil)

// NewHTTPSender builds a mail API client from configuration.
func NewHTTPSender(cfg *config.MailerConfig) *HTTPSender {
	logger := slog.With("component", "mail_client")
	return &HTTPSender{
		baseURL: cfg.SendURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "mail",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrSendRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Mail breaker state changed",
					"from", from.String(), "to", to.String())
			},
		}),
	}
}

// Send issues one POST /send call.
func (s *HTTPSender) Send(ctx context.Context, in SendInput) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ExternalCalls.WithLabelValues("mail", "breaker_open").Inc()
			return fmt.Errorf("%w: circuit open", ErrSendUnavailable)
		}
		if errors.Is(err, ErrSendRejected) {
			metrics.ExternalCalls.WithLabelValues("mail", "rejected").Inc()
		} else {
			metrics.ExternalCalls.WithLabelValues("mail", "error").Inc()
		}
		return err
	}
	metrics.ExternalCalls.WithLabelValues("mail", "ok").Inc()
	return nil
}

func (s *HTTPSender) post(ctx context.Context, in SendInput) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode send request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrSendUnavailable, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d", ErrSendRejected, resp.StatusCode)
	}
}

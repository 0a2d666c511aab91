// Package email implements the email-triage subagent: it deduplicates
// incoming messages, skips bulk and automated mail by heuristic, classifies
// the rest via the external classifier collaborator, and emits one
// email.reply_needed whiteboard event per message that warrants a reply.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// Call classification, mirroring the planner client's taxonomy.
var (
	// ErrClassifierUnavailable covers transport errors, 5xx, 429, and an
	// open breaker; the entry stays pending and is retried.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrClassifierRejected covers non-retryable 4xx responses.
	ErrClassifierRejected = errors.New("classifier rejected request")
)

const maxResponseBytes = 1 << 20

// ClassifyInput is the POST /classify request body.
type ClassifyInput struct {
	UserID    string `json:"user_id"`
	MessageID string `json:"message_id"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Snippet   string `json:"snippet"`
}

// Classification is the POST /classify response body.
type Classification struct {
	ReplyWarranted bool   `json:"reply_warranted"`
	Summary        string `json:"summary"`
	Draft          string `json:"draft"`
}

// Classifier decides whether a message warrants a reply and drafts one.
// Tests substitute scripted implementations.
type Classifier interface {
	Classify(ctx context.Context, in ClassifyInput) (*Classification, error)
}

// HTTPClassifier calls the external classifier with a circuit breaker in
// front of the wire.
type HTTPClassifier struct {
	baseURL string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
}

var _ Classifier = (*HTTPClassifier)(nil)

// NewHTTPClassifier builds a classifier client from configuration.
func NewHTTPClassifier(cfg *config.EmailConfig) *HTTPClassifier {
	logger := slog.With("component", "classifier_client")
	return &HTTPClassifier{
		baseURL: cfg.ClassifierURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "classifier",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrClassifierRejected)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("Classifier breaker state changed",
					"from", from.String(), "to", to.String())
			},
		}),
	}
}

// Classify issues one POST /classify call.
func (c *HTTPClassifier) Classify(ctx context.Context, in ClassifyInput) (*Classification, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ExternalCalls.WithLabelValues("classifier", "breaker_open").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrClassifierUnavailable)
		}
		if errors.Is(err, ErrClassifierRejected) {
			metrics.ExternalCalls.WithLabelValues("classifier", "rejected").Inc()
		} else {
			metrics.ExternalCalls.WithLabelValues("classifier", "error").Inc()
		}
		return nil, err
	}
	metrics.ExternalCalls.WithLabelValues("classifier", "ok").Inc()
	return out.(*Classification), nil
}

func (c *HTTPClassifier) post(ctx context.Context, in ClassifyInput) (*Classification, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Classification
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode classify response: %w", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrClassifierUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrClassifierRejected, resp.StatusCode)
	}
}

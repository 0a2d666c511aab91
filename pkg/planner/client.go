// Package planner implements the HTTP client for the external planner
// collaborator. The planner itself is side-effect free and may be called
// repeatedly; callers deduplicate via the checkpoint side-effects log.
package planner

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
	"golang.org/x/time/rate"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
	"github.com/thegaltinator/alfred-cloud/pkg/metrics"
)

// Call classification. Transient failures (ErrUnavailable) may be retried
// with backoff; ErrRejected must not be.
var (
	// ErrRateLimited means the local per-minute/per-hour cap is exhausted.
	ErrRateLimited = errors.New("planner rate cap reached")
	// ErrUnavailable covers transport errors, 5xx, 429, and an open breaker.
	ErrUnavailable = errors.New("planner unavailable")
	// ErrRejected covers non-retryable 4xx responses.
	ErrRejected = errors.New("planner rejected request")
)

const maxResponseBytes = 1 << 20

// RunInput is the POST /planner/run request body.
type RunInput struct {
	UserID       string `json:"user_id"`
	ThreadID     string `json:"thread_id"`
	PlanDate     string `json:"plan_date"`
	TimeBlock    string `json:"time_block"`
	ActivityType string `json:"activity_type,omitempty"`
}

// TimelineEntry is one planned block in a planner result.
type TimelineEntry struct {
	BlockID  string `json:"block_id"`
	Label    string `json:"label"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Priority int    `json:"priority,omitempty"`
}

// Conflict describes a calendar collision the planner detected.
type Conflict struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Result is the POST /planner/run response body.
type Result struct {
	PlanID    string          `json:"plan_id"`
	Version   int64           `json:"version"`
	Timeline  []TimelineEntry `json:"timeline"`
	Conflicts []Conflict      `json:"conflicts"`
	Rationale string          `json:"rationale"`
}

// Runner is the planner surface used by graph nodes and the calendar
// subagent. Tests substitute scripted implementations.
type Runner interface {
	Run(ctx context.Context, in RunInput) (*Result, error)
}

// Client calls the planner over HTTP with local rate caps and a circuit
// breaker in front of the wire.
type Client struct {
	baseURL string
	httpc   *http.Client
	breaker *gobreaker.CircuitBreaker
	minute  *rate.Limiter
	hour    *rate.Limiter
	logger  *slog.Logger
}

var _ Runner = (*Client)(nil)

// NewClient builds a planner client from configuration.
func NewClient(cfg *config.PlannerConfig) *Client {
	logger := slog.With("component", "planner_client")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "planner",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Rejections are the caller's bug, not planner downtime; only
		// transport-level failures should open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Planner breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return &Client{
		baseURL: cfg.URL,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		breaker: breaker,
		minute:  rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
		hour:    rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RatePerHour)), cfg.RatePerHour),
		logger:  logger,
	}
}

// Run issues one POST /planner/run call. The request is attempted at most
// once; retry policy belongs to the caller.
func (c *Client) Run(ctx context.Context, in RunInput) (*Result, error) {
	if !c.minute.Allow() || !c.hour.Allow() {
		metrics.ExternalCalls.WithLabelValues("planner", "rate_limited").Inc()
		return nil, ErrRateLimited
	}

	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, in)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ExternalCalls.WithLabelValues("planner", "breaker_open").Inc()
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		if errors.Is(err, ErrRejected) {
			metrics.ExternalCalls.WithLabelValues("planner", "rejected").Inc()
		} else {
			metrics.ExternalCalls.WithLabelValues("planner", "error").Inc()
		}
		return nil, err
	}

	metrics.ExternalCalls.WithLabelValues("planner", "ok").Inc()
	return out.(*Result), nil
}

func (c *Client) post(ctx context.Context, in RunInput) (*Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode planner request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/planner/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build planner request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result Result
		if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode planner response: %w", err)
		}
		return &result, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	}
}

package planner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thegaltinator/alfred-cloud/pkg/config"
)

func plannerConfig(url string) *config.PlannerConfig {
	return &config.PlannerConfig{
		URL:         url,
		RatePerMin:  100,
		RatePerHour: 1000,
		Timeout:     5 * time.Second,
	}
}

func TestClientRun_Success(t *testing.T) {
	var gotPath string
	var gotBody RunInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(Result{
			PlanID:    "p1",
			Version:   3,
			Rationale: "rebalanced afternoon",
			Timeline: []TimelineEntry{
				{BlockID: "B1", Label: "coding", Start: "09:00", End: "11:00"},
			},
		})
	}))
	defer srv.Close()

	client := NewClient(plannerConfig(srv.URL))
	result, err := client.Run(context.Background(), RunInput{
		UserID:    "u1",
		ThreadID:  "t1",
		PlanDate:  "2026-03-01",
		TimeBlock: "B1",
	})
	require.NoError(t, err)

	assert.Equal(t, "/planner/run", gotPath)
	assert.Equal(t, "u1", gotBody.UserID)
	assert.Equal(t, "t1", gotBody.ThreadID)
	assert.Equal(t, "p1", result.PlanID)
	assert.Equal(t, int64(3), result.Version)
	require.Len(t, result.Timeline, 1)
	assert.Equal(t, "coding", result.Timeline[0].Label)
}

func TestClientRun_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(plannerConfig(srv.URL))
	_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestClientRun_BadRequestIsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewClient(plannerConfig(srv.URL))
	_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestClientRun_LocalRateCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{PlanID: "p1", Version: 1})
	}))
	defer srv.Close()

	cfg := plannerConfig(srv.URL)
	cfg.RatePerMin = 1
	client := NewClient(cfg)

	_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
	require.NoError(t, err)

	_, err = client.Run(context.Background(), RunInput{UserID: "u1"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClientRun_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(plannerConfig(srv.URL))
	for i := 0; i < 5; i++ {
		_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
		assert.ErrorIs(t, err, ErrUnavailable)
	}
	before := hits.Load()

	// Circuit is now open: calls fail fast without reaching the server.
	_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, before, hits.Load())
}

func TestClientRun_RejectionsDoNotTripBreaker(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(plannerConfig(srv.URL))
	for i := 0; i < 8; i++ {
		_, err := client.Run(context.Background(), RunInput{UserID: "u1"})
		assert.ErrorIs(t, err, ErrRejected)
	}
	// Every call reached the server; the breaker never opened.
	assert.Equal(t, int64(8), hits.Load())
}

package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Proposal lifecycle states.
const (
	StatusPending = "pending"
	StatusApplied = "applied"
	StatusStale   = "stale"
)

// ErrProposalNotFound marks lookups for unknown or expired proposals.
var ErrProposalNotFound = errors.New("proposal not found")

// PlanSketch is the planned outcome attached to a proposal.
type PlanSketch struct {
	Events    []Event `json:"events"`
	Rationale string  `json:"rationale,omitempty"`
}

// Proposal is one pending plan change awaiting user confirmation. It is
// created when the planner detects a conflict or improvement, moves to
// applied only after the pre-write drift check passes, and to stale when
// that check fails.
type Proposal struct {
	ProposalID         string     `json:"proposal_id"`
	UserID             string     `json:"user_id"`
	CalendarID         string     `json:"calendar_id"`
	PrimaryEventID     string     `json:"primary_event_id"`
	ConflictingEventID string     `json:"conflicting_event_id,omitempty"`
	Plan               PlanSketch `json:"plan"`
	Status             string     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProposalStore persists proposals by ID.
type ProposalStore interface {
	// Get returns the proposal or ErrProposalNotFound.
	Get(ctx context.Context, proposalID string) (*Proposal, error)
	// Put stores the proposal, overwriting any previous version.
	Put(ctx context.Context, p *Proposal) error
}

func proposalKey(proposalID string) string {
	return "cal:proposal:" + proposalID
}

// RedisProposalStore keeps each proposal as a JSON string with a bounded
// lifetime; a stale or applied proposal has no value weeks later.
type RedisProposalStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ ProposalStore = (*RedisProposalStore)(nil)

// NewRedisProposalStore creates a proposal store over an existing Redis
// client. A zero ttl stores proposals without expiry.
func NewRedisProposalStore(client *redis.Client, ttl time.Duration) *RedisProposalStore {
	return &RedisProposalStore{client: client, ttl: ttl}
}

// Get returns the proposal or ErrProposalNotFound.
func (s *RedisProposalStore) Get(ctx context.Context, proposalID string) (*Proposal, error) {
	raw, err := s.client.Get(ctx, proposalKey(proposalID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
		}
		return nil, fmt.Errorf("failed to read proposal %s: %w", proposalID, err)
	}
	var p Proposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("corrupt proposal %s: %w", proposalID, err)
	}
	return &p, nil
}

// Put stores the proposal, overwriting any previous version.
func (s *RedisProposalStore) Put(ctx context.Context, p *Proposal) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode proposal %s: %w", p.ProposalID, err)
	}
	if err := s.client.Set(ctx, proposalKey(p.ProposalID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store proposal %s: %w", p.ProposalID, err)
	}
	return nil
}

// MemoryProposalStore is the in-process ProposalStore for unit tests.
type MemoryProposalStore struct {
	mu        sync.Mutex
	proposals map[string]Proposal
}

var _ ProposalStore = (*MemoryProposalStore)(nil)

// NewMemoryProposalStore creates an empty in-process proposal store.
func NewMemoryProposalStore() *MemoryProposalStore {
	return &MemoryProposalStore{proposals: make(map[string]Proposal)}
}

// Get returns the proposal or ErrProposalNotFound.
func (s *MemoryProposalStore) Get(_ context.Context, proposalID string) (*Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProposalNotFound, proposalID)
	}
	return &p, nil
}

// Put stores the proposal, overwriting any previous version.
func (s *MemoryProposalStore) Put(_ context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ProposalID] = *p
	return nil
}

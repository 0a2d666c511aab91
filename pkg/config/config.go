// Package config loads and validates the service configuration.
//
// Configuration comes from alfred.yaml in the config directory, deep-merged
// over built-in defaults. Values support {{.ENV_VAR}} expansion so secrets
// and endpoints can stay out of the file. A missing file is not an error;
// the service then runs entirely on defaults, which suits local development
// against a default Redis.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config is the fully resolved service configuration.
type Config struct {
	configDir string

	// Users the runtime and subagents watch.
	Users []string

	Redis         *RedisConfig
	Fabric        *FabricConfig
	Server        *ServerConfig
	Runtime       *RuntimeConfig
	Agents        *AgentsConfig
	Planner       *PlannerConfig
	Calendar      *CalendarConfig
	Prod          *ProdConfig
	Email         *EmailConfig
	Mailer        *MailerConfig
	Observability *ObservabilityConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Default returns a Config populated with every built-in default. Tests and
// embedders start here and override what they need.
func Default() *Config {
	return &Config{
		Users:         []string{"test-user"},
		Redis:         DefaultRedisConfig(),
		Fabric:        DefaultFabricConfig(),
		Server:        DefaultServerConfig(),
		Runtime:       DefaultRuntimeConfig(),
		Agents:        DefaultAgentsConfig(),
		Planner:       DefaultPlannerConfig(),
		Calendar:      DefaultCalendarConfig(),
		Prod:          DefaultProdConfig(),
		Email:         DefaultEmailConfig(),
		Mailer:        DefaultMailerConfig(),
		Observability: DefaultObservabilityConfig(),
	}
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Read alfred.yaml from configDir (absent file => defaults)
//  2. Expand {{.ENV_VAR}} references
//  3. Merge file values over built-in defaults
//  4. Validate the result
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"users", len(cfg.Users),
		"redis_addr", cfg.Redis.Addr,
		"planner_url", cfg.Planner.URL)
	return cfg, nil
}

// RedisConfig locates the stream and checkpoint store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
	}
}

// FabricConfig tunes the whiteboard bus.
type FabricConfig struct {
	// MaxLenApprox is the approximate per-stream retention cap
	// (the maxlen_approx option).
	MaxLenApprox int64 `yaml:"maxlen_approx"`

	// BatchCount bounds events returned per tail call.
	BatchCount int64 `yaml:"batch_count"`

	// TailBlock is how long a tail call blocks waiting for new entries.
	TailBlock time.Duration `yaml:"tail_block"`
}

// DefaultFabricConfig returns the built-in fabric defaults.
func DefaultFabricConfig() *FabricConfig {
	return &FabricConfig{
		MaxLenApprox: 1000,
		BatchCount:   50,
		TailBlock:    5 * time.Second,
	}
}

// ServerConfig tunes the HTTP API surface.
type ServerConfig struct {
	// Port the API listens on. The PORT env var, when set, wins in main.
	Port int `yaml:"port"`

	// SSEKeepalive is the comment-frame interval on idle event streams.
	SSEKeepalive time.Duration `yaml:"sse_keepalive"`

	// ReplayBatch bounds events per catch-up read on subscriber endpoints.
	ReplayBatch int64 `yaml:"replay_batch"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:         8080,
		SSEKeepalive: 25 * time.Second,
		ReplayBatch:  100,
	}
}

// RuntimeConfig tunes the per-user manager runtime.
type RuntimeConfig struct {
	// StartAfterID is the initial whiteboard offset for users without a
	// checkpoint (the start_after_id option). Empty means "only new
	// events from startup onward".
	StartAfterID string `yaml:"start_after_id"`

	// Backoff is the pause after a failed graph run before re-tailing.
	Backoff time.Duration `yaml:"backoff"`

	// ExternalCeiling caps any single external call made by graph nodes.
	ExternalCeiling time.Duration `yaml:"external_ceiling"`

	// BatchLimit bounds events processed per loop iteration.
	BatchLimit int `yaml:"batch_limit"`

	// SideEffectRetentionMax is the per-thread side-effect key count kept
	// verbatim; older keys are folded into the compaction summary.
	SideEffectRetentionMax int64 `yaml:"side_effect_retention_max"`

	// SideEffectRetentionDays bounds side-effect key age the same way.
	SideEffectRetentionDays int `yaml:"side_effect_retention_days"`

	// CompactionInterval is how often the checkpoint compactor runs.
	CompactionInterval time.Duration `yaml:"compaction_interval"`
}

// DefaultRuntimeConfig returns the built-in runtime defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Backoff:                 350 * time.Millisecond,
		ExternalCeiling:         75 * time.Second,
		BatchLimit:              10,
		SideEffectRetentionMax:  512,
		SideEffectRetentionDays: 14,
		CompactionInterval:      10 * time.Minute,
	}
}

// AgentsConfig tunes the consumer-group subagent runners.
type AgentsConfig struct {
	// BatchLimit bounds entries claimed per read.
	BatchLimit int64 `yaml:"batch_limit"`

	// Block is how long a group read waits for new entries.
	Block time.Duration `yaml:"block"`

	// ClaimMinIdle is how long an entry may sit pending on a dead consumer
	// before another consumer claims it.
	ClaimMinIdle time.Duration `yaml:"claim_min_idle"`

	// BackoffMin/BackoffMax bound the exponential backoff applied after
	// external failures.
	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`
}

// DefaultAgentsConfig returns the built-in subagent defaults.
func DefaultAgentsConfig() *AgentsConfig {
	return &AgentsConfig{
		BatchLimit:   10,
		Block:        5 * time.Second,
		ClaimMinIdle: 60 * time.Second,
		BackoffMin:   250 * time.Millisecond,
		BackoffMax:   4 * time.Second,
	}
}

// PlannerConfig locates and throttles the planner collaborator.
type PlannerConfig struct {
	// URL is the planner base URL (the planner_url option).
	URL string `yaml:"url"`

	// RatePerMin / RatePerHour cap planner calls
	// (planner_rate_per_min / planner_rate_per_hour).
	RatePerMin  int `yaml:"rate_per_min"`
	RatePerHour int `yaml:"rate_per_hour"`

	// Timeout bounds a single planner HTTP call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPlannerConfig returns the built-in planner defaults.
func DefaultPlannerConfig() *PlannerConfig {
	return &PlannerConfig{
		URL:         "http://localhost:8090",
		RatePerMin:  6,
		RatePerHour: 60,
		Timeout:     30 * time.Second,
	}
}

// CalendarConfig locates the external calendar store the shadow mirrors.
type CalendarConfig struct {
	// APIURL is the calendar API base URL (the calendar_api_url option).
	APIURL string `yaml:"api_url"`

	// Timeout bounds a single calendar HTTP call.
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultCalendarConfig returns the built-in calendar defaults.
func DefaultCalendarConfig() *CalendarConfig {
	return &CalendarConfig{
		APIURL:  "http://localhost:8093",
		Timeout: 15 * time.Second,
	}
}

// ProdConfig tunes the productivity subagent.
type ProdConfig struct {
	// ControlURL is an optional HTTP push endpoint for recompute signals
	// (the prod_control_url option); the control stream is always active.
	ControlURL string `yaml:"control_url"`

	// MismatchThresholdS is the off-task dwell before a decision fires,
	// in seconds (mismatch_threshold_s).
	MismatchThresholdS int `yaml:"mismatch_threshold_s"`

	// MismatchCooldownS is the post-decision silence, in seconds
	// (mismatch_cooldown_s).
	MismatchCooldownS int `yaml:"mismatch_cooldown_s"`

	// JitterPct randomizes the threshold by ±pct to avoid synchronized
	// bursts across users.
	JitterPct int `yaml:"jitter_pct"`
}

// Threshold returns the mismatch threshold as a duration.
func (p *ProdConfig) Threshold() time.Duration {
	return time.Duration(p.MismatchThresholdS) * time.Second
}

// Cooldown returns the post-decision cooldown as a duration.
func (p *ProdConfig) Cooldown() time.Duration {
	return time.Duration(p.MismatchCooldownS) * time.Second
}

// DefaultProdConfig returns the built-in productivity defaults.
func DefaultProdConfig() *ProdConfig {
	return &ProdConfig{
		MismatchThresholdS: 120,
		MismatchCooldownS:  60,
		JitterPct:          10,
	}
}

// EmailConfig tunes the email-triage subagent.
type EmailConfig struct {
	// ClassifierURL locates the external classifier collaborator.
	ClassifierURL string `yaml:"classifier_url"`

	// TriageCapPerHour bounds classifier calls per user.
	TriageCapPerHour int `yaml:"triage_cap_per_hour"`

	// DedupeTTL bounds how long (message_id, internal_date) pairs are
	// remembered.
	DedupeTTL time.Duration `yaml:"dedupe_ttl"`
}

// DefaultEmailConfig returns the built-in email-triage defaults.
func DefaultEmailConfig() *EmailConfig {
	return &EmailConfig{
		ClassifierURL:    "http://localhost:8091",
		TriageCapPerHour: 30,
		DedupeTTL:        72 * time.Hour,
	}
}

// MailerConfig tunes the mail send worker.
type MailerConfig struct {
	// SendURL locates the external mail send API.
	SendURL string `yaml:"send_url"`

	// SendCapPerHour bounds sends per user
	// (the email_send_cap_per_hour option).
	SendCapPerHour int `yaml:"send_cap_per_hour"`

	// SentKeyTTL bounds how long send idempotency keys are remembered.
	SentKeyTTL time.Duration `yaml:"sent_key_ttl"`
}

// DefaultMailerConfig returns the built-in mailer defaults.
func DefaultMailerConfig() *MailerConfig {
	return &MailerConfig{
		SendURL:        "http://localhost:8092",
		SendCapPerHour: 10,
		SentKeyTTL:     7 * 24 * time.Hour,
	}
}

// ObservabilityConfig tunes degraded-mode gating and rollover scheduling.
type ObservabilityConfig struct {
	// DegradedEnterPct / DegradedExitPct bound the error-rate hysteresis.
	DegradedEnterPct float64 `yaml:"degraded_enter_pct"`
	DegradedExitPct  float64 `yaml:"degraded_exit_pct"`

	// DegradedWindow is the rolling window the error rate is computed over.
	DegradedWindow time.Duration `yaml:"degraded_window"`

	// Timezone anchors midnight/DST rollovers ("Local" or an IANA name).
	Timezone string `yaml:"timezone"`
}

// Location resolves the configured timezone, falling back to time.Local.
func (o *ObservabilityConfig) Location() *time.Location {
	if o.Timezone == "" || o.Timezone == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(o.Timezone)
	if err != nil {
		slog.Warn("Invalid timezone in observability config, using local",
			"timezone", o.Timezone, "error", err)
		return time.Local
	}
	return loc
}

// DefaultObservabilityConfig returns the built-in observability defaults.
func DefaultObservabilityConfig() *ObservabilityConfig {
	return &ObservabilityConfig{
		DegradedEnterPct: 20,
		DegradedExitPct:  5,
		DegradedWindow:   60 * time.Second,
		Timezone:         "Local",
	}
}

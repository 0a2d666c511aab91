package config

import (
	"net/url"
	"strings"
)

// Validate checks the resolved configuration for values that would break
// the service at runtime. It returns the first problem found.
func (c *Config) Validate() error {
	if len(c.Users) == 0 {
		return &ValidationError{Field: "users", Message: "at least one user is required"}
	}
	for _, u := range c.Users {
		if strings.TrimSpace(u) == "" {
			return &ValidationError{Field: "users", Message: "user IDs must be non-blank"}
		}
	}

	if c.Redis.Addr == "" {
		return &ValidationError{Field: "redis.addr", Message: "address is required"}
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be in (0, 65535]"}
	}
	if c.Server.SSEKeepalive <= 0 {
		return &ValidationError{Field: "server.sse_keepalive", Message: "must be positive"}
	}

	if c.Fabric.MaxLenApprox <= 0 {
		return &ValidationError{Field: "fabric.maxlen_approx", Message: "must be positive"}
	}
	if c.Fabric.BatchCount <= 0 {
		return &ValidationError{Field: "fabric.batch_count", Message: "must be positive"}
	}
	if c.Fabric.TailBlock <= 0 {
		return &ValidationError{Field: "fabric.tail_block", Message: "must be positive"}
	}

	if c.Runtime.BatchLimit <= 0 {
		return &ValidationError{Field: "runtime.batch_limit", Message: "must be positive"}
	}
	if c.Runtime.Backoff <= 0 {
		return &ValidationError{Field: "runtime.backoff", Message: "must be positive"}
	}
	if c.Runtime.ExternalCeiling <= 0 {
		return &ValidationError{Field: "runtime.external_ceiling", Message: "must be positive"}
	}
	if c.Runtime.StartAfterID != "" && !validStreamID(c.Runtime.StartAfterID) {
		return &ValidationError{Field: "runtime.start_after_id", Message: "must look like <ms>-<seq>"}
	}

	if err := validateURL("planner.url", c.Planner.URL, true); err != nil {
		return err
	}
	if c.Planner.RatePerMin <= 0 || c.Planner.RatePerHour <= 0 {
		return &ValidationError{Field: "planner.rate_per_min", Message: "rate caps must be positive"}
	}

	if err := validateURL("calendar.api_url", c.Calendar.APIURL, true); err != nil {
		return err
	}
	if c.Calendar.Timeout <= 0 {
		return &ValidationError{Field: "calendar.timeout", Message: "must be positive"}
	}

	if err := validateURL("prod.control_url", c.Prod.ControlURL, false); err != nil {
		return err
	}
	if c.Prod.MismatchThresholdS <= 0 {
		return &ValidationError{Field: "prod.mismatch_threshold_s", Message: "must be positive"}
	}
	if c.Prod.MismatchCooldownS < 0 {
		return &ValidationError{Field: "prod.mismatch_cooldown_s", Message: "must be non-negative"}
	}
	if c.Prod.JitterPct < 0 || c.Prod.JitterPct > 50 {
		return &ValidationError{Field: "prod.jitter_pct", Message: "must be in [0, 50]"}
	}

	if err := validateURL("email.classifier_url", c.Email.ClassifierURL, true); err != nil {
		return err
	}
	if c.Email.TriageCapPerHour <= 0 {
		return &ValidationError{Field: "email.triage_cap_per_hour", Message: "must be positive"}
	}

	if err := validateURL("mailer.send_url", c.Mailer.SendURL, true); err != nil {
		return err
	}
	if c.Mailer.SendCapPerHour <= 0 {
		return &ValidationError{Field: "mailer.send_cap_per_hour", Message: "must be positive"}
	}

	obs := c.Observability
	if obs.DegradedEnterPct <= 0 || obs.DegradedEnterPct > 100 {
		return &ValidationError{Field: "observability.degraded_enter_pct", Message: "must be in (0, 100]"}
	}
	if obs.DegradedExitPct < 0 || obs.DegradedExitPct >= obs.DegradedEnterPct {
		return &ValidationError{Field: "observability.degraded_exit_pct", Message: "must be below degraded_enter_pct"}
	}
	if obs.DegradedWindow <= 0 {
		return &ValidationError{Field: "observability.degraded_window", Message: "must be positive"}
	}

	return nil
}

func validateURL(field, raw string, required bool) error {
	if raw == "" {
		if required {
			return &ValidationError{Field: field, Message: "URL is required"}
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: field, Message: "must be an http(s) URL"}
	}
	return nil
}

func validStreamID(id string) bool {
	ms, rest, found := strings.Cut(id, "-")
	if !digits(ms) {
		return false
	}
	return !found || digits(rest)
}

func digits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

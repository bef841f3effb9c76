package config

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(kind, value string, valid ...string) error {
	for _, v := range valid {
		if value == v {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %s (must be one of: %s)", kind, value, strings.Join(valid, ", "))
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, "debug", "info", "warn", "error")
}

// ValidateStoreDriver validates the prompt store driver
func (v *Validator) ValidateStoreDriver(driver string) error {
	return oneOf("store driver", driver, "file", "sqlite")
}

// ValidateAgentFormat validates the agent output format
func (v *Validator) ValidateAgentFormat(format string) error {
	return oneOf("agent format", format, "claude", "canonical")
}

// ValidateSchedule checks a cron spec such as "@every 5s".
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateMinVersion validates the agent version constraint
func (v *Validator) ValidateMinVersion(version string) error {
	if version == "" {
		return nil
	}
	if _, err := semver.NewVersion(version); err != nil {
		return fmt.Errorf("invalid agent min_version %q: %w", version, err)
	}
	return nil
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("gateway port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error
	add := func(err error) {
		if err != nil {
			errors = append(errors, err)
		}
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	add(v.ValidateStoreDriver(cfg.Store.Driver))

	if cfg.Dispatch.MaxAttempts < 1 {
		add(fmt.Errorf("dispatch.max_attempts must be >= 1"))
	}
	if cfg.Dispatch.RetryBaseMs < 0 {
		add(fmt.Errorf("dispatch.retry_base_ms must be >= 0"))
	}
	if cfg.Dispatch.RetryMaxMs < cfg.Dispatch.RetryBaseMs {
		add(fmt.Errorf("dispatch.retry_max_ms must be >= retry_base_ms"))
	}
	if cfg.Dispatch.SweepSchedule != "" {
		add(v.ValidateSchedule(cfg.Dispatch.SweepSchedule))
	}

	if strings.TrimSpace(cfg.Agent.Executable) == "" {
		add(fmt.Errorf("agent.executable is required"))
	}
	add(v.ValidateAgentFormat(cfg.Agent.Format))
	add(v.ValidateMinVersion(cfg.Agent.MinVersion))
	if cfg.Agent.TimeoutSeconds < 0 {
		add(fmt.Errorf("agent.timeout_seconds must be >= 0"))
	}
	if cfg.Agent.KillGraceSeconds < 0 {
		add(fmt.Errorf("agent.kill_grace_seconds must be >= 0"))
	}

	if cfg.Session.StickyWindowSeconds < 0 {
		add(fmt.Errorf("session.sticky_window_seconds must be >= 0"))
	}
	if cfg.Session.HistorySize < 1 {
		add(fmt.Errorf("session.history_size must be >= 1"))
	}
	if cfg.Session.EventBuffer < 1 {
		add(fmt.Errorf("session.event_buffer must be >= 1"))
	}

	add(v.ValidatePort(cfg.Gateway.Port))
	if cfg.Gateway.RequestsPerMinute < 0 || cfg.Gateway.MaxConcurrent < 0 {
		add(fmt.Errorf("gateway rate limits must be >= 0"))
	}

	return errors
}

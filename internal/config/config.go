package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Config represents the main conductor configuration
type Config struct {
	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Prompt store backend
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Queue dispatch policy
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`

	// External agent executable
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Session registry and transcripts
	Session SessionConfig `json:"session" mapstructure:"session"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Model profiles
	Profiles ProfilesConfig `json:"profiles" mapstructure:"profiles"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"` // debug, info, warn, error
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAge    int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// StoreConfig selects the prompt store backend.
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // file, sqlite
	Path   string `json:"path" mapstructure:"path"`     // directory for file, database file for sqlite
}

// DispatchConfig controls claim retries and the periodic sweep.
type DispatchConfig struct {
	MaxAttempts      int    `json:"max_attempts" mapstructure:"max_attempts"`
	RetryBaseMs      int    `json:"retry_base_ms" mapstructure:"retry_base_ms"`
	RetryMaxMs       int    `json:"retry_max_ms" mapstructure:"retry_max_ms"`
	SweepSchedule    string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	ShutdownTimeoutS int    `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
}

// AgentConfig describes how the external agent is invoked.
type AgentConfig struct {
	Executable       string   `json:"executable" mapstructure:"executable"`
	Format           string   `json:"format" mapstructure:"format"` // claude, canonical
	Args             []string `json:"args" mapstructure:"args"`
	TimeoutSeconds   int      `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	KillGraceSeconds int      `json:"kill_grace_seconds" mapstructure:"kill_grace_seconds"`
	MinVersion       string   `json:"min_version" mapstructure:"min_version"`
}

// SessionConfig holds registry and transcript settings.
type SessionConfig struct {
	StickyWindowSeconds int  `json:"sticky_window_seconds" mapstructure:"sticky_window_seconds"`
	HistorySize         int  `json:"history_size" mapstructure:"history_size"`
	RetentionDays       int  `json:"retention_days" mapstructure:"retention_days"`
	Transcripts         bool `json:"transcripts" mapstructure:"transcripts"`
	EventBuffer         int  `json:"event_buffer" mapstructure:"event_buffer"`
}

// GatewayConfig holds gateway configuration
type GatewayConfig struct {
	Host              string `json:"host" mapstructure:"host"`
	Port              int    `json:"port" mapstructure:"port"`
	SharedSecret      string `json:"shared_secret" mapstructure:"shared_secret"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
	MetricsEnabled    bool   `json:"metrics_enabled" mapstructure:"metrics_enabled"`
}

// ProfilesConfig points at the model profiles file.
type ProfilesConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
			MaxSizeMB: 100,
			MaxAge:    7,
			Compress:  true,
		},
		Store: StoreConfig{
			Driver: "file",
		},
		Dispatch: DispatchConfig{
			MaxAttempts:      5,
			RetryBaseMs:      1000,
			RetryMaxMs:       60000,
			SweepSchedule:    "@every 5s",
			ShutdownTimeoutS: 15,
		},
		Agent: AgentConfig{
			Executable:       "claude",
			Format:           "claude",
			TimeoutSeconds:   1800,
			KillGraceSeconds: 5,
			MinVersion:       "1.0.0",
		},
		Session: SessionConfig{
			StickyWindowSeconds: 60,
			HistorySize:         200,
			RetentionDays:       7,
			Transcripts:         true,
			EventBuffer:         64,
		},
		Gateway: GatewayConfig{
			Host:              "127.0.0.1",
			Port:              18790,
			RequestsPerMinute: 600,
			MaxConcurrent:     32,
			MetricsEnabled:    true,
		},
		Profiles: ProfilesConfig{
			Watch: true,
		},
	}
}

// ApplyDataDir fills every path left empty with its location under dataDir.
func (c *Config) ApplyDataDir(dataDir string) {
	if c.DataDir == "" {
		c.DataDir = dataDir
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "conductor.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.log")
	}
	if c.Store.Path == "" {
		if c.Store.Driver == "sqlite" {
			c.Store.Path = filepath.Join(c.DataDir, "prompts.db")
		} else {
			c.Store.Path = filepath.Join(c.DataDir, "prompts")
		}
	}
	if c.Profiles.Path == "" {
		c.Profiles.Path = filepath.Join(c.DataDir, "profiles.yaml")
	}
}

// SessionsDir is where session transcripts are written.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// PIDFile is the daemon pid file path.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "conductor.pid")
}

// GatewayAddr returns host:port of the gateway listener.
func (c *Config) GatewayAddr() string {
	return fmt.Sprintf("%s:%d", c.Gateway.Host, c.Gateway.Port)
}

// RetryBase is the delay before the first dispatch retry.
func (d DispatchConfig) RetryBase() time.Duration {
	return time.Duration(d.RetryBaseMs) * time.Millisecond
}

// RetryMax caps the dispatch retry delay.
func (d DispatchConfig) RetryMax() time.Duration {
	return time.Duration(d.RetryMaxMs) * time.Millisecond
}

func (d DispatchConfig) ShutdownTimeout() time.Duration {
	return time.Duration(d.ShutdownTimeoutS) * time.Second
}

func (a AgentConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

func (a AgentConfig) KillGrace() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

func (s SessionConfig) StickyWindow() time.Duration {
	return time.Duration(s.StickyWindowSeconds) * time.Second
}

func (s SessionConfig) Retention() time.Duration {
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// String renders the configuration as JSON with the shared secret masked.
func (c *Config) String() string {
	masked := *c
	if masked.Gateway.SharedSecret != "" {
		masked.Gateway.SharedSecret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

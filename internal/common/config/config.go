// Package config provides configuration management for AgentCom.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the hub.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Hub     HubConfig     `mapstructure:"hub"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// StorageConfig holds durable store configuration.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// AdminAgents is the static set of agent ids granted admin privileges.
	AdminAgents []string `mapstructure:"admin_agents"`
}

// HubConfig holds the coordination engine's timing and limit knobs.
// All *_ms values are milliseconds.
type HubConfig struct {
	HeartbeatTimeoutMs         int `mapstructure:"heartbeat_timeout_ms"`
	PresenceReapMs             int `mapstructure:"presence_reap_ms"`
	AcceptanceTimeoutMs        int `mapstructure:"acceptance_timeout_ms"`
	DefaultDeadlineMs          int `mapstructure:"default_deadline_ms"`
	ReclaimSweepMs             int `mapstructure:"reclaim_sweep_ms"`
	SchedulerTickMs            int `mapstructure:"scheduler_tick_ms"`
	HistoryCap                 int `mapstructure:"history_cap"`
	ValidationFailureThreshold int `mapstructure:"validation_failure_threshold"`
}

// NATSConfig holds the optional external event bus configuration.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"client_id"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// HeartbeatTimeout returns the presence reaper cutoff as a duration.
func (h *HubConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(h.HeartbeatTimeoutMs) * time.Millisecond
}

// PresenceReap returns how often the stale-agent reaper runs.
func (h *HubConfig) PresenceReap() time.Duration {
	return time.Duration(h.PresenceReapMs) * time.Millisecond
}

// AcceptanceTimeout returns the task_assign → task_accepted window.
func (h *HubConfig) AcceptanceTimeout() time.Duration {
	return time.Duration(h.AcceptanceTimeoutMs) * time.Millisecond
}

// DefaultDeadline returns the deadline applied to tasks without complete_by.
func (h *HubConfig) DefaultDeadline() time.Duration {
	return time.Duration(h.DefaultDeadlineMs) * time.Millisecond
}

// ReclaimSweep returns the overdue-task sweep interval.
func (h *HubConfig) ReclaimSweep() time.Duration {
	return time.Duration(h.ReclaimSweepMs) * time.Millisecond
}

// SchedulerTick returns the scheduler re-evaluation interval.
func (h *HubConfig) SchedulerTick() time.Duration {
	return time.Duration(h.SchedulerTickMs) * time.Millisecond
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTCOM_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.listen_addr", ":4000")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Storage defaults
	v.SetDefault("storage.data_dir", "./data")

	// Auth defaults
	v.SetDefault("auth.admin_agents", []string{})

	// Coordination defaults
	v.SetDefault("hub.heartbeat_timeout_ms", 90_000)
	v.SetDefault("hub.presence_reap_ms", 30_000)
	v.SetDefault("hub.acceptance_timeout_ms", 60_000)
	v.SetDefault("hub.default_deadline_ms", 30*60*1000)
	v.SetDefault("hub.reclaim_sweep_ms", 30_000)
	v.SetDefault("hub.scheduler_tick_ms", 1_000)
	v.SetDefault("hub.history_cap", 50)
	v.SetDefault("hub.validation_failure_threshold", 10)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.client_id", "agentcom-hub")
	v.SetDefault("nats.max_reconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from default locations.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTCOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentcom/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr must be set")
	}
	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.data_dir must be set")
	}
	if cfg.Hub.HeartbeatTimeoutMs <= 0 {
		errs = append(errs, "hub.heartbeat_timeout_ms must be positive")
	}
	if cfg.Hub.AcceptanceTimeoutMs <= 0 {
		errs = append(errs, "hub.acceptance_timeout_ms must be positive")
	}
	if cfg.Hub.SchedulerTickMs <= 0 {
		errs = append(errs, "hub.scheduler_tick_ms must be positive")
	}
	if cfg.Hub.HistoryCap <= 0 {
		errs = append(errs, "hub.history_cap must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Package config loads spotguard configuration from defaults, config files,
// environment variables and runtime overrides, in increasing precedence.
package config

import (
	"time"

	"github.com/fulmenhq/gofulmen/appidentity"

	"github.com/3leaps/spotguard/pkg/reconciler"
)

// Identity names the application for config discovery and env binding.
type Identity = appidentity.Identity

// DefaultIdentity is the identity of the spotguard binary.
func DefaultIdentity() *Identity {
	return &Identity{
		BinaryName:  "spotguard",
		Vendor:      "3leaps",
		EnvPrefix:   "SPOTGUARD_",
		ConfigName:  "spotguard",
		Description: "Lifecycle coordinator for spot training runs",
	}
}

// Config is the full application configuration.
type Config struct {
	Server          ServerConfig     `mapstructure:"server"`
	Logging         LoggingConfig    `mapstructure:"logging"`
	Metrics         MetricsConfig    `mapstructure:"metrics"`
	Health          HealthConfig     `mapstructure:"health"`
	Debug           DebugConfig      `mapstructure:"debug"`
	Workers         int              `mapstructure:"workers"`
	Store           StoreConfig      `mapstructure:"store"`
	Reconciler      ReconcilerConfig `mapstructure:"reconciler"`
	Worker          WorkerConfig     `mapstructure:"worker"`
	Notify          NotifyConfig     `mapstructure:"notify"`
	Fleet           FleetConfig      `mapstructure:"fleet"`
	TransitionsFile string           `mapstructure:"transitions_file"`
}

// ServerConfig configures `spotguard serve`.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the log level and encoder profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig toggles the health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// DebugConfig enables the pprof endpoints under /debug.
type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StoreConfig selects the object store holding run state.
type StoreConfig struct {
	Provider       string `mapstructure:"provider"`
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	BaseDir        string `mapstructure:"base_dir"`
}

// ReconcilerConfig tunes the reconciler.
type ReconcilerConfig struct {
	DryRun             bool          `mapstructure:"dry_run"`
	HeartbeatStaleSec  int           `mapstructure:"heartbeat_stale_sec"`
	StaleObservations  int           `mapstructure:"stale_observations"`
	StaleMinInterval   time.Duration `mapstructure:"stale_min_interval"`
	RestartingStuckSec int           `mapstructure:"restarting_stuck_sec"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RunGlobs           []string      `mapstructure:"run_globs"`
	Interval           time.Duration `mapstructure:"interval"`
}

// WorkerConfig tunes the worker loops.
type WorkerConfig struct {
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	PreemptionPollInterval time.Duration `mapstructure:"preemption_poll_interval"`
	Runner                 string        `mapstructure:"runner"`
	Image                  string        `mapstructure:"image"`
	GracePeriod            time.Duration `mapstructure:"grace_period"`
}

// NotifyConfig configures the webhook notifier.
type NotifyConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// FleetConfig configures compute API access.
type FleetConfig struct {
	Region   string `mapstructure:"region"`
	Endpoint string `mapstructure:"endpoint"`
	Profile  string `mapstructure:"profile"`
}

// ReconcilerSettings converts the reconciler section to reconciler.Config.
func (c *Config) ReconcilerSettings() reconciler.Config {
	return reconciler.Config{
		HeartbeatStale:    time.Duration(c.Reconciler.HeartbeatStaleSec) * time.Second,
		StaleObservations: c.Reconciler.StaleObservations,
		StaleMinInterval:  c.Reconciler.StaleMinInterval,
		RestartingStuck:   time.Duration(c.Reconciler.RestartingStuckSec) * time.Second,
	}
}

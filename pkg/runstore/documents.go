package runstore

import (
	"time"
)

// Heartbeat is the worker liveness document, overwritten on a fixed cadence.
type Heartbeat struct {
	Timestamp      time.Time `json:"timestamp"`
	Phase          string    `json:"phase"`
	UptimeSec      int64     `json:"uptime_sec"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	Instance       string    `json:"instance,omitempty"`
	Zone           string    `json:"zone,omitempty"`
	Attempt        int       `json:"attempt"`
	CPUPercent     float64   `json:"cpu_percent,omitempty"`
	MemUsedPercent float64   `json:"mem_used_percent,omitempty"`
}

// Heartbeat phases.
const (
	PhaseStarting  = "starting"
	PhaseRunning   = "running"
	PhaseExited    = "exited"
	PhasePreempted = "preempted"
	PhaseShutdown  = "shutdown"
)

// Age returns how long ago the heartbeat was written.
func (h *Heartbeat) Age(now time.Time) time.Duration {
	return now.Sub(h.Timestamp)
}

// Epoch is the heartbeat timestamp in a form suitable for equality checks.
func (h *Heartbeat) Epoch() string {
	return h.Timestamp.UTC().Format(time.RFC3339Nano)
}

// Manifest describes one worker attempt for operators and the reconciler.
type Manifest struct {
	RunID              string    `json:"run_id"`
	Instance           string    `json:"instance"`
	Zone               string    `json:"zone"`
	Attempt            int       `json:"attempt"`
	Runner             string    `json:"runner"`
	Image              string    `json:"image,omitempty"`
	Command            []string  `json:"command"`
	StartedAt          time.Time `json:"started_at"`
	TransitionsHash    string    `json:"transitions_hash"`
	TransitionsVersion string    `json:"transitions_version"`
	Version            string    `json:"version"`
}

// RestartConfig is written once at submission and drives every later restart.
type RestartConfig struct {
	Project          string            `json:"project,omitempty" yaml:"project,omitempty"`
	Region           string            `json:"region,omitempty" yaml:"region,omitempty"`
	MachineType      string            `json:"machine_type" yaml:"machine_type"`
	MachineImage     string            `json:"machine_image" yaml:"machine_image"`
	Zone             string            `json:"zone" yaml:"zone"`
	FallbackZones    []string          `json:"fallback_zones,omitempty" yaml:"fallback_zones,omitempty"`
	Image            string            `json:"image,omitempty" yaml:"image,omitempty"`
	JobCommand       string            `json:"job_command,omitempty" yaml:"job_command,omitempty"`
	AutoRestartMax   *int              `json:"auto_restart_max,omitempty" yaml:"auto_restart_max,omitempty"`
	Spot             *bool             `json:"spot,omitempty" yaml:"spot,omitempty"`
	InstanceProfile  string            `json:"instance_profile,omitempty" yaml:"instance_profile,omitempty"`
	SubnetID         string            `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`
	SecurityGroupIDs []string          `json:"security_group_ids,omitempty" yaml:"security_group_ids,omitempty"`
	KeyName          string            `json:"key_name,omitempty" yaml:"key_name,omitempty"`
	UserData         string            `json:"user_data,omitempty" yaml:"user_data,omitempty"`
	Tags             map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// DefaultAutoRestartMax applies when auto_restart_max is unset.
const DefaultAutoRestartMax = 3

// MaxRestarts returns the restart budget.
func (c *RestartConfig) MaxRestarts() int {
	if c.AutoRestartMax == nil {
		return DefaultAutoRestartMax
	}
	return *c.AutoRestartMax
}

// UseSpot reports whether restarts request spot capacity. Defaults to true.
func (c *RestartConfig) UseSpot() bool {
	return c.Spot == nil || *c.Spot
}

// Zones returns the zones to try in order: fallback_zones when set, else zone.
func (c *RestartConfig) Zones() []string {
	if len(c.FallbackZones) > 0 {
		return c.FallbackZones
	}
	return []string{c.Zone}
}

// StaleMarker is the content of .reconciler_stale_seen.
type StaleMarker struct {
	// FirstSeen is when the current stale streak was first observed.
	FirstSeen time.Time `json:"timestamp"`

	// LastSeen is the most recent stale observation.
	LastSeen time.Time `json:"last_seen"`

	// Observations counts consecutive stale polls.
	Observations int `json:"observations"`

	// HeartbeatEpoch is the heartbeat timestamp when the streak began.
	HeartbeatEpoch string `json:"heartbeat_epoch_at_observation"`
}

// RestartFlag is the content of the bucket-level restart feature flag.
type RestartFlag struct {
	EnabledAt *time.Time `json:"enabled_at"`
	EnabledBy string     `json:"enabled_by,omitempty"`
}

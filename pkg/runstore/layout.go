// Package runstore maps a run id to its objects in the shared store and reads
// and writes the typed documents kept there.
//
// Layout under the bucket (or configured prefix):
//
//	.reconciler_restart_enabled        bucket-wide restart feature flag
//	runs/<run_id>/state.json           authoritative state record
//	runs/<run_id>/status.txt           legacy status projection
//	runs/<run_id>/events/<ts>_<actor>_<uuid8>.json
//	runs/<run_id>/heartbeat.json
//	runs/<run_id>/run_manifest.json
//	runs/<run_id>/restart_config.json
//	runs/<run_id>/restart.lock
//	runs/<run_id>/.owner.lock
//	runs/<run_id>/.stop
//	runs/<run_id>/.reconciler_stale_seen
//	runs/<run_id>/.drift_repair_disabled
//	runs/<run_id>/.simulate_preemption
package runstore

import (
	"fmt"
	"regexp"
	"strings"
)

// RunsPrefix is the key prefix under which every run lives.
const RunsPrefix = "runs/"

// RestartFlagKey is the bucket-level restart feature flag.
const RestartFlagKey = ".reconciler_restart_enabled"

// Object names inside a run directory.
const (
	StateObject         = "state.json"
	StatusObject        = "status.txt"
	EventsDir           = "events/"
	HeartbeatObject     = "heartbeat.json"
	ManifestObject      = "run_manifest.json"
	RestartConfigObject = "restart_config.json"
	RestartLockObject   = "restart.lock"
	OwnerLockObject     = ".owner.lock"
)

// Marker is an object whose presence alone carries meaning.
type Marker string

const (
	// MarkerStop suppresses automatic restarts.
	MarkerStop Marker = ".stop"
	// MarkerStaleSeen records a stage-1 stale heartbeat observation.
	MarkerStaleSeen Marker = ".reconciler_stale_seen"
	// MarkerDriftRepairDisabled turns off status.txt repair for the run.
	MarkerDriftRepairDisabled Marker = ".drift_repair_disabled"
	// MarkerSimulatePreemption asks a running worker to act as if preempted.
	MarkerSimulatePreemption Marker = ".simulate_preemption"
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID rejects ids that cannot be used as a single path segment.
func ValidateRunID(id string) error {
	if id == "" {
		return fmt.Errorf("run id is required")
	}
	if !runIDPattern.MatchString(id) {
		return fmt.Errorf("invalid run id %q: must match %s", id, runIDPattern.String())
	}
	return nil
}

// Run addresses the objects of one run.
type Run struct {
	ID string
}

// Prefix returns "runs/<id>/".
func (r Run) Prefix() string {
	return RunsPrefix + r.ID + "/"
}

// Key returns the full key of name inside the run directory.
func (r Run) Key(name string) string {
	return r.Prefix() + name
}

// MarkerKey returns the key of marker m.
func (r Run) MarkerKey(m Marker) string {
	return r.Key(string(m))
}

func (r Run) StateKey() string         { return r.Key(StateObject) }
func (r Run) StatusKey() string        { return r.Key(StatusObject) }
func (r Run) EventsPrefix() string     { return r.Key(EventsDir) }
func (r Run) HeartbeatKey() string     { return r.Key(HeartbeatObject) }
func (r Run) ManifestKey() string      { return r.Key(ManifestObject) }
func (r Run) RestartConfigKey() string { return r.Key(RestartConfigObject) }
func (r Run) RestartLockKey() string   { return r.Key(RestartLockObject) }
func (r Run) OwnerLockKey() string     { return r.Key(OwnerLockObject) }

// RunIDFromPrefix extracts the id from a "runs/<id>/" common prefix.
func RunIDFromPrefix(prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(prefix, RunsPrefix), "/")
}

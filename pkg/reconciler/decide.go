package reconciler

import (
	"time"

	"github.com/3leaps/spotguard/pkg/notify"
	"github.com/3leaps/spotguard/pkg/runstate"
	"github.com/3leaps/spotguard/pkg/runstore"
)

// Action names what a reconciliation pass did to a run.
type Action string

const (
	ActionNone                     Action = ""
	ActionRestartingStuckRecovered Action = "restarting_stuck_recovered"
	ActionHeartbeatRecovered       Action = "heartbeat_recovered"
	ActionStaleFirstObservation    Action = "stale_first_observation"
	ActionStaleObserved            Action = "stale_observed"
	ActionStaleMarkerReset         Action = "stale_marker_reset"
	ActionStaleInstanceAlive       Action = "stale_instance_alive"
	ActionStaleInstanceFoundByTag  Action = "stale_instance_found_by_tag"
	ActionPreemptedConfirmed       Action = "preempted_confirmed"
	ActionOrphanedConfirmed        Action = "orphaned_confirmed"
	ActionLegacyBootstrapOrphaned  Action = "legacy_bootstrap_orphaned"
	ActionOrphaned                 Action = "orphaned"
	ActionRestarted                Action = "restarted"
	ActionRestartFailed            Action = "restart_failed"
	ActionTransitionRejected       Action = "transition_rejected"
)

// Transition reasons written by the reconciler.
const (
	ReasonRestartingStuck    = "restarting_stuck_recovery"
	ReasonInstanceGone       = "stale_heartbeat_instance_gone"
	ReasonLegacyBootstrapped = "legacy_bootstrap_orphaned"
)

// Config holds the reconciliation thresholds.
type Config struct {
	// HeartbeatStale is the heartbeat age beyond which a run is suspect.
	HeartbeatStale time.Duration

	// StaleObservations is how many consecutive stale polls escalate.
	StaleObservations int

	// StaleMinInterval is the minimum span between the first stale
	// observation and escalation.
	StaleMinInterval time.Duration

	// RestartingStuck is how long a run may sit in RESTARTING.
	RestartingStuck time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		HeartbeatStale:    600 * time.Second,
		StaleObservations: 2,
		StaleMinInterval:  120 * time.Second,
		RestartingStuck:   600 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = d.HeartbeatStale
	}
	if c.StaleObservations < 1 {
		c.StaleObservations = d.StaleObservations
	}
	if c.StaleMinInterval < 0 {
		c.StaleMinInterval = d.StaleMinInterval
	}
	if c.RestartingStuck <= 0 {
		c.RestartingStuck = d.RestartingStuck
	}
	return c
}

// Observation is everything Decide needs to know about one run.
type Observation struct {
	RunID string
	Now   time.Time

	Record *runstate.Record

	Status       string
	StatusExists bool

	DriftRepairDisabled bool

	Heartbeat *runstore.Heartbeat
	Marker    *runstore.StaleMarker
	Manifest  *runstore.Manifest

	RestartEnabled bool

	// Liveness is nil until the shell has checked the instance.
	Liveness *Liveness
}

// Identity names the instance to check for liveness.
type Identity struct {
	Instance string
	Zone     string

	// ByTag asks the shell to search for instances tagged with the run id
	// because no instance is recorded.
	ByTag bool
}

// Liveness is the result of an instance check.
type Liveness struct {
	Alive      bool
	Instance   string
	FoundByTag bool
}

// CommandKind enumerates plan commands.
type CommandKind int

const (
	CmdRepairStatus CommandKind = iota + 1
	CmdWriteMarker
	CmdClearMarker
	CmdTransition
	CmdDeleteRestartLock
	CmdNotify
	CmdRestart
)

func (k CommandKind) String() string {
	switch k {
	case CmdRepairStatus:
		return "repair_status"
	case CmdWriteMarker:
		return "write_marker"
	case CmdClearMarker:
		return "clear_marker"
	case CmdTransition:
		return "transition"
	case CmdDeleteRestartLock:
		return "delete_restart_lock"
	case CmdNotify:
		return "notify"
	case CmdRestart:
		return "restart"
	}
	return "unknown"
}

// Command is one step of a plan. Only the fields of its kind are set.
type Command struct {
	Kind    CommandKind
	Status  string
	Marker  runstore.StaleMarker
	To      runstate.State
	Reason  string
	Message notify.Message
}

// Plan is the outcome of Decide.
type Plan struct {
	Action   Action
	Commands []Command

	// NeedsLivenessCheck asks the shell to check Identity, set
	// Observation.Liveness, and decide again.
	NeedsLivenessCheck bool
	Identity           Identity

	// DriftDetected is set when status.txt disagrees with the state.
	DriftDetected bool
}

func (p *Plan) add(cmd Command) {
	p.Commands = append(p.Commands, cmd)
}

func (p *Plan) notify(msg notify.Message) {
	p.add(Command{Kind: CmdNotify, Message: msg})
}

// Has reports whether the plan contains a command of kind k.
func (p Plan) Has(k CommandKind) bool {
	for _, c := range p.Commands {
		if c.Kind == k {
			return true
		}
	}
	return false
}

// Decide maps an observation to a plan. It performs no I/O.
func Decide(obs Observation, cfg Config) Plan {
	cfg = cfg.withDefaults()
	var plan Plan
	state := obs.Record.Current()

	decideDrift(&plan, obs, state)

	if runstate.IsTerminal(state) {
		return plan
	}

	if state == runstate.StateRestarting {
		decideRestarting(&plan, obs, cfg)
		return plan
	}

	hb := obs.Heartbeat
	if hb == nil || hb.Timestamp.IsZero() {
		return plan
	}

	hbAge := hb.Age(obs.Now)
	if hbAge < cfg.HeartbeatStale {
		if obs.Marker != nil {
			plan.add(Command{Kind: CmdClearMarker})
			plan.Action = ActionHeartbeatRecovered
		}
		return plan
	}

	if obs.Marker == nil {
		plan.add(Command{Kind: CmdWriteMarker, Marker: runstore.StaleMarker{
			FirstSeen:      obs.Now,
			LastSeen:       obs.Now,
			Observations:   1,
			HeartbeatEpoch: hb.Epoch(),
		}})
		plan.notify(notify.Infof(obs.RunID, "Heartbeat stale (%s). First observation recorded.", hbAge.Round(time.Second)))
		plan.Action = ActionStaleFirstObservation
		return plan
	}

	marker := *obs.Marker
	if marker.HeartbeatEpoch != "" && marker.HeartbeatEpoch != hb.Epoch() {
		plan.add(Command{Kind: CmdClearMarker})
		plan.Action = ActionStaleMarkerReset
		return plan
	}

	seen := marker.Observations
	if seen < 1 {
		seen = 1
	}
	seen++
	span := obs.Now.Sub(marker.FirstSeen)
	if seen < cfg.StaleObservations || span < cfg.StaleMinInterval {
		marker.LastSeen = obs.Now
		marker.Observations = seen
		plan.add(Command{Kind: CmdWriteMarker, Marker: marker})
		plan.Action = ActionStaleObserved
		return plan
	}

	if obs.Liveness == nil {
		plan.NeedsLivenessCheck = true
		plan.Identity = identityOf(obs)
		return plan
	}
	live := *obs.Liveness

	if live.Alive {
		if live.FoundByTag {
			plan.Action = ActionStaleInstanceFoundByTag
			plan.notify(notify.Warnf(obs.RunID, "Heartbeat stale (%s); found instance %s by run tag.",
				hbAge.Round(time.Second), live.Instance))
			return plan
		}
		plan.Action = ActionStaleInstanceAlive
		plan.notify(notify.Warnf(obs.RunID, "Heartbeat stale (%s) but instance %s still exists.",
			hbAge.Round(time.Second), live.Instance))
		return plan
	}

	switch state {
	case runstate.StatePreempted:
		plan.Action = ActionPreemptedConfirmed
		plan.notify(notify.Infof(obs.RunID, "Confirmed PREEMPTED (stale heartbeat, instance gone)."))
	case runstate.StateOrphaned:
		plan.Action = ActionOrphanedConfirmed
	case runstate.StateNone:
		plan.Action = ActionLegacyBootstrapOrphaned
		plan.add(Command{Kind: CmdTransition, To: runstate.StateOrphaned, Reason: ReasonLegacyBootstrapped})
		plan.notify(orphanedMessage(obs, hbAge))
	default:
		plan.Action = ActionOrphaned
		plan.add(Command{Kind: CmdTransition, To: runstate.StateOrphaned, Reason: ReasonInstanceGone})
		plan.notify(orphanedMessage(obs, hbAge))
	}
	plan.add(Command{Kind: CmdClearMarker})
	if obs.RestartEnabled {
		plan.add(Command{Kind: CmdRestart})
	}
	return plan
}

func decideDrift(plan *Plan, obs Observation, state runstate.State) {
	if obs.Record == nil || state == runstate.StateRestarting {
		return
	}
	expected := runstate.StatusCompat(state)
	if obs.StatusExists && obs.Status == expected {
		return
	}
	plan.DriftDetected = true
	if obs.DriftRepairDisabled {
		return
	}
	plan.add(Command{Kind: CmdRepairStatus, Status: expected})
}

func decideRestarting(plan *Plan, obs Observation, cfg Config) {
	age := obs.Now.Sub(obs.Record.UpdatedAt)
	if age <= cfg.RestartingStuck {
		return
	}

	if obs.Liveness == nil {
		plan.NeedsLivenessCheck = true
		plan.Identity = identityOf(obs)
		return
	}
	if obs.Liveness.Alive {
		return
	}
	if hb := obs.Heartbeat; hb != nil && !hb.Timestamp.IsZero() && hb.Age(obs.Now) < cfg.HeartbeatStale {
		return
	}

	plan.Action = ActionRestartingStuckRecovered
	plan.add(Command{Kind: CmdTransition, To: runstate.StateOrphaned, Reason: ReasonRestartingStuck})
	plan.add(Command{Kind: CmdDeleteRestartLock})
	plan.notify(notify.Warnf(obs.RunID, "RESTARTING stuck for %s. Recovered to ORPHANED.", age.Round(time.Second)))
}

// identityOf takes the instance from the state record, falling back to the
// manifest, then to a tag search. A RESTARTING record still names the lost
// instance, so only a manifest for the current attempt names its
// replacement; without one the replacement is searched for by tag.
func identityOf(obs Observation) Identity {
	if obs.Record.Current() == runstate.StateRestarting {
		if m := obs.Manifest; m != nil && m.Instance != "" && m.Attempt == obs.Record.Attempt {
			return Identity{Instance: m.Instance, Zone: m.Zone}
		}
		return Identity{ByTag: true}
	}
	var id Identity
	if obs.Record != nil {
		id.Instance, id.Zone = obs.Record.InstanceName, obs.Record.Zone
	}
	if (id.Instance == "" || id.Zone == "") && obs.Manifest != nil {
		if id.Instance == "" {
			id.Instance = obs.Manifest.Instance
		}
		if id.Zone == "" {
			id.Zone = obs.Manifest.Zone
		}
	}
	if id.Instance == "" {
		id.ByTag = true
	}
	return id
}

func orphanedMessage(obs Observation, hbAge time.Duration) notify.Message {
	instance := identityOf(obs).Instance
	if instance == "" {
		instance = "unknown"
	}
	return notify.Warnf(obs.RunID, "ORPHANED: heartbeat stale (%s), instance gone. Instance: %s",
		hbAge.Round(time.Second), instance)
}

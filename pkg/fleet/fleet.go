// Package fleet defines the ports to the compute provider: the control API
// used by the reconciler and restarter, and the per-instance metadata
// service a worker polls for interruption notices.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/spotguard/pkg/runstore"
)

// Tags stamped on every instance spotguard provisions.
const (
	RunIDTag   = "spotguard:run-id"
	AttemptTag = "spotguard:attempt"
	NameTag    = "Name"
)

var (
	// ErrCapacity indicates the zone could not supply the requested capacity.
	// Provisioning moves on to the next zone.
	ErrCapacity = errors.New("insufficient capacity")

	// ErrNoZones indicates a provision request named no zone.
	ErrNoZones = errors.New("no zones to provision in")
)

// Instance is a compute instance as seen by the control API.
type Instance struct {
	ID         string
	Zone       string
	State      string
	Type       string
	LaunchedAt time.Time
	Tags       map[string]string
}

// Notice is a pending interruption announced by the metadata service.
type Notice struct {
	Action string    `json:"action"`
	Time   time.Time `json:"time"`
}

// Identity describes the instance a worker runs on.
type Identity struct {
	InstanceID   string
	Zone         string
	Region       string
	InstanceType string
}

// InterruptionSource reports pending interruption notices. A nil notice with
// a nil error means none is pending.
type InterruptionSource interface {
	InterruptionNotice(ctx context.Context) (*Notice, error)
}

// IdentitySource reports the identity of the local instance.
type IdentitySource interface {
	Identity(ctx context.Context) (Identity, error)
}

// ProvisionRequest asks for one worker instance in one zone.
type ProvisionRequest struct {
	RunID   string
	Attempt int
	Zone    string
	Config  runstore.RestartConfig
}

// Controller is the compute control API.
type Controller interface {
	// InstanceExists reports whether the instance exists and is not
	// terminated or shutting down.
	InstanceExists(ctx context.Context, instanceID, zone string) (bool, error)

	// FindByRunID returns live instances tagged with runID.
	FindByRunID(ctx context.Context, runID string) ([]Instance, error)

	// Terminate terminates an instance.
	Terminate(ctx context.Context, instanceID, zone string) error

	// Provision launches one worker instance.
	Provision(ctx context.Context, req ProvisionRequest) (*Instance, error)
}

// Alive reports whether the instance should be treated as alive. Lookup
// failures count as alive so an API outage never orphans a healthy run.
func Alive(ctx context.Context, c Controller, instanceID, zone string, logger *zap.Logger) bool {
	exists, err := c.InstanceExists(ctx, instanceID, zone)
	if err != nil {
		if logger != nil {
			logger.Warn("Instance lookup failed; assuming alive",
				zap.String("instance", instanceID),
				zap.String("zone", zone),
				zap.Error(err))
		}
		return true
	}
	return exists
}

// ProvisionAcrossZones tries each zone of cfg in order and returns the first
// instance launched. Capacity errors move on to the next zone; any other
// error stops immediately.
func ProvisionAcrossZones(ctx context.Context, c Controller, runID string, attempt int, cfg runstore.RestartConfig, logger *zap.Logger) (*Instance, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	zones := cfg.Zones()
	var errs []error
	for _, zone := range zones {
		if zone == "" {
			continue
		}
		inst, err := c.Provision(ctx, ProvisionRequest{RunID: runID, Attempt: attempt, Zone: zone, Config: cfg})
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrCapacity) {
			return nil, fmt.Errorf("provision in %s: %w", zone, err)
		}
		logger.Warn("Zone out of capacity", zap.String("zone", zone), zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", zone, err))
	}
	if len(errs) == 0 {
		return nil, ErrNoZones
	}
	return nil, errors.Join(errs...)
}

// InstanceName is the Name tag given to a run's worker instance.
func InstanceName(runID string, attempt int) string {
	return fmt.Sprintf("spotguard-%s-a%d", runID, attempt)
}

// StoreLocation tells a provisioned worker where run state lives.
type StoreLocation struct {
	Provider string
	Bucket   string
	Region   string
	Endpoint string
}

// BootstrapScript returns the user data that starts the worker for req when
// the restart config does not supply its own. Commands for the container
// runner are passed to the image as-is; commands for the exec runner run
// under /bin/sh -c.
func BootstrapScript(req ProvisionRequest, store StoreLocation) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\nset -euo pipefail\n")
	fmt.Fprintf(&b, "exec spotguard worker run --run-id %s", shellQuote(req.RunID))
	for _, f := range []struct{ name, value string }{
		{"provider", store.Provider},
		{"bucket", store.Bucket},
		{"region", store.Region},
		{"endpoint", store.Endpoint},
	} {
		if f.value != "" {
			fmt.Fprintf(&b, " --%s %s", f.name, shellQuote(f.value))
		}
	}
	if req.Config.Image != "" {
		fmt.Fprintf(&b, " --runner container --image %s -- %s\n", shellQuote(req.Config.Image), req.Config.JobCommand)
		return b.String()
	}
	fmt.Fprintf(&b, " --runner exec -- /bin/sh -c %s\n", shellQuote(req.Config.JobCommand))
	return b.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

package fleet_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/fleet"
	"github.com/3leaps/spotguard/pkg/fleet/fleettest"
	"github.com/3leaps/spotguard/pkg/runstore"
)

func TestAlive(t *testing.T) {
	ctx := context.Background()
	f := fleettest.New()
	f.Add(fleet.Instance{ID: "i-1", Zone: "us-east-1a"})

	assert.True(t, fleet.Alive(ctx, f, "i-1", "us-east-1a", nil))
	assert.False(t, fleet.Alive(ctx, f, "i-2", "us-east-1a", nil))

	f.ExistsErr = errors.New("RequestLimitExceeded")
	assert.True(t, fleet.Alive(ctx, f, "i-2", "us-east-1a", nil), "lookup errors count as alive")
}

func TestProvisionAcrossZones(t *testing.T) {
	ctx := context.Background()
	cfg := runstore.RestartConfig{
		MachineType:   "g5.xlarge",
		Zone:          "us-east-1a",
		FallbackZones: []string{"us-east-1a", "us-east-1b", "us-east-1c"},
	}

	t.Run("falls through capacity errors", func(t *testing.T) {
		f := fleettest.New()
		f.ProvisionErr["us-east-1a"] = fleet.ErrCapacity
		inst, err := fleet.ProvisionAcrossZones(ctx, f, "r1", 2, cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, "us-east-1b", inst.Zone)
		assert.Equal(t, "r1", inst.Tags[fleet.RunIDTag])
		assert.Len(t, f.Requests(), 2)
	})

	t.Run("all zones exhausted", func(t *testing.T) {
		f := fleettest.New()
		for _, z := range cfg.FallbackZones {
			f.ProvisionErr[z] = fleet.ErrCapacity
		}
		_, err := fleet.ProvisionAcrossZones(ctx, f, "r1", 2, cfg, nil)
		assert.ErrorIs(t, err, fleet.ErrCapacity)
		assert.Len(t, f.Requests(), 3)
	})

	t.Run("other errors stop", func(t *testing.T) {
		f := fleettest.New()
		f.ProvisionErr["us-east-1a"] = errors.New("UnauthorizedOperation")
		_, err := fleet.ProvisionAcrossZones(ctx, f, "r1", 2, cfg, nil)
		require.Error(t, err)
		assert.NotErrorIs(t, err, fleet.ErrCapacity)
		assert.Len(t, f.Requests(), 1)
	})

	t.Run("no zones", func(t *testing.T) {
		_, err := fleet.ProvisionAcrossZones(ctx, fleettest.New(), "r1", 1, runstore.RestartConfig{}, nil)
		assert.ErrorIs(t, err, fleet.ErrNoZones)
	})
}

func TestBootstrapScript(t *testing.T) {
	store := fleet.StoreLocation{Provider: "s3", Bucket: "training-state", Region: "us-east-1"}

	exec := fleet.BootstrapScript(fleet.ProvisionRequest{
		RunID: "r1", Attempt: 3,
		Config: runstore.RestartConfig{JobCommand: "python train.py --resume 'latest'"},
	}, store)
	assert.True(t, strings.HasPrefix(exec, "#!/bin/bash\nset -euo pipefail\n"))
	assert.Contains(t, exec, `worker run --run-id 'r1' --provider 's3' --bucket 'training-state' --region 'us-east-1' --runner exec -- /bin/sh -c 'python train.py --resume '\''latest'\'''`)

	container := fleet.BootstrapScript(fleet.ProvisionRequest{
		RunID: "r1", Attempt: 1,
		Config: runstore.RestartConfig{Image: "ghcr.io/acme/train:1", JobCommand: "python train.py"},
	}, fleet.StoreLocation{Bucket: "b", Endpoint: "http://minio:9000"})
	assert.Contains(t, container, "--bucket 'b' --endpoint 'http://minio:9000' --runner container --image 'ghcr.io/acme/train:1' -- python train.py\n")
	assert.NotContains(t, container, "--provider")
	assert.NotContains(t, container, "export ")
	assert.Equal(t, "spotguard-r1-a2", fleet.InstanceName("r1", 2))
}

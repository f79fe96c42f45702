package runstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/objstore/memstore"
)

func TestValidateRunID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"run-2026-03-01", true},
		{"exp_7.b", true},
		{"", false},
		{"-leading", false},
		{"a/b", false},
		{"..", false},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateRunID(tt.id)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestRunKeys(t *testing.T) {
	r := Run{ID: "r1"}
	assert.Equal(t, "runs/r1/state.json", r.StateKey())
	assert.Equal(t, "runs/r1/status.txt", r.StatusKey())
	assert.Equal(t, "runs/r1/events/", r.EventsPrefix())
	assert.Equal(t, "runs/r1/.owner.lock", r.OwnerLockKey())
	assert.Equal(t, "runs/r1/restart.lock", r.RestartLockKey())
	assert.Equal(t, "runs/r1/.stop", r.MarkerKey(MarkerStop))
	assert.Equal(t, "r1", RunIDFromPrefix("runs/r1/"))
}

func TestStore_ListRuns(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	for _, k := range []string{"runs/b/state.json", "runs/a/heartbeat.json", "runs/a/events/x.json", RestartFlagKey} {
		_, err := objs.Put(ctx, k, []byte("{}"), objstore.Condition{})
		require.NoError(t, err)
	}

	ids, err := New(objs).ListRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestStore_HeartbeatRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	hb, err := s.ReadHeartbeat(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, hb)

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.WriteHeartbeat(ctx, "r1", Heartbeat{Timestamp: ts, Phase: PhaseRunning, Attempt: 2}))

	hb, err = s.ReadHeartbeat(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.Equal(t, PhaseRunning, hb.Phase)
	assert.Equal(t, 5*time.Minute, hb.Age(ts.Add(5*time.Minute)))
	assert.Equal(t, "2026-03-01T12:00:00Z", hb.Epoch())
}

func TestStore_Markers(t *testing.T) {
	ctx := context.Background()
	s := New(memstore.New())

	ok, err := s.HasMarker(ctx, "r1", MarkerStop)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMarker(ctx, "r1", MarkerStop, "operator", time.Now()))
	ok, err = s.HasMarker(ctx, "r1", MarkerStop)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ClearMarker(ctx, "r1", MarkerStop))
	require.NoError(t, s.ClearMarker(ctx, "r1", MarkerStop))
	ok, err = s.HasMarker(ctx, "r1", MarkerStop)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RestartEnabled(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	s := New(objs)

	enabled, err := s.RestartEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	_, err = objs.Put(ctx, RestartFlagKey, []byte(`{"enabled_at":null}`), objstore.Condition{})
	require.NoError(t, err)
	enabled, err = s.RestartEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled, "enabled_at is required")

	_, err = objs.Put(ctx, RestartFlagKey, []byte(`not json`), objstore.Condition{})
	require.NoError(t, err)
	enabled, err = s.RestartEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)

	require.NoError(t, s.SetRestartEnabled(ctx, true, "operator", time.Now()))
	enabled, err = s.RestartEnabled(ctx)
	require.NoError(t, err)
	assert.True(t, enabled)

	require.NoError(t, s.SetRestartEnabled(ctx, false, "operator", time.Now()))
	enabled, err = s.RestartEnabled(ctx)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestStore_ReadStatus(t *testing.T) {
	ctx := context.Background()
	objs := memstore.New()
	s := New(objs)

	_, ok, err := s.ReadStatus(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = objs.Put(ctx, "runs/r1/status.txt", []byte("RUNNING\n"), objstore.Condition{})
	require.NoError(t, err)
	status, ok, err := s.ReadStatus(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "RUNNING", status)
}

func TestRestartConfig(t *testing.T) {
	t.Run("yaml file with defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "restart.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`machine_type: g5.xlarge
machine_image: ami-0123456789abcdef0
zone: us-east-1a
fallback_zones: [us-east-1b, us-east-1c]
job_command: python train.py
tags:
  team: ml
`), 0o644))

		cfg, err := LoadRestartConfig(path)
		require.NoError(t, err)
		assert.Equal(t, DefaultAutoRestartMax, cfg.MaxRestarts())
		assert.True(t, cfg.UseSpot())
		assert.Equal(t, []string{"us-east-1b", "us-east-1c"}, cfg.Zones())
		assert.Equal(t, "ml", cfg.Tags["team"])
	})

	t.Run("zones fall back to zone", func(t *testing.T) {
		zero := 0
		cfg := RestartConfig{Zone: "us-east-1a", AutoRestartMax: &zero}
		assert.Equal(t, []string{"us-east-1a"}, cfg.Zones())
		assert.Equal(t, 0, cfg.MaxRestarts())
	})

	t.Run("rejects unknown fields", func(t *testing.T) {
		_, err := ParseRestartConfig([]byte(`{"machine_type":"m","machine_image":"i","zone":"z","gpu":true}`), "restart_config.json")
		assert.True(t, errors.Is(err, ErrInvalidRestartConfig))
	})

	t.Run("rejects missing zone", func(t *testing.T) {
		_, err := ParseRestartConfig([]byte(`{"machine_type":"m","machine_image":"i"}`), "restart_config.json")
		assert.True(t, errors.Is(err, ErrInvalidRestartConfig))
	})

	t.Run("store round trip", func(t *testing.T) {
		ctx := context.Background()
		s := New(memstore.New())
		none, err := s.ReadRestartConfig(ctx, "r1")
		require.NoError(t, err)
		assert.Nil(t, none)

		max := 5
		require.NoError(t, s.WriteRestartConfig(ctx, "r1", RestartConfig{
			MachineType: "g5.xlarge", MachineImage: "ami-1", Zone: "us-east-1a", AutoRestartMax: &max,
		}))
		got, err := s.ReadRestartConfig(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.MaxRestarts())

		err = s.WriteRestartConfig(ctx, "r1", RestartConfig{MachineType: "g5.xlarge"})
		assert.True(t, errors.Is(err, ErrInvalidRestartConfig))
	})
}

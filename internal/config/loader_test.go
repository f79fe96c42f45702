package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points user config discovery at an empty directory.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	SetConfigFile("")
	t.Cleanup(func() { SetConfigFile("") })
}

func repoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		require.NotEqual(t, dir, parent, "no go.mod above the test directory")
		dir = parent
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ServerConfig{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: 10 * time.Second,
	}, cfg.Server)
	assert.Equal(t, LoggingConfig{Level: "info", Profile: "STRUCTURED"}, cfg.Logging)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, DebugConfig{}, cfg.Debug)
	assert.Equal(t, 4, cfg.Workers)

	assert.Equal(t, "s3", cfg.Store.Provider)
	assert.Equal(t, 600, cfg.Reconciler.HeartbeatStaleSec)
	assert.Equal(t, 2, cfg.Reconciler.StaleObservations)
	assert.Equal(t, 2*time.Minute, cfg.Reconciler.StaleMinInterval)
	assert.Equal(t, 5*time.Minute, cfg.Reconciler.Interval)
	assert.False(t, cfg.Reconciler.DryRun)
	assert.Equal(t, time.Minute, cfg.Worker.HeartbeatInterval)
	assert.Equal(t, 5*time.Second, cfg.Worker.PreemptionPollInterval)
	assert.Equal(t, "exec", cfg.Worker.Runner)
	assert.Equal(t, 10*time.Second, cfg.Notify.Timeout)

	rc := cfg.ReconcilerSettings()
	assert.Equal(t, 10*time.Minute, rc.HeartbeatStale)
	assert.Equal(t, 10*time.Minute, rc.RestartingStuck)
	assert.Equal(t, 2, rc.StaleObservations)

	assert.Same(t, cfg, GetConfig())
}

func TestLoadEnvironment(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg *Config)
	}{
		{
			name: "server and logging",
			env:  map[string]string{"SPOTGUARD_PORT": "3000", "SPOTGUARD_LOG_LEVEL": "WARN", "SPOTGUARD_METRICS_ENABLED": "false"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 3000, cfg.Server.Port)
				assert.Equal(t, "warn", cfg.Logging.Level)
				assert.False(t, cfg.Metrics.Enabled)
			},
		},
		{
			name: "durations",
			env:  map[string]string{"SPOTGUARD_READ_TIMEOUT": "45s", "SPOTGUARD_RECONCILE_INTERVAL": "90s", "SPOTGUARD_HEARTBEAT_INTERVAL": "15s"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, 90*time.Second, cfg.Reconciler.Interval)
				assert.Equal(t, 15*time.Second, cfg.Worker.HeartbeatInterval)
			},
		},
		{
			name: "store and reconciler",
			env: map[string]string{
				"SPOTGUARD_BUCKET":         "training-state",
				"SPOTGUARD_DRY_RUN":        "true",
				"SPOTGUARD_STORE_PROVIDER": "FILE",
				"SPOTGUARD_WEBHOOK_URL":    "https://hooks.example.com/x",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "training-state", cfg.Store.Bucket)
				assert.True(t, cfg.Reconciler.DryRun)
				assert.Equal(t, "file", cfg.Store.Provider)
				assert.Equal(t, "https://hooks.example.com/x", cfg.Notify.WebhookURL)
			},
		},
		{
			name: "debug endpoints",
			env:  map[string]string{"SPOTGUARD_DEBUG": "true", "SPOTGUARD_PPROF_ENABLED": "true", "SPOTGUARD_HEALTH_ENABLED": "false"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DebugConfig{Enabled: true, PprofEnabled: true}, cfg.Debug)
				assert.False(t, cfg.Health.Enabled)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(context.Background())
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadOverridesBeatEnvironment(t *testing.T) {
	isolate(t)
	t.Setenv("SPOTGUARD_PORT", "4000")
	t.Setenv("SPOTGUARD_BUCKET", "from-env")

	cfg, err := Load(context.Background(), map[string]any{
		"server":     map[string]any{"port": 5000, "host": "0.0.0.0"},
		"reconciler": map[string]any{"run_globs": []string{"exp-*", "prod-?"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "from-env", cfg.Store.Bucket)
	assert.Equal(t, []string{"exp-*", "prod-?"}, cfg.Reconciler.RunGlobs)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name     string
		override map[string]any
		contains string
	}{
		{"provider", map[string]any{"store": map[string]any{"provider": "gcs"}}, "store.provider"},
		{"runner", map[string]any{"worker": map[string]any{"runner": "k8s"}}, "worker.runner"},
		{"observations", map[string]any{"reconciler": map[string]any{"stale_observations": 0}}, "stale_observations"},
		{"rate limit", map[string]any{"reconciler": map[string]any{"rate_limit": -1.0}}, "rate_limit"},
		{"port", map[string]any{"server": map[string]any{"port": 70000}}, "server.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(context.Background(), tt.override)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestLoadCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadReadsUserConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "spotguard"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "spotguard", "spotguard.yaml"), []byte(`
store:
  bucket: from-file
reconciler:
  heartbeat_stale_sec: 900
`), 0o644))

	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Store.Bucket)
	assert.Equal(t, 900, cfg.Reconciler.HeartbeatStaleSec)

	t.Setenv("SPOTGUARD_BUCKET", "from-env")
	cfg, err = Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Store.Bucket)
}

func TestLoadExplicitConfigFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  provider: file\n  base_dir: /tmp/runs\n"), 0o644))

	SetConfigFile(path)
	cfg, err := Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Store.Provider)
	assert.Equal(t, "/tmp/runs", cfg.Store.BaseDir)

	SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(context.Background())
	require.Error(t, err)
}

func TestEnvSpecs(t *testing.T) {
	isolate(t)
	_, err := Load(context.Background())
	require.NoError(t, err)

	paths := make(map[string]string)
	for _, spec := range getEnvSpecs() {
		require.NotEmpty(t, spec.Path, spec.Name)
		paths[spec.Name] = spec.Path
	}
	assert.Len(t, paths, len(envSuffixes))
	assert.Equal(t, "store.bucket", paths["SPOTGUARD_BUCKET"])
	assert.Equal(t, "reconciler.dry_run", paths["SPOTGUARD_DRY_RUN"])
	assert.Equal(t, "debug.pprof_enabled", paths["SPOTGUARD_PPROF_ENABLED"])
	assert.Equal(t, "worker.heartbeat_interval", paths["SPOTGUARD_HEARTBEAT_INTERVAL"])
	assert.Equal(t, "worker.image", paths["SPOTGUARD_WORKER_IMAGE"])
}

func TestNilIdentityDisablesDiscovery(t *testing.T) {
	SetIdentity(nil)
	t.Cleanup(func() { SetIdentity(DefaultIdentity()) })

	assert.Empty(t, getEnvSpecs())
	assert.Empty(t, getUserConfigPaths())
}

func TestFindProjectRoot(t *testing.T) {
	root := repoRoot(t)
	cwd, err := os.Getwd()
	require.NoError(t, err)
	home := filepath.Dir(root)
	noCI := map[string]string{"CI": "", "GITHUB_ACTIONS": "", "GITLAB_CI": "", "JENKINS_URL": ""}

	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"no ci", map[string]string{"HOME": home}, root},
		{"ci without boundary", map[string]string{"HOME": home, "CI": "true", "FULMEN_WORKSPACE_ROOT": "", "GITHUB_WORKSPACE": "", "CI_PROJECT_DIR": "", "WORKSPACE": ""}, root},
		{"relative boundary", map[string]string{"HOME": home, "CI": "true", "FULMEN_WORKSPACE_ROOT": "./relative/path"}, root},
		{"missing boundary", map[string]string{"HOME": home, "CI": "true", "FULMEN_WORKSPACE_ROOT": "/nonexistent/spotguard/root"}, root},
		{"boundary outside cwd", map[string]string{"HOME": home, "CI": "true", "FULMEN_WORKSPACE_ROOT": t.TempDir()}, root},
		{"github workspace", map[string]string{"HOME": t.TempDir(), "GITHUB_ACTIONS": "true", "GITHUB_WORKSPACE": root}, root},
		{"outside home", map[string]string{"HOME": t.TempDir()}, cwd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range noCI {
				t.Setenv(k, v)
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			got, err := findProjectRoot()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUserConfigPathFollowsXDG(t *testing.T) {
	SetIdentity(DefaultIdentity())
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	assert.Equal(t, []string{filepath.Join(dir, "spotguard")}, getUserConfigPaths())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", dir)
	assert.Equal(t, []string{filepath.Join(dir, ".config", "spotguard")}, getUserConfigPaths())
}

func TestLoadWithHomeOutsideRepo(t *testing.T) {
	isolate(t)
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CI", "true")
	t.Setenv("FULMEN_WORKSPACE_ROOT", repoRoot(t))

	_, err := Load(context.Background())
	require.NoError(t, err)
}

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/pathfinder"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// EnvSpec maps one environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

// envSuffixes are the environment variables honored after the app prefix.
var envSuffixes = []struct {
	suffix string
	path   string
}{
	{"HOST", "server.host"},
	{"PORT", "server.port"},
	{"READ_TIMEOUT", "server.read_timeout"},
	{"WRITE_TIMEOUT", "server.write_timeout"},
	{"IDLE_TIMEOUT", "server.idle_timeout"},
	{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
	{"LOG_LEVEL", "logging.level"},
	{"LOG_PROFILE", "logging.profile"},
	{"METRICS_ENABLED", "metrics.enabled"},
	{"HEALTH_ENABLED", "health.enabled"},
	{"DEBUG", "debug.enabled"},
	{"PPROF_ENABLED", "debug.pprof_enabled"},
	{"WORKERS", "workers"},
	{"STORE_PROVIDER", "store.provider"},
	{"BUCKET", "store.bucket"},
	{"REGION", "store.region"},
	{"STORE_ENDPOINT", "store.endpoint"},
	{"AWS_PROFILE", "store.profile"},
	{"STORE_BASE_DIR", "store.base_dir"},
	{"DRY_RUN", "reconciler.dry_run"},
	{"HEARTBEAT_STALE_SEC", "reconciler.heartbeat_stale_sec"},
	{"RESTARTING_STUCK_SEC", "reconciler.restarting_stuck_sec"},
	{"RECONCILE_INTERVAL", "reconciler.interval"},
	{"HEARTBEAT_INTERVAL", "worker.heartbeat_interval"},
	{"RUNNER", "worker.runner"},
	{"WORKER_IMAGE", "worker.image"},
	{"WEBHOOK_URL", "notify.webhook_url"},
	{"TRANSITIONS_FILE", "transitions_file"},
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("store.provider", "s3")
	v.SetDefault("store.force_path_style", false)

	v.SetDefault("reconciler.dry_run", false)
	v.SetDefault("reconciler.heartbeat_stale_sec", 600)
	v.SetDefault("reconciler.stale_observations", 2)
	v.SetDefault("reconciler.stale_min_interval", "120s")
	v.SetDefault("reconciler.restarting_stuck_sec", 600)
	v.SetDefault("reconciler.rate_limit", 5.0)
	v.SetDefault("reconciler.run_globs", []string{})
	v.SetDefault("reconciler.interval", "5m")

	v.SetDefault("worker.heartbeat_interval", "60s")
	v.SetDefault("worker.preemption_poll_interval", "5s")
	v.SetDefault("worker.runner", "exec")
	v.SetDefault("worker.image", "")
	v.SetDefault("worker.grace_period", "30s")

	v.SetDefault("notify.timeout", "10s")
	v.SetDefault("transitions_file", "")
}

// Load builds the configuration and makes it available through GetConfig.
// Each override is a nested map applied above every other source.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	SetDefaults(v)

	for _, path := range configFiles() {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range envSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// SetConfigFile names an explicit config file read after the discovered ones.
// An empty path clears it.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = path
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// SetIdentity replaces the app identity used by the next Load.
func SetIdentity(id *Identity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToUpper(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Store.Provider = strings.ToLower(strings.TrimSpace(cfg.Store.Provider))
	cfg.Worker.Runner = strings.ToLower(strings.TrimSpace(cfg.Worker.Runner))
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}
	switch cfg.Store.Provider {
	case "s3", "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("store.provider %q must be s3, file or memory", cfg.Store.Provider))
	}
	switch cfg.Worker.Runner {
	case "exec", "container":
	default:
		errs = append(errs, fmt.Errorf("worker.runner %q must be exec or container", cfg.Worker.Runner))
	}
	if cfg.Reconciler.StaleObservations < 1 {
		errs = append(errs, fmt.Errorf("reconciler.stale_observations must be >= 1"))
	}
	if cfg.Reconciler.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("reconciler.rate_limit must be >= 0"))
	}
	return errors.Join(errs...)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

func envSpecsLocked() []EnvSpec {
	if appIdentity == nil || appIdentity.EnvPrefix == "" {
		return []EnvSpec{}
	}
	specs := make([]EnvSpec, 0, len(envSuffixes))
	for _, e := range envSuffixes {
		specs = append(specs, EnvSpec{Name: appIdentity.EnvVar(e.suffix), Path: e.path})
	}
	return specs
}

// configFiles returns config files, lowest precedence first: the user config
// directory, the project root, then the explicit --config file.
func configFiles() []string {
	var files []string
	for _, dir := range userConfigPathsLocked() {
		files = append(files, findConfigIn(dir)...)
	}
	if root, err := findProjectRoot(); err == nil {
		files = append(files, findConfigIn(root)...)
	}
	if configFile != "" {
		files = append(files, configFile)
	}
	return files
}

func findConfigIn(dir string) []string {
	name := appIdentity.ConfigName
	for _, ext := range []string{"yaml", "yml", "json"} {
		path := filepath.Join(dir, name+"."+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return []string{path}
		}
	}
	return nil
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPathsLocked()
}

func userConfigPathsLocked() []string {
	if appIdentity == nil || appIdentity.ConfigName == "" {
		return []string{}
	}
	return []string{gfconfig.GetAppConfigDir(appIdentity.ConfigName)}
}

// projectMarkers end the upward search for the project root.
var projectMarkers = append(append([]string{}, pathfinder.GoModMarkers...), pathfinder.GitMarkers...)

// findProjectRoot walks up from the working directory to the nearest go.mod
// or .git, never above the home directory. Under CI the workspace root
// reported by the runner bounds the search instead. Without a marker the
// working directory is returned.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	var opts []pathfinder.FindOption
	if hint, ok := pathfinder.DetectCIBoundaryHint(cwd); ok {
		opts = append(opts, pathfinder.WithBoundary(hint.Boundary))
	}
	root, err := pathfinder.FindRepositoryRoot(cwd, projectMarkers, opts...)
	if err != nil {
		return cwd, nil
	}
	return root, nil
}

// Package cmd implements the spotguard command line.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	appIdentity *config.Identity
	appConfig   *config.Config

	cfgFile  string
	verbose  bool
	dryRun   bool
	provider string
	bucket   string
	region   string
	endpoint string
	baseDir  string
)

var rootCmd = &cobra.Command{
	Use:   "spotguard",
	Short: "Lifecycle coordinator for spot training runs",
	Long: `spotguard keeps the recorded state of long-running training jobs on
preemptible instances consistent with reality.

Workers record their own lifecycle in a shared bucket; the reconciler
detects dead or preempted workers, repairs drift and restarts eligible
runs in another zone.

Examples:
  spotguard worker run --run-id exp-42 -- python train.py
  spotguard reconcile --dry-run
  spotguard state show --run-id exp-42`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntime,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: spotguard.yaml in the user config dir or project root)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose console logging")
	pf.BoolVar(&dryRun, "dry-run", false, "Compute and log decisions without writing, deleting or provisioning")
	pf.StringVar(&provider, "provider", "", "Store provider (s3, file, memory)")
	pf.StringVar(&bucket, "bucket", "", "Bucket holding the runs/ tree")
	pf.StringVar(&region, "region", "", "Cloud region for the store and fleet APIs")
	pf.StringVar(&endpoint, "endpoint", "", "Custom S3-compatible endpoint")
	pf.StringVar(&baseDir, "base-dir", "", "Root directory for the file provider")
}

// SetVersionInfo records build metadata from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
}

// GetAppIdentity returns the identity set up by the root command, or nil
// before the first command runs.
func GetAppIdentity() *config.Identity {
	return appIdentity
}

// Process exit codes not covered by foundry.
const (
	exitOK      = 0
	exitFailure = 1
)

// loggerReady is set once CLILogger writes somewhere.
var loggerReady bool

// Execute runs the root command and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	defer observability.Sync()
	if err == nil {
		return exitOK
	}

	var ee *cliError
	if errors.As(err, &ee) && loggerReady {
		observability.CLILogger.Error(ee.message, zap.Error(ee.err), zap.Int("exit_code", ee.code))
		return ee.code
	}
	_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
	return ExitCode(err)
}

func initRuntime(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	config.SetConfigFile(cfgFile)

	cfg, err := config.Load(cmd.Context(), flagOverrides())
	if err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, verbose)
		loggerReady = true
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if verbose {
		observability.InitCLILogger(appIdentity.BinaryName, true)
	} else if err := observability.InitLogger(cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		observability.InitCLILogger(appIdentity.BinaryName, false)
		loggerReady = true
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	loggerReady = true
	return nil
}

// flagOverrides turns explicitly set persistent flags into config overrides.
func flagOverrides() map[string]any {
	store := map[string]any{}
	if provider != "" {
		store["provider"] = provider
	}
	if bucket != "" {
		store["bucket"] = bucket
	}
	if region != "" {
		store["region"] = region
	}
	if endpoint != "" {
		store["endpoint"] = endpoint
	}
	if baseDir != "" {
		store["base_dir"] = baseDir
	}

	out := map[string]any{}
	if len(store) > 0 {
		out["store"] = store
	}
	if dryRun {
		out["reconciler"] = map[string]any{"dry_run": true}
	}
	return out
}

// cliError carries the process exit code for a failed command.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

// ExitCode returns the exit code carried by err, or 1.
func ExitCode(err error) int {
	var ee *cliError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	if err == nil {
		err = errors.New(message)
	}
	return &cliError{code: code, message: message, err: err}
}

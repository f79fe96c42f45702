package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/spotguard/internal/config"
	"github.com/3leaps/spotguard/internal/observability"
	"github.com/3leaps/spotguard/pkg/objstore"
	"github.com/3leaps/spotguard/pkg/preflight"
	"github.com/3leaps/spotguard/pkg/runstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Check the local environment, the transition graph, the run store and,
for the s3 provider, AWS credentials.

Examples:
  spotguard doctor
  spotguard doctor --bucket my-training-bucket`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// doctorCheck is one numbered diagnostic.
type doctorCheck struct {
	name string
	run  func(ctx context.Context, cfg *config.Config) (detail string, err error)
	// fatal checks stop the run with the given exit code.
	fatalCode int
}

func doctorChecks(cfg *config.Config) []doctorCheck {
	checks := []doctorCheck{
		{name: "Go version", run: checkGoVersion},
		{name: "Gofulmen access", run: checkGofulmen, fatalCode: foundry.ExitExternalServiceUnavailable},
		{name: "config directory", run: checkConfigDir},
		{name: "transition graph", run: checkGraph, fatalCode: foundry.ExitInvalidArgument},
		{name: "run store", run: checkStore},
		{name: "conditional writes", run: checkConditionalWrites},
	}
	if cfg.Store.Provider == string(objstore.ProviderS3) {
		checks = append(checks, doctorCheck{name: "AWS credentials", run: checkAWSCredentials})
	}
	return checks
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := currentConfig(ctx)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid configuration", err)
	}

	bannerName := "doctor"
	if identity := GetAppIdentity(); identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	logger := observability.CLILogger
	logger.Info("=== " + bannerName + " ===")

	checks := doctorChecks(cfg)
	healthy := true
	for i, c := range checks {
		label := fmt.Sprintf("[%d/%d] Checking %s...", i+1, len(checks), c.name)
		detail, err := c.run(ctx, cfg)
		if err != nil {
			logger.Error(label+" failed", zap.Error(err))
			if c.name == "AWS credentials" {
				printAWSCredentialsHelp()
			}
			if c.fatalCode != 0 {
				return exitError(c.fatalCode, "Cannot check "+c.name, err)
			}
			healthy = false
			continue
		}
		logger.Info(label+" ok", zap.String("detail", detail))
	}

	if healthy {
		logger.Info(fmt.Sprintf("All checks passed. Your %s installation is healthy.", bannerName))
	} else {
		logger.Warn("Some checks failed. Review the output above for details.")
	}
	logger.Info("=== End Diagnostics ===")
	return nil
}

func checkGoVersion(context.Context, *config.Config) (string, error) {
	v := runtime.Version()
	if v < "go1.23" {
		return v, fmt.Errorf("%s is older than the recommended go1.23", v)
	}
	return v + " " + runtime.GOOS + "/" + runtime.GOARCH, nil
}

func checkGofulmen(context.Context, *config.Config) (string, error) {
	v := crucible.GetVersion()
	if v.Gofulmen == "" {
		return "", fmt.Errorf("gofulmen version unavailable")
	}
	return fmt.Sprintf("gofulmen v%s, crucible v%s", v.Gofulmen, v.Crucible), nil
}

func checkConfigDir(context.Context, *config.Config) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir, nil
}

func checkGraph(_ context.Context, cfg *config.Config) (string, error) {
	g, err := loadGraph(cfg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("version %s hash %s (%d edges)", g.Version(), g.Hash(), len(g.Edges())), nil
}

func checkStore(ctx context.Context, cfg *config.Config) (string, error) {
	objs, err := openStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = objs.Close() }()

	ids, err := runstore.New(objs).ListRuns(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s store reachable, %d runs", cfg.Store.Provider, len(ids)), nil
}

// checkConditionalWrites probes create-if-absent and compare-and-swap.
// Dry runs stay read-only.
func checkConditionalWrites(ctx context.Context, cfg *config.Config) (string, error) {
	objs, err := openStore(ctx, cfg)
	if err != nil {
		return "", err
	}
	defer func() { _ = objs.Close() }()

	mode := preflight.ModeWriteProbe
	if cfg.Reconciler.DryRun {
		mode = preflight.ModeReadSafe
	}
	rep, err := preflight.Run(ctx, objs, preflight.Spec{Mode: mode})
	if err != nil {
		if failed := rep.Failed(); failed != nil {
			return "", fmt.Errorf("%s denied (%s): %w", failed.Capability, failed.ErrorCode, err)
		}
		return "", err
	}
	return fmt.Sprintf("%s: %d capabilities verified", rep.Mode, len(rep.Results)), nil
}

func checkAWSCredentials(ctx context.Context, cfg *config.Config) (string, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Store.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Store.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("load AWS config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve credentials: %w", err)
	}
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	return fmt.Sprintf("access key %s from %s", maskAccessKey(creds.AccessKeyID), source), nil
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	logger := observability.CLILogger
	logger.Info("To configure AWS credentials:")
	logger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY, or")
	logger.Info("  2. Run 'aws configure' and pass --region / SPOTGUARD_AWS_PROFILE, or")
	logger.Info("  3. Use the instance profile when running on EC2")
	logger.Info("For S3-compatible stores (MinIO, moto) also set --endpoint.")
}

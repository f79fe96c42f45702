package cmd

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"

	"github.com/3leaps/spotguard/pkg/transitions"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build and transition graph versions",
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().Bool("json", false, "Output as JSON")
}

type versionOutput struct {
	Version            string `json:"version"`
	Commit             string `json:"commit"`
	BuildDate          string `json:"build_date"`
	GoVersion          string `json:"go_version"`
	Platform           string `json:"platform"`
	TransitionsHash    string `json:"transitions_hash,omitempty"`
	TransitionsVersion string `json:"transitions_version,omitempty"`
	Gofulmen           string `json:"gofulmen,omitempty"`
}

func runVersion(cmd *cobra.Command, _ []string) error {
	v := versionOutput{
		Version:   versionInfo.Version,
		Commit:    versionInfo.Commit,
		BuildDate: versionInfo.BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
		Gofulmen:  crucible.GetVersion().Gofulmen,
	}
	if g, err := transitions.Default(); err == nil {
		v.TransitionsHash = g.Hash()
		v.TransitionsVersion = g.Version()
	}

	out := cmd.OutOrStdout()
	if jsonOutput, _ := cmd.Flags().GetBool("json"); jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, _ = fmt.Fprintf(out, "spotguard %s (commit %s, built %s)\n", v.Version, v.Commit, v.BuildDate)
	_, _ = fmt.Fprintf(out, "%s %s\n", v.GoVersion, v.Platform)
	if v.TransitionsHash != "" {
		_, _ = fmt.Fprintf(out, "transitions %s hash=%s\n", v.TransitionsVersion, v.TransitionsHash)
	}
	return nil
}

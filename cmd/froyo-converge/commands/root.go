package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	settingsPath string
	logLevel     string
	jsonOutput   bool
	dbPath       string
	providerFlags []string
)

// errFailures is returned when a run finished with failed resources, so the
// process exits 2 instead of 1.
var errFailures = errors.New("some resources failed to converge")

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	if errors.Is(err, errFailures) {
		return 2
	}
	return 1
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "froyo-converge",
		Short: "Converge packages, groups and services to a declared state",
		Long: `froyo-converge reads declarations of packages, groups and services and
brings the host to that state using the native tools of the platform
(dnf, apt, groupadd/gpasswd, dscl, systemctl, rcctl).

Every run is idempotent: current state is read first, only the needed
commands are issued, and state is re-read to verify each change.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file path (default /etc/froyo/converge.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "report database path; \"none\" disables reports")
	rootCmd.PersistentFlags().StringSliceVar(&providerFlags, "provider", nil, "force a provider per kind, e.g. package=apt")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newFactsCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <file|dir>...",
		Short: "Converge the host to the declared state",
		Long: `Load declarations and converge every resource in order.

For each resource this command:
  - Reads the current state of every item
  - Resolves candidate versions where needed
  - Decides and applies the minimal set of commands
  - Re-reads state to verify and report what changed

Each run is recorded in the report database unless --db none is given.
The command exits 2 when any resource failed.`,
		Example: `  # Apply a single declaration file
  froyo-converge apply web.yaml

  # Apply every declaration in a directory, forcing apt
  froyo-converge apply /etc/froyo/declarations --provider package=apt

  # Apply and print the reports as JSON
  froyo-converge apply web.yaml --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return converge(cmd, args, false)
		},
	}
	return cmd
}

// converge runs the agent once over args and prints the result.
func converge(cmd *cobra.Command, args []string, whyRun bool) error {
	ctx, rt, err := setup(cmd.Context(), true, true)
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			telemetry.FromContext(ctx).WithError(cerr).Warn("failed to release resources")
		}
	}()
	if err != nil {
		return err
	}

	f, err := config.NewLoader().Load(ctx, args...)
	if err != nil {
		return err
	}
	return runOnce(ctx, cmd, rt, f, whyRun)
}

func runOnce(ctx context.Context, cmd *cobra.Command, rt *app, f *config.File, whyRun bool) error {
	res, err := rt.agent.Run(ctx, f, whyRun)
	if res != nil {
		if perr := printResult(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		telemetry.FromContext(ctx).WithError(err).Debug("run finished with failures")
		return errFailures
	}
	return nil
}

package commands

import (
	"github.com/spf13/cobra"
)

func newPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan <file|dir>...",
		Short: "Show what apply would change without changing anything",
		Long: `Run the convergence in why-run mode.

Current state and candidates are resolved with read-only commands and the
action for every item is decided and reported as "planned". No mutating
command is ever issued.`,
		Example: `  # Preview changes for a declaration file
  froyo-converge plan web.yaml

  # Preview without recording a report
  froyo-converge plan web.yaml --db none`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return converge(cmd, args, true)
		},
	}
	return cmd
}

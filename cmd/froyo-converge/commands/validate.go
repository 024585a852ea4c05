package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file|dir>...",
		Short: "Validate declarations without touching the host",
		Long: `Parse and validate declaration files.

YAML and JSON files are checked against the declaration types, CUE files
against the built-in schema. Both are then checked for duplicate
resources and items and for actions that the resource kind does not
support. Every problem is reported, not only the first one.`,
		Example: `  # Validate a directory of declarations
  froyo-converge validate /etc/froyo/declarations`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings()
			if err != nil {
				return err
			}

			f, err := config.NewLoader().Load(cmd.Context(), args...)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), f)
			}

			tw := newTable(cmd.OutOrStdout())
			fmt.Fprintln(tw, "RESOURCE\tKIND\tACTIONS\tITEMS\tPROVIDER")
			for _, d := range f.Resources {
				actions := make([]string, 0, len(d.ActionList()))
				for _, a := range d.ActionList() {
					actions = append(actions, string(a))
				}
				provider := s.ProviderFor(d)
				if provider == "" {
					provider = "(detect)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					d.Name, d.Kind, strings.Join(actions, ","), len(d.Items), provider)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d resources in %d files are valid\n", len(f.Resources), len(f.SourceFiles))
			return nil
		},
	}
	return cmd
}

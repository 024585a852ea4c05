package commands

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
)

func newReportCommand() *cobra.Command {
	var (
		limit    int
		resource string
		failed   bool
		updated  bool
	)

	cmd := &cobra.Command{
		Use:   "report [run-id | report-id]",
		Short: "Show recorded runs and reports",
		Long: `Query the report database.

Without arguments the most recent runs are listed. With a run ID the
reports of that run are listed; with a numeric report ID the items of
that report are shown, including phase, decision and error code.`,
		Example: `  # List recent runs
  froyo-converge report

  # Show failed reports of a run
  froyo-converge report 2b7f0c1e-... --failed

  # Show the items of report 42
  froyo-converge report 42`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, rt, err := setup(cmd.Context(), true, false)
			defer func() {
				if cerr := rt.Close(); cerr != nil {
					telemetry.FromContext(ctx).WithError(cerr).Warn("failed to release resources")
				}
			}()
			if err != nil {
				return err
			}
			if rt.store == nil {
				return errors.New("report database is disabled")
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				if resource != "" || failed || updated {
					reports, err := rt.store.ListReports(ctx, stores.ReportFilter{
						Resource:    resource,
						FailedOnly:  failed,
						UpdatedOnly: updated,
						Limit:       limit,
					})
					if err != nil {
						return err
					}
					return printReports(out, reports)
				}
				runs, err := rt.store.ListRuns(ctx, limit, 0)
				if err != nil {
					return err
				}
				return printRuns(out, runs)
			}

			if id, perr := strconv.ParseInt(args[0], 10, 64); perr == nil {
				rec, err := rt.store.GetReport(ctx, id)
				if err != nil {
					return fmt.Errorf("report %d: %w", id, err)
				}
				return printReportItems(out, rec)
			}

			run, err := rt.store.GetRun(ctx, args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			reports, err := rt.store.ListReports(ctx, stores.ReportFilter{
				RunID:       run.ID,
				Resource:    resource,
				FailedOnly:  failed,
				UpdatedOnly: updated,
				Limit:       limit,
			})
			if err != nil {
				return err
			}
			if !jsonOutput {
				fmt.Fprintf(out, "run %s on %s (%s): %s, %d updated, %d failed\n\n",
					run.ID, run.Host, run.Platform, run.Status, run.Updated, run.Failed)
			}
			return printReports(out, reports)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of rows")
	cmd.Flags().StringVar(&resource, "resource", "", "only reports of this resource")
	cmd.Flags().BoolVar(&failed, "failed", false, "only reports with failed items")
	cmd.Flags().BoolVar(&updated, "updated", false, "only reports that changed the host")

	return cmd
}

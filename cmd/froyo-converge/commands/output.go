package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/openfroyo/converge/pkg/agent"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/stores"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
}

// printResult writes one line per identity followed by a summary.
func printResult(w io.Writer, res *agent.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}

	tw := newTable(w)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tACTION\tPROVIDER\tITEM\tOUTCOME\tDETAIL")
	for _, rep := range res.Reports {
		for _, it := range rep.Items {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				rep.Resource, rep.Kind, rep.Action, rep.Provider,
				it.Identity, it.Outcome, itemDetail(it))
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	mode := "applied"
	if res.WhyRun {
		mode = "planned"
	}
	fmt.Fprintf(w, "\nrun %s %s: %d reports, %d updated, %d failed in %s\n",
		res.RunID, mode, len(res.Reports), res.Updated, res.Failed,
		res.CompletedAt.Sub(res.StartedAt).Round(time.Millisecond))
	return nil
}

func itemDetail(it engine.ItemResult) string {
	switch {
	case it.Message != "":
		return oneLine(it.Message)
	case it.Decision != "" && it.Decision != engine.ActionNothing:
		if it.Version != "" {
			return fmt.Sprintf("%s %s", it.Decision, it.Version)
		}
		return string(it.Decision)
	}
	return ""
}

func oneLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return s
}

func printRuns(w io.Writer, runs []*stores.Run) error {
	if jsonOutput {
		return printJSON(w, runs)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tSTARTED\tHOST\tMODE\tSTATUS\tUPDATED\tFAILED")
	for _, r := range runs {
		mode := "apply"
		if r.WhyRun {
			mode = "plan"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Host, mode, r.Status, r.Updated, r.Failed)
	}
	return tw.Flush()
}

func printReports(w io.Writer, reports []*stores.ReportRecord) error {
	if jsonOutput {
		return printJSON(w, reports)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tRESOURCE\tKIND\tACTION\tPROVIDER\tUPDATED\tFAILED\tERROR")
	for _, r := range reports {
		var msg string
		if r.Error != nil {
			msg = oneLine(*r.Error)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%t\t%d\t%s\n",
			r.ID, r.Resource, r.Kind, r.Action, r.Provider, r.Updated, r.Failed, msg)
	}
	return tw.Flush()
}

func printReportItems(w io.Writer, rec *stores.ReportRecord) error {
	if jsonOutput {
		return printJSON(w, rec)
	}
	fmt.Fprintf(w, "%s (%s %s via %s)\n", rec.Resource, rec.Kind, rec.Action, rec.Provider)
	tw := newTable(w)
	fmt.Fprintln(tw, "ITEM\tPHASE\tOUTCOME\tDECISION\tVERSION\tCODE\tMESSAGE")
	for _, it := range rec.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			it.Name, it.Phase, it.Outcome, it.Decision, it.Version, it.ErrorCode, oneLine(it.Message))
	}
	return tw.Flush()
}

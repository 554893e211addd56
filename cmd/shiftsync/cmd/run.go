package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/runner"
	"github.com/macjediwizard/shiftsync/internal/schedule"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile <rows-file>",
	Short: "Create or update calendar events for every row",
	Long: `Reconcile reads rows from an HTML schedule page or a YAML/JSON row file
and writes one event per row into the calendar.

Examples:
  shiftsync reconcile schedule.html --calendar AAMkAD...
  shiftsync reconcile rows.yaml --calendar /calendars/jo/work/ --update=false`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		calendarID, err := calendarFlag(cmd, a)
		if err != nil {
			return err
		}
		update, _ := cmd.Flags().GetBool("update")

		rows, err := schedule.LoadFile(args[0], a.cfg.Schedule.Location)
		if err != nil {
			return err
		}

		result, err := a.runner.Reconcile(ctx, rows, calendarID, update)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), result)
		}
		printSummary(cmd.OutOrStdout(), len(rows), result.Summary)
		return nil
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview <rows-file>",
	Short: "Show how the calendar differs from the rows without writing events",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		calendarID, err := calendarFlag(cmd, a)
		if err != nil {
			return err
		}

		rows, err := schedule.LoadFile(args[0], a.cfg.Schedule.Location)
		if err != nil {
			return err
		}

		result, err := a.runner.Preview(ctx, rows, calendarID)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), result)
		}
		printPreview(cmd.OutOrStdout(), result.Results)
		return nil
	},
}

// calendarFlag returns --calendar, falling back to WATCH_CALENDAR_ID.
func calendarFlag(cmd *cobra.Command, a *app) (string, error) {
	calendarID, _ := cmd.Flags().GetString("calendar")
	if calendarID == "" {
		calendarID = a.cfg.Watch.CalendarID
	}
	if calendarID == "" {
		return "", fmt.Errorf("please provide a calendar via --calendar (see `shiftsync calendars`)")
	}
	return calendarID, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(w io.Writer, rows int, s reconcile.Summary) {
	fmt.Fprintf(w, "%d rows: %d created, %d updated, %d skipped, %d errors\n",
		rows, s.Created, s.Updated, s.Skipped, len(s.Errors))
	for _, e := range s.Errors {
		fmt.Fprintf(w, "  %s: %s\n", e.Ref, e.Error)
	}
}

func printPreview(w io.Writer, results []reconcile.DiffResult) {
	for _, r := range results {
		label := r.RefNumber
		if label == "" {
			label = r.MappingKey
		}
		fmt.Fprintf(w, "%-10s %s %s\n", r.Status, label, r.Name)
		if r.Error != "" {
			fmt.Fprintf(w, "           %s\n", r.Error)
		}
		for _, d := range r.Differences {
			fmt.Fprintf(w, "           %s: %q -> %q\n", d.Field, d.Actual, d.Desired)
		}
	}

	tally := runner.CountStatuses(results)
	fmt.Fprintf(w, "\n%d missing, %d different, %d identical, %d errors\n",
		tally[reconcile.StatusMissing], tally[reconcile.StatusDifferent],
		tally[reconcile.StatusIdentical], tally[reconcile.StatusError])
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(previewCmd)

	for _, c := range []*cobra.Command{reconcileCmd, previewCmd} {
		c.Flags().StringP("calendar", "c", "", "Calendar id (Graph) or collection path (CalDAV)")
		c.Flags().Bool("json", false, "Print the result as JSON")
	}
	reconcileCmd.Flags().BoolP("update", "u", true, "Update events that already exist")
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var calendarsCmd = &cobra.Command{
	Use:   "calendars",
	Short: "List the calendars rows can be written to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		calendars, err := a.provider.Calendars(ctx)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), calendars)
		}

		w := cmd.OutOrStdout()
		for _, c := range calendars {
			var marks string
			if c.IsDefault {
				marks += " (default)"
			}
			if !c.CanEdit {
				marks += " (read-only)"
			}
			fmt.Fprintf(w, "%s\t%s%s\n", c.ID, c.Name, marks)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(calendarsCmd)
	calendarsCmd.Flags().Bool("json", false, "Print the calendars as JSON")
}

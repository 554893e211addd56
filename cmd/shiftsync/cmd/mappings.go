package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/shiftsync/internal/db"
)

// mappingsCmd represents the mappings command
var mappingsCmd = &cobra.Command{
	Use:   "mappings",
	Short: "Inspect or reset the row to event mapping table",
}

var mappingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		calendarID, _ := cmd.Flags().GetString("calendar")
		entries, err := database.ListMappings(cmd.Context(), calendarID)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\n", e.CalendarID, e.MappingKey, e.EventID)
		}
		return nil
	},
}

var mappingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget which events belong to which rows",
	Long: `Clear deletes stored mappings. Events stay in the calendar; the next run
finds them again through their identity tag, or creates new ones for rows
without a reference number.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		calendarID, _ := cmd.Flags().GetString("calendar")
		all, _ := cmd.Flags().GetBool("all")
		if calendarID == "" && !all {
			return fmt.Errorf("please provide --calendar or --all")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		deleted, err := database.ClearMappings(cmd.Context(), calendarID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d mappings\n", deleted)
		return nil
	},
}

// openDatabase opens the database without building a calendar provider.
func openDatabase() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return db.New(cfg.Database.Path)
}

func init() {
	rootCmd.AddCommand(mappingsCmd)
	mappingsCmd.AddCommand(mappingsListCmd)
	mappingsCmd.AddCommand(mappingsClearCmd)

	mappingsCmd.PersistentFlags().StringP("calendar", "c", "", "Limit to one calendar")
	mappingsClearCmd.Flags().Bool("all", false, "Clear the mappings of every calendar")
}

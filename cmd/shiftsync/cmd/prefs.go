package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/shiftsync/internal/reconcile"
	"github.com/macjediwizard/shiftsync/internal/validator"
)

// prefsCmd represents the prefs command
var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or change the initials and default reminder put on events",
}

var prefsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored preferences",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		prefs, err := database.LoadPreferences(cmd.Context())
		if err != nil {
			return err
		}
		printPrefs(cmd.OutOrStdout(), prefs)
		return nil
	},
}

var prefsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change preferences; flags not given keep their value",
	Example: `  shiftsync prefs set --initials JD
  shiftsync prefs set --reminder 30
  shiftsync prefs set --reminder 0        # reminders off
  shiftsync prefs set --clear-reminder    # leave the calendar default`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		ctx := cmd.Context()
		prefs, err := database.LoadPreferences(ctx)
		if err != nil {
			return err
		}

		flags := cmd.Flags()
		if flags.Changed("initials") {
			initials, _ := flags.GetString("initials")
			prefs.Initials = strings.TrimSpace(initials)
		}
		if flags.Changed("reminder") {
			minutes, _ := flags.GetInt("reminder")
			prefs.DefaultReminderMinutes = &minutes
		}
		if clearReminder, _ := flags.GetBool("clear-reminder"); clearReminder {
			prefs.DefaultReminderMinutes = nil
		}

		if err := validator.ValidateInitials(prefs.Initials); err != nil {
			return err
		}
		if err := validator.ValidateReminder(prefs.DefaultReminderMinutes); err != nil {
			return err
		}

		if err := database.SavePreferences(ctx, prefs); err != nil {
			return err
		}
		printPrefs(cmd.OutOrStdout(), prefs)
		return nil
	},
}

func printPrefs(w io.Writer, prefs reconcile.Preferences) {
	initials := prefs.Initials
	if initials == "" {
		initials = "(none)"
	}
	reminder := "calendar default"
	switch {
	case prefs.DefaultReminderMinutes == nil:
	case *prefs.DefaultReminderMinutes == 0:
		reminder = "off"
	default:
		reminder = fmt.Sprintf("%d minutes before start", *prefs.DefaultReminderMinutes)
	}
	fmt.Fprintf(w, "initials: %s\nreminder: %s\n", initials, reminder)
}

func init() {
	rootCmd.AddCommand(prefsCmd)
	prefsCmd.AddCommand(prefsShowCmd)
	prefsCmd.AddCommand(prefsSetCmd)

	prefsSetCmd.Flags().String("initials", "", "Initials prefixed to event subjects")
	prefsSetCmd.Flags().Int("reminder", 0, "Default reminder in minutes; 0 turns reminders off")
	prefsSetCmd.Flags().Bool("clear-reminder", false, "Leave reminders to the calendar default")
	prefsSetCmd.MarkFlagsMutuallyExclusive("reminder", "clear-reminder")
}

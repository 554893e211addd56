package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/macjediwizard/shiftsync/internal/logging"
)

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "shiftsync",
	Short: "Mirror schedule rows into a calendar",
	Long: `shiftsync keeps a calendar in step with a list of scheduled shifts.

Rows come from the schedule table (saved as HTML) or from a YAML/JSON row
file. Each row becomes one event in a Microsoft 365 or CalDAV calendar;
running again updates the same events instead of creating duplicates.`,
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel == "" {
			return nil
		}
		if err := logging.SetLevel(logLevel); err != nil {
			return fmt.Errorf("--loglevel %q: %w", logLevel, err)
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.shiftsync.yaml)")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "loglevel", "l", "", "Set log level, overriding LOG_LEVEL. Available: debug, info, warn, error")
}

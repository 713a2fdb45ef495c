package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/remedyhq/remedy/internal/sweeper"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry sweep over active sessions",
	Long: `Expire every active session whose deadline has passed, then exit.

The serve command runs this continuously; sweep is for cron jobs and
one-off cleanup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepRun()
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func sweepRun() error {
	mgr, err := getManager()
	if err != nil {
		return err
	}
	defer closeDeps()

	if dryRun {
		expired, err := dataStore.ListExpiredActive(rootCmd.Context(), time.Now().UTC())
		if err != nil {
			return err
		}
		ui.DryRunMsg("Would expire %d session(s)", len(expired))
		return nil
	}

	sw := sweeper.New(dataStore, mgr, logger, viper.GetDuration("sweeper.interval"))
	n, err := sw.SweepOnce(rootCmd.Context())
	if err != nil {
		return err
	}

	if n == 0 {
		ui.Info("No sessions past their deadline")
	} else {
		ui.Success("Expired %d session(s)", n)
	}
	return nil
}

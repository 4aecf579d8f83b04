package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var rollbackSnapshot string

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Restore the binary tree from a snapshot",
	Long: `Restores every binary recorded in a snapshot to its pre-run content,
stopping and restarting the affected services around the swap. Without
--snapshot the most recent snapshot is used. This is the same restore engine
a failed reconcile invokes automatically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		report, runErr := client.Rollback(cmd.Context(), rollbackSnapshot)

		if report != nil {
			if jsonOut {
				if err := printJSON(report); err != nil {
					return err
				}
			} else {
				info("Rolled back snapshot %s.", report.SnapshotID)
				for _, name := range report.Restored {
					info("  restored  %s", name)
				}
				for _, name := range report.Removed {
					info("  removed   %s", name)
				}
				for _, svc := range report.ServicesStarted {
					detail("restarted service %s", svc)
				}
				for _, f := range report.Failures {
					errorf("%s", f)
				}
			}
		}
		return runErr
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List the snapshots available for rollback",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		snaps, err := client.Snapshots()
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(snaps)
		}
		if len(snaps) == 0 {
			info("No snapshots on disk.")
			return nil
		}

		fmt.Printf("%-38s %-22s %-10s %s\n", "SNAPSHOT", "CREATED", "SYSTEM", "ENTRIES")
		for _, s := range snaps {
			fmt.Printf("%-38s %-22s %-10s %d\n",
				s.ID, s.CreatedAt.Format("2006-01-02 15:04:05"), orDash(s.SystemVersion), len(s.Entries))
		}
		return nil
	},
}

func init() {
	rollbackCmd.Flags().StringVar(&rollbackSnapshot, "snapshot", "", "snapshot id to restore (default: the most recent)")
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(snapshotsCmd)
}

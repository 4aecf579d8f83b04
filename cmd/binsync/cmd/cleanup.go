package cmd

import (
	"binsync/pkg/binsync"
	"github.com/spf13/cobra"
)

var (
	cleanupStaging   bool
	cleanupSnapshots bool
	cleanupAll       bool
	cleanupKeep      int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune staging leftovers and old snapshots",
	Long: `Removes per-run staging directories, cached downloads, and snapshots
beyond the retention count. The newest snapshot and the snapshot a failed
run left behind for retry are never removed. With no selection flags,
everything is pruned.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		staging, snapshots := cleanupStaging, cleanupSnapshots
		if cleanupAll || (!staging && !snapshots) {
			staging, snapshots = true, true
		}

		report, err := client.Cleanup(binsync.CleanupOptions{
			Staging:   staging,
			Snapshots: snapshots,
			Keep:      cleanupKeep,
		})
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(report)
		}
		info("Removed %d staging dir(s), %d cached download(s), %d snapshot(s).",
			report.RunDirsRemoved, report.DownloadsRemoved, report.SnapshotsRemoved)
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupStaging, "staging", false, "prune run staging dirs and the download cache")
	cleanupCmd.Flags().BoolVar(&cleanupSnapshots, "snapshots", false, "prune snapshots beyond the retention count")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "prune everything (the default when no selection is given)")
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", binsync.DefaultSnapshotKeep, "snapshots to retain")
	rootCmd.AddCommand(cleanupCmd)
}

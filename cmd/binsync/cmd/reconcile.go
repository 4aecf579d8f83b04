package cmd

import (
	"fmt"

	"binsync/internal/diff"
	"binsync/pkg/binsync"
	"github.com/spf13/cobra"
)

var (
	reconcileManifest string
	reconcileDryRun   bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Converge the binary tree onto a release manifest",
	Long: `Loads the manifest, inspects every installed binary, computes the set of
changes in dependency order, stages hash-verified artifacts, and applies them
one at a time: stop service, swap binary, verify the contract, restart.
Any failure after the first swap rolls the whole tree back to its pre-run
state. Use --dry-run to see the plan without touching anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		report, runErr := client.Reconcile(cmd.Context(), binsync.ReconcileOptions{
			ManifestPath: reconcileManifest,
			DryRun:       reconcileDryRun,
		})

		if jsonOut && report != nil {
			if err := printJSON(report); err != nil {
				return err
			}
		}
		if report != nil && !jsonOut {
			printReconcileReport(report)
		}
		if runErr != nil {
			return runErr
		}
		return nil
	},
}

func printReconcileReport(report *binsync.Report) {
	if report.DryRun {
		info("Dry run — no changes applied.")
	}

	for _, name := range report.CorruptBinaries {
		errorf("corrupted binary on disk: %s", name)
	}

	applied, planned := 0, 0
	for _, c := range report.Changes {
		switch c.Kind {
		case diff.KindNoop:
			detail("%-15s %-20s up to date", c.Kind, c.ArtifactName)
			continue
		case diff.KindUnmanaged:
			detail("%-15s %-20s not in manifest, left alone", c.Kind, c.ArtifactName)
			continue
		}

		planned++
		transition := c.ToVersion
		if c.FromVersion != "" {
			transition = fmt.Sprintf("%s → %s", c.FromVersion, c.ToVersion)
		}
		switch {
		case c.Applied:
			applied++
			info("  ✓ %-15s %-20s %s", c.Kind, c.ArtifactName, transition)
		case c.Error != "":
			info("  ✗ %-15s %-20s %s  (failed at %s)", c.Kind, c.ArtifactName, transition, c.FailedStage)
		default:
			info("  · %-15s %-20s %s", c.Kind, c.ArtifactName, transition)
		}
	}

	if planned == 0 {
		info("Nothing to do — tree matches the manifest.")
	} else if report.DryRun {
		info("\nPlanned %d change(s).", planned)
	} else {
		info("\nReconcile %s: %d of %d change(s) applied.", outcomeWord(report.Success), applied, planned)
	}

	if report.Rollback != nil {
		rb := report.Rollback
		info("Rolled back to snapshot %s: %d restored, %d removed, %d service(s) restarted.",
			rb.SnapshotID, len(rb.Restored), len(rb.Removed), len(rb.ServicesStarted))
		for _, f := range rb.Failures {
			errorf("rollback: %s", f)
		}
	}

	detail("run log: %s", report.LogPath)
}

func outcomeWord(success bool) string {
	if success {
		return "complete"
	}
	return "failed"
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileManifest, "manifest", "manifest.json", "path to the release manifest")
	reconcileCmd.Flags().BoolVar(&reconcileDryRun, "dry-run", false, "compute and show the plan without applying it")
	rootCmd.AddCommand(reconcileCmd)
}

package cmd

import (
	"fmt"

	"binsync/internal/inspect"
	"binsync/pkg/binsync"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of every managed binary",
	Long: `Inspects every binary known to the registry or the last applied manifest
and summarizes version, channel, contract health, service state, and drift
against the last applied manifest. Exit 0 when everything is healthy and
drift-free; exit non-zero otherwise. Suitable for monitoring probes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOut {
			if err := printJSON(status); err != nil {
				return err
			}
		} else {
			printStatus(status)
		}

		if !status.Healthy {
			issues := 0
			for _, b := range status.Binaries {
				unhealthy := !b.Unmanaged && b.Status != inspect.StatusHealthy
				if b.Drift != "" || unhealthy || b.Status == inspect.StatusCorrupted {
					issues++
				}
			}
			return fmt.Errorf("status: %d issue(s) found", issues)
		}
		return nil
	},
}

func printStatus(status *binsync.StatusReport) {
	if len(status.Binaries) == 0 && len(status.CorruptBinaries) == 0 {
		info("No managed binaries found.")
		return
	}

	fmt.Printf("%-16s %-10s %-8s %-10s %-22s %s\n", "NAME", "VERSION", "CHANNEL", "STATUS", "SERVICE", "DRIFT")
	for _, b := range status.Binaries {
		service := orDash(b.Service)
		if b.Service != "" && b.ServiceState != "" {
			service = fmt.Sprintf("%s (%s)", b.Service, b.ServiceState)
		}
		name := b.Name
		if b.Unmanaged {
			name += "*"
		}
		fmt.Printf("%-16s %-10s %-8s %-10s %-22s %s\n",
			name, orDash(b.Version), orDash(b.Channel), b.Status, service, orDash(b.Drift))
	}
	for _, msg := range status.CorruptBinaries {
		errorf("%s", msg)
	}

	if hasUnmanaged(status) {
		info("\n* present on disk but not in the applied manifest")
	}
	if status.AppliedSystemVersion != "" {
		detail("applied system version: %s", status.AppliedSystemVersion)
	}
}

func hasUnmanaged(status *binsync.StatusReport) bool {
	for _, b := range status.Binaries {
		if b.Unmanaged {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump the contract output of every managed binary",
	Long: `Runs the --info/--version contract against every binary known to the
registry or the last applied manifest, plus anything unregistered found in
the binary tree, and dumps what each one reported. Use --verbose for
capabilities, dependency requirements, and build metadata.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		report, err := client.Inspect(cmd.Context())
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(report)
		}

		if len(report.Binaries) == 0 {
			info("No binaries found.")
			return nil
		}

		fmt.Printf("%-16s %-10s %-8s %-10s %-14s %s\n", "NAME", "VERSION", "CHANNEL", "STATUS", "SHA256", "PATH")
		for _, b := range report.Binaries {
			name := b.Name
			if b.Unmanaged {
				name += "*"
			}
			fmt.Printf("%-16s %-10s %-8s %-10s %-14s %s\n",
				name, orDash(b.Version), orDash(b.Channel), b.Status, shortHash(b.InstalledSHA256), b.InstallPath)

			if len(b.Capabilities) > 0 {
				detail("capabilities: %s", strings.Join(b.Capabilities, ", "))
			}
			for _, dep := range sortedKeys(b.Requires) {
				detail("requires: %s %s", dep, b.Requires[dep])
			}
			if b.Commit != "" || b.BuildDate != "" {
				detail("built: %s (%s)", orDash(b.BuildDate), orDash(b.Commit))
			}
		}

		for _, msg := range report.CorruptBinaries {
			errorf("%s", msg)
		}
		return nil
	},
}

// shortHash abbreviates a content hash for table display.
func shortHash(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return orDash(sum)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

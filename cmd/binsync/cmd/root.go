package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags.
var (
	rootDir string
	jsonOut bool
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "binsync",
	Short: "Declarative reconciliation of versioned local binaries",
	Long: `binsync converges a local tree of versioned binaries and the services
wrapping them onto the state declared in a release manifest. It inspects
installed binaries through their --info/--version contract, computes a
dependency-ordered plan, stages hash-verified artifacts, and swaps them
in with snapshot-backed rollback on any failure.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("binsync %s\n", version)
		fmt.Printf("  commit:  %s\n", commit)
		fmt.Printf("  built:   %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", "", "managed tree root (default: BINSYNC_HOME or the platform data dir)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output on stdout, logs on stderr")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "detailed output")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "minimal output (errors only)")

	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}

package cmd

import (
	"binsync/internal/manifest"
	"github.com/spf13/cobra"
)

var (
	generateOutput        string
	generateSystemVersion string
)

var generateCmd = &cobra.Command{
	Use:   "generate-manifest",
	Short: "Generate a manifest describing the binaries actually installed",
	Long: `Inspects the host and writes a manifest whose artifacts mirror what is
actually on disk: reported versions, current content hashes, install paths as
sources. Corrupted binaries are excluded. The result is a baseline for drift
audits, or a starting point for a desired-state manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		m, err := client.GenerateManifest(cmd.Context(), generateSystemVersion)
		if err != nil {
			return err
		}

		if generateOutput == "" {
			return printJSON(m)
		}
		if err := manifest.Save(generateOutput, m); err != nil {
			return err
		}
		info("Wrote manifest with %d artifact(s) to %s.", len(m.Artifacts), generateOutput)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "", "write the manifest to this file instead of stdout")
	generateCmd.Flags().StringVar(&generateSystemVersion, "system-version", "0.0.0", "system_version to stamp into the manifest")
	rootCmd.AddCommand(generateCmd)
}

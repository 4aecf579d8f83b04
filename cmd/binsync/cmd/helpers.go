package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"binsync/pkg/binsync"
)

// newClient builds a client from the global flags. Callers own Close.
func newClient() (*binsync.Client, error) {
	client, err := binsync.New(binsync.Options{
		Root:    rootDir,
		JSON:    jsonOut,
		Verbose: verbose,
		Quiet:   quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("opening managed tree: %w", err)
	}
	return client, nil
}

// printJSON writes v to stdout as indented JSON. Log lines go to stderr,
// so stdout stays parseable.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// info prints a line unless quiet or JSON mode is active.
func info(format string, args ...any) {
	if !quiet && !jsonOut {
		fmt.Printf(format+"\n", args...)
	}
}

// detail prints a line only in verbose mode.
func detail(format string, args ...any) {
	if verbose && !jsonOut {
		fmt.Printf("  "+format+"\n", args...)
	}
}

// errorf prints an error message to stderr.
func errorf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}

// orDash substitutes a placeholder for empty table cells.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

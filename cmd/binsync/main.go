package main

import (
	"os"

	"binsync/cmd/binsync/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

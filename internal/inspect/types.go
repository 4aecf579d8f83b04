// Package inspect builds the actual-state picture of every managed binary by
// invoking the binary contract: --info for full identity, --version as a
// liveness fallback. State is derived fresh on every run and never cached.
package inspect

import "fmt"

// Status classifies what inspection found at a binary's install path.
type Status string

const (
	// StatusHealthy means the file exists and honored the contract.
	StatusHealthy Status = "healthy"
	// StatusAbsent means no file exists at the install path. Not an error:
	// an absent binary is a legitimate ADD candidate.
	StatusAbsent Status = "absent"
	// StatusCorrupted means the file exists but the contract failed or the
	// output did not match the registered identity.
	StatusCorrupted Status = "corrupted"
)

// State is one binary's observed identity.
type State struct {
	Name            string            `json:"name"`
	Version         string            `json:"version,omitempty"`
	BuildDate       string            `json:"build_date,omitempty"`
	Commit          string            `json:"commit,omitempty"`
	Channel         string            `json:"channel,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Requires        map[string]string `json:"requires,omitempty"`
	InstallPath     string            `json:"install_path"`
	InstalledSHA256 string            `json:"installed_sha256,omitempty"`
	Status          Status            `json:"status"`
	Unmanaged       bool              `json:"unmanaged,omitempty"`
}

// CorruptBinaryError reports a binary that exists on disk but could not be
// identified through the contract. Non-fatal: inspection of the remaining
// binaries continues.
type CorruptBinaryError struct {
	Name string
	Path string
	Err  error
}

func (e *CorruptBinaryError) Error() string {
	return fmt.Sprintf("binary '%s' at %s is corrupted: %v", e.Name, e.Path, e.Err)
}

func (e *CorruptBinaryError) Unwrap() error { return e.Err }

package reconcile

import (
	"time"

	"binsync/internal/diff"
	"binsync/internal/inspect"
	"binsync/internal/rollback"
	"binsync/internal/service"
)

// RunState is one station of the reconciliation state machine.
type RunState string

const (
	StateIdle           RunState = "IDLE"
	StateInspecting     RunState = "INSPECTING"
	StateDiffing        RunState = "DIFFING"
	StateStaging        RunState = "STAGING"
	StateApplying       RunState = "APPLYING"
	StateDone           RunState = "DONE"
	StateRollingBack    RunState = "ROLLING_BACK"
	StateRolledBack     RunState = "ROLLED_BACK"
	StateRollbackFailed RunState = "ROLLBACK_FAILED"
)

// Apply stages within one change, recorded when the change fails.
const (
	StageStopping  = "STOPPING"
	StageSwapping  = "SWAPPING"
	StageVerifying = "VERIFYING"
	StageStarting  = "STARTING"
)

// ChangeOutcome is one changeset entry plus what happened to it. NOOP and
// UNMANAGED entries are reported for the complete picture but never applied.
type ChangeOutcome struct {
	diff.Change
	Applied     bool   `json:"applied"`
	FailedStage string `json:"failed_stage,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report is the machine-readable outcome of one run, consumed by the
// installer and editor UIs that invoke binsync as a subprocess.
type Report struct {
	RunID           string           `json:"run_id"`
	SystemVersion   string           `json:"system_version,omitempty"`
	DryRun          bool             `json:"dry_run,omitempty"`
	Success         bool             `json:"success"`
	States          []RunState       `json:"states"`
	Changes         []ChangeOutcome  `json:"changes,omitempty"`
	CorruptBinaries []string         `json:"corrupt_binaries,omitempty"`
	Error           string           `json:"error,omitempty"`
	Rollback        *rollback.Report `json:"rollback,omitempty"`
	LogPath         string           `json:"log_path,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	FinishedAt      time.Time        `json:"finished_at"`
}

// State returns the station the run ended in.
func (r *Report) State() RunState {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// BinaryStatus is one row of the status summary.
type BinaryStatus struct {
	Name         string         `json:"name"`
	Version      string         `json:"version,omitempty"`
	Channel      string         `json:"channel,omitempty"`
	Status       inspect.Status `json:"status"`
	InstallPath  string         `json:"install_path"`
	Service      string         `json:"service,omitempty"`
	ServiceState service.State  `json:"service_state,omitempty"`
	Unmanaged    bool           `json:"unmanaged,omitempty"`
	Drift        string         `json:"drift,omitempty"`
}

// StatusReport summarizes actual state and drift against the last applied
// manifest, when one is recorded.
type StatusReport struct {
	AppliedSystemVersion string         `json:"applied_system_version,omitempty"`
	Binaries             []BinaryStatus `json:"binaries"`
	CorruptBinaries      []string       `json:"corrupt_binaries,omitempty"`
	Healthy              bool           `json:"healthy"`
}

// InspectReport is the raw contract dump of every known binary.
type InspectReport struct {
	Binaries        []inspect.State `json:"binaries"`
	CorruptBinaries []string        `json:"corrupt_binaries,omitempty"`
}

// CleanupReport counts what cleanup removed.
type CleanupReport struct {
	RunDirsRemoved   int `json:"run_dirs_removed"`
	DownloadsRemoved int `json:"downloads_removed"`
	SnapshotsRemoved int `json:"snapshots_removed"`
}

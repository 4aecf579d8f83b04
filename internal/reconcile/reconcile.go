// Package reconcile drives the end-to-end state machine: inspect actual
// state, diff it against the desired manifest, stage verified bytes, then
// apply change by change under a snapshot that rollback can consume. The
// reconciler touches disk and services only through its collaborators, so
// every piece can be faked in tests.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"binsync/internal/diff"
	"binsync/internal/inspect"
	"binsync/internal/manifest"
	"binsync/internal/pathspec"
	"binsync/internal/registry"
	"binsync/internal/rollback"
	"binsync/internal/runlock"
	"binsync/internal/service"
	"binsync/internal/snapshot"
	"binsync/internal/stage"
	"binsync/internal/swap"
	"binsync/internal/version"
)

// InProgressError rejects a run because another reconciliation already holds
// the run lock. Nothing was changed.
type InProgressError struct {
	Err error
}

func (e *InProgressError) Error() string { return e.Err.Error() }

func (e *InProgressError) Unwrap() error { return e.Err }

// Inspector builds the actual-state picture.
type Inspector interface {
	InspectAll(ctx context.Context, entries []registry.Entry) (map[string]inspect.State, []*inspect.CorruptBinaryError)
	InspectOne(ctx context.Context, entry registry.Entry) (inspect.State, *inspect.CorruptBinaryError)
}

// Differ computes the ordered changeset.
type Differ interface {
	Diff(desired *manifest.Manifest, actual map[string]inspect.State) (diff.ChangeSet, error)
}

// Stager fetches and hash-verifies artifacts without touching the live tree.
type Stager interface {
	StageAll(ctx context.Context, runID string, arts []manifest.Artifact, base string) (map[string]stage.StagedArtifact, error)
	PruneRuns() (int, error)
	PruneDownloads() (int, error)
}

// ServiceController issues bounded stop/start verbs against the SCM.
type ServiceController interface {
	QueryState(name string) service.State
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Start(ctx context.Context, name string, timeout time.Duration) error
}

// Swapper replaces one live binary with its staged bytes.
type Swapper interface {
	Swap(snap *snapshot.Snapshot, artifact, stagedPath, installPath string) error
}

// RollbackManager restores a snapshot.
type RollbackManager interface {
	Restore(ctx context.Context, snap *snapshot.Snapshot) (*rollback.Report, error)
}

type Reconciler struct {
	Paths     *pathspec.PathSpace
	Registry  *registry.Registry
	Inspector Inspector
	Differ    Differ
	Stager    Stager
	Services  ServiceController
	Swapper   Swapper
	Rollback  RollbackManager
	Snapshots *snapshot.Store
	Locker    *runlock.Locker
	Log       zerolog.Logger

	// ServiceTimeout bounds each service stop/start wait. Zero means the
	// service package default.
	ServiceTimeout time.Duration
	// Now is the report clock. Nil means time.Now.
	Now func() time.Time
}

// Options tune one reconciliation run.
type Options struct {
	// RunID lets the caller correlate the report with a log file opened
	// before the run. Empty means a fresh uuid.
	RunID   string
	DryRun  bool
	LogPath string
}

// Reconcile drives one full run against the manifest at manifestPath.
// The returned report is non-nil even on failure.
func (r *Reconciler) Reconcile(ctx context.Context, manifestPath string, opts Options) (*Report, error) {
	report := &Report{
		RunID:     opts.RunID,
		DryRun:    opts.DryRun,
		LogPath:   opts.LogPath,
		StartedAt: r.now(),
	}
	if report.RunID == "" {
		report.RunID = uuid.NewString()
	}
	r.enter(report, StateIdle)

	lock, err := r.Locker.Acquire(report.RunID)
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			err = &InProgressError{Err: err}
		}
		return r.fail(report, err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			r.Log.Warn().Err(err).Msg("releasing run lock failed")
		}
	}()

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return r.fail(report, err)
	}
	report.SystemVersion = m.SystemVersion
	r.Log.Info().
		Str("manifest", manifestPath).
		Str("system_version", m.SystemVersion).
		Str("channel", m.ReleaseChannel).
		Bool("dry_run", opts.DryRun).
		Msg("reconciliation started")

	r.enter(report, StateInspecting)
	entries := r.Registry.Union(manifestEntries(m))
	actual, corrupt := r.Inspector.InspectAll(ctx, entries)
	for _, ce := range corrupt {
		report.CorruptBinaries = append(report.CorruptBinaries, ce.Error())
	}

	r.enter(report, StateDiffing)
	changes, err := r.Differ.Diff(m, actual)
	if err != nil {
		return r.fail(report, err)
	}
	for _, c := range changes {
		report.Changes = append(report.Changes, ChangeOutcome{Change: c})
	}
	effective := changes.Effective()

	if opts.DryRun {
		r.Log.Info().Int("effective_changes", len(effective)).Msg("dry run — stopping after diff")
		return r.succeed(report)
	}
	if len(effective) == 0 {
		r.Log.Info().Msg("no effective changes — host already matches manifest")
		return r.succeed(report)
	}

	r.enter(report, StateStaging)
	arts := make([]manifest.Artifact, 0, len(effective))
	for _, c := range effective {
		a, ok := m.Artifact(c.ArtifactName)
		if !ok {
			return r.fail(report, fmt.Errorf("change for '%s' matches no manifest artifact", c.ArtifactName))
		}
		arts = append(arts, a)
	}
	staged, err := r.Stager.StageAll(ctx, report.RunID, arts, m.ArtifactBase)
	if err != nil {
		// Nothing live has been touched yet; no rollback needed.
		return r.fail(report, err)
	}

	r.enter(report, StateApplying)
	snap, err := r.Snapshots.Create(report.RunID, m.SystemVersion)
	if err != nil {
		return r.fail(report, err)
	}

	applyErr := r.apply(ctx, report, m, snap, effective, staged)
	if applyErr == nil {
		if err := r.Snapshots.Discard(snap); err != nil {
			r.Log.Warn().Err(err).Msg("clearing snapshot marker failed")
		}
		r.recordApplied(m)
		return r.succeed(report)
	}

	r.enter(report, StateRollingBack)
	r.Log.Error().Err(applyErr).Msg("apply failed — rolling back")
	// The trigger may be the operator's interrupt; rollback must still run
	// to completion, so it gets a fresh context.
	rbReport, rbErr := r.Rollback.Restore(context.Background(), snap)
	report.Rollback = rbReport
	report.Error = applyErr.Error()
	report.FinishedAt = r.now()
	if rbErr != nil {
		r.enter(report, StateRollbackFailed)
		return report, errors.Join(applyErr, rbErr)
	}
	r.enter(report, StateRolledBack)
	return report, applyErr
}

// apply walks the effective changes in dependency order. The first failure
// stops the walk; the caller owns the rollback decision.
func (r *Reconciler) apply(ctx context.Context, report *Report, m *manifest.Manifest, snap *snapshot.Snapshot, effective []diff.Change, staged map[string]stage.StagedArtifact) error {
	services := r.serviceIndex(m)

	for _, change := range effective {
		if err := ctx.Err(); err != nil {
			return err
		}
		a, _ := m.Artifact(change.ArtifactName)
		outcome := findOutcome(report, change.ArtifactName)
		err := r.applyChange(ctx, snap, change, a, staged[change.ArtifactName], services[change.ArtifactName], outcome)
		if err != nil {
			outcome.Error = err.Error()
			return err
		}
		outcome.Applied = true
		outcome.FailedStage = ""
	}
	return nil
}

func (r *Reconciler) applyChange(ctx context.Context, snap *snapshot.Snapshot, change diff.Change, a manifest.Artifact, staged stage.StagedArtifact, svcName string, outcome *ChangeOutcome) error {
	log := r.Log.With().Str("artifact", a.Name).Str("kind", string(change.Kind)).Logger()

	wasRunning := false
	if svcName != "" {
		outcome.FailedStage = StageStopping
		wasRunning = r.Services.QueryState(svcName) == service.StateRunning
		rec := snapshot.ServiceRecord{Name: svcName, Artifact: a.Name, WasRunning: wasRunning}
		if err := r.Snapshots.RecordService(snap, rec); err != nil {
			return err
		}
		err := r.Services.Stop(ctx, svcName, r.ServiceTimeout)
		switch {
		case errors.Is(err, service.ErrUnsupported):
			log.Debug().Str("service", svcName).Msg("service control unavailable on this host")
		case err != nil:
			return err
		}
	}

	outcome.FailedStage = StageSwapping
	if staged.Path == "" {
		return fmt.Errorf("no staged artifact for '%s'", a.Name)
	}
	installPath := r.Paths.BinaryPath(a.Name, a.BinaryFilename)
	if err := r.Swapper.Swap(snap, a.Name, staged.Path, installPath); err != nil {
		return err
	}

	// The binary contract, not the filesystem, decides whether the swap
	// worked: the live file must identify as the desired version.
	outcome.FailedStage = StageVerifying
	state, _ := r.Inspector.InspectOne(ctx, registry.Entry{Name: a.Name, Binary: a.BinaryFilename, Service: svcName})
	if state.Status != inspect.StatusHealthy {
		return &swap.VerificationError{Artifact: a.Name, Want: a.Version, Got: string(state.Status)}
	}
	if version.Compare(state.Version, a.Version) != 0 {
		return &swap.VerificationError{Artifact: a.Name, Want: a.Version, Got: state.Version}
	}
	log.Info().Str("version", state.Version).Msg("binary verified against contract")

	if svcName != "" && wasRunning {
		outcome.FailedStage = StageStarting
		err := r.Services.Start(ctx, svcName, r.ServiceTimeout)
		switch {
		case errors.Is(err, service.ErrUnsupported):
		case err != nil:
			return err
		}
	}
	return nil
}

// serviceIndex maps artifact name to owning service, recomputed per run
// from the registry and the manifest.
func (r *Reconciler) serviceIndex(m *manifest.Manifest) map[string]string {
	idx := make(map[string]string)
	for _, e := range r.Registry.Union(manifestEntries(m)) {
		if e.Service != "" {
			idx[e.Name] = e.Service
		}
	}
	return idx
}

func manifestEntries(m *manifest.Manifest) []registry.Entry {
	entries := make([]registry.Entry, 0, len(m.Artifacts))
	for _, a := range m.Artifacts {
		entries = append(entries, registry.Entry{Name: a.Name, Binary: a.BinaryFilename})
	}
	return entries
}

func findOutcome(report *Report, name string) *ChangeOutcome {
	for i := range report.Changes {
		if report.Changes[i].ArtifactName == name {
			return &report.Changes[i]
		}
	}
	report.Changes = append(report.Changes, ChangeOutcome{Change: diff.Change{ArtifactName: name}})
	return &report.Changes[len(report.Changes)-1]
}

func (r *Reconciler) enter(report *Report, s RunState) {
	report.States = append(report.States, s)
	r.Log.Debug().Str("state", string(s)).Msg("state transition")
}

func (r *Reconciler) fail(report *Report, err error) (*Report, error) {
	report.Error = err.Error()
	report.FinishedAt = r.now()
	r.Log.Error().Err(err).Msg("reconciliation failed")
	return report, err
}

func (r *Reconciler) succeed(report *Report) (*Report, error) {
	r.enter(report, StateDone)
	report.Success = true
	report.FinishedAt = r.now()
	r.Log.Info().Str("run_id", report.RunID).Msg("reconciliation complete")
	return report, nil
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

// recordApplied persists the manifest for status drift summaries. Best
// effort: the run already succeeded.
func (r *Reconciler) recordApplied(m *manifest.Manifest) {
	if err := manifest.Save(r.Paths.AppliedManifestPath(), m); err != nil {
		r.Log.Warn().Err(err).Msg("recording applied manifest failed")
	}
}

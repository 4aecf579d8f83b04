package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"binsync/internal/diff"
	"binsync/internal/inspect"
	"binsync/internal/manifest"
	"binsync/internal/registry"
	"binsync/internal/rollback"
	"binsync/internal/runlock"
	"binsync/internal/snapshot"
)

// DefaultSnapshotKeep is how many old snapshots cleanup retains.
const DefaultSnapshotKeep = 3

// Status inspects every known binary and summarizes health, service state,
// and drift against the last applied manifest when one is recorded.
func (r *Reconciler) Status(ctx context.Context) (*StatusReport, error) {
	entries, applied := r.knownEntries()
	actual, corrupt := r.Inspector.InspectAll(ctx, entries)

	report := &StatusReport{Healthy: true}
	for _, ce := range corrupt {
		report.CorruptBinaries = append(report.CorruptBinaries, ce.Error())
	}

	drift := map[string]string{}
	if applied != nil {
		report.AppliedSystemVersion = applied.SystemVersion
		changes, err := r.Differ.Diff(applied, actual)
		if err != nil {
			r.Log.Warn().Err(err).Msg("drift computation against applied manifest failed")
		}
		for _, c := range changes {
			if c.Kind == diff.KindNoop || c.Kind == diff.KindUnmanaged {
				continue
			}
			drift[c.ArtifactName] = driftLabel(c)
		}
	}

	services := map[string]string{}
	for _, e := range entries {
		if e.Service != "" {
			services[e.Name] = e.Service
		}
	}

	for _, name := range sortedStateNames(actual) {
		st := actual[name]
		row := BinaryStatus{
			Name:        st.Name,
			Version:     st.Version,
			Channel:     st.Channel,
			Status:      st.Status,
			InstallPath: st.InstallPath,
			Unmanaged:   st.Unmanaged,
			Drift:       drift[name],
		}
		if svc := services[name]; svc != "" {
			row.Service = svc
			row.ServiceState = r.Services.QueryState(svc)
		}
		if !st.Unmanaged && st.Status != inspect.StatusHealthy {
			report.Healthy = false
		}
		if row.Drift != "" {
			report.Healthy = false
		}
		report.Binaries = append(report.Binaries, row)
	}
	if len(report.CorruptBinaries) > 0 {
		report.Healthy = false
	}
	return report, nil
}

// Inspect returns the raw contract output of every known binary.
func (r *Reconciler) Inspect(ctx context.Context) (*InspectReport, error) {
	entries, _ := r.knownEntries()
	actual, corrupt := r.Inspector.InspectAll(ctx, entries)

	report := &InspectReport{}
	for _, ce := range corrupt {
		report.CorruptBinaries = append(report.CorruptBinaries, ce.Error())
	}
	for _, name := range sortedStateNames(actual) {
		report.Binaries = append(report.Binaries, actual[name])
	}
	return report, nil
}

// GenerateManifest derives a baseline manifest that mirrors the actual state
// of the host, for drift audits or bootstrapping a desired-state file.
func (r *Reconciler) GenerateManifest(ctx context.Context, systemVersion string) (*manifest.Manifest, error) {
	entries, _ := r.knownEntries()
	actual, corrupt := r.Inspector.InspectAll(ctx, entries)
	for _, ce := range corrupt {
		r.Log.Warn().Err(ce).Msg("excluding corrupted binary from generated manifest")
	}
	return manifest.GenerateFromActual(systemVersion, actual), nil
}

// RollbackTo restores the named snapshot, or the latest one when id is
// empty. It takes the run lock: a rollback mutates the live tree just like
// a reconciliation.
func (r *Reconciler) RollbackTo(ctx context.Context, id string) (*rollback.Report, error) {
	lock, err := r.Locker.Acquire(uuid.NewString())
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return nil, &InProgressError{Err: err}
		}
		return nil, err
	}
	defer func() {
		_ = lock.Release()
	}()

	var snap *snapshot.Snapshot
	if id == "" {
		snap, err = r.Snapshots.Latest()
		if err == nil && snap == nil {
			err = errors.New("no snapshots exist — nothing to roll back")
		}
	} else {
		snap, err = r.Snapshots.Load(id)
	}
	if err != nil {
		return nil, err
	}
	return r.Rollback.Restore(ctx, snap)
}

// CleanupOptions select what cleanup prunes.
type CleanupOptions struct {
	Staging   bool
	Snapshots bool
	// Keep is how many old snapshots survive pruning. The newest and the
	// current snapshot always survive.
	Keep int
}

// Cleanup prunes run staging directories, the download cache, and old
// snapshots. It takes the run lock so it never pulls files out from under a
// run in flight.
func (r *Reconciler) Cleanup(opts CleanupOptions) (*CleanupReport, error) {
	lock, err := r.Locker.Acquire(uuid.NewString())
	if err != nil {
		if errors.Is(err, runlock.ErrHeld) {
			return nil, &InProgressError{Err: err}
		}
		return nil, err
	}
	defer func() {
		_ = lock.Release()
	}()

	report := &CleanupReport{}
	if opts.Staging {
		n, err := r.Stager.PruneRuns()
		if err != nil {
			return report, err
		}
		report.RunDirsRemoved = n
		n, err = r.Stager.PruneDownloads()
		if err != nil {
			return report, err
		}
		report.DownloadsRemoved = n
	}
	if opts.Snapshots {
		n, err := r.Snapshots.Prune(opts.Keep)
		if err != nil {
			return report, err
		}
		report.SnapshotsRemoved = n
	}
	return report, nil
}

// knownEntries unions the registry with the last applied manifest, so
// binaries applied under a manifest the registry never listed still count
// as managed.
func (r *Reconciler) knownEntries() ([]registry.Entry, *manifest.Manifest) {
	applied, err := manifest.Load(r.Paths.AppliedManifestPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.Log.Warn().Err(err).Msg("applied manifest unreadable")
		}
		return r.Registry.Binaries, nil
	}
	return r.Registry.Union(manifestEntries(applied)), applied
}

func driftLabel(c diff.Change) string {
	if c.Reason != "" {
		return c.Reason
	}
	if c.FromVersion != "" && c.ToVersion != "" {
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.FromVersion, c.ToVersion)
	}
	if c.ToVersion != "" {
		return fmt.Sprintf("%s %s", c.Kind, c.ToVersion)
	}
	return string(c.Kind)
}

func sortedStateNames(states map[string]inspect.State) []string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

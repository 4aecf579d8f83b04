// Package rollback restores the state captured in a run snapshot: stop the
// services the run touched, put the backed-up binaries back in reverse apply
// order, and restart whatever was running before. Each step is attempted even
// when an earlier one fails, so as much of the prior state as possible comes
// back.
package rollback

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"binsync/internal/pathspec"
	"binsync/internal/service"
	"binsync/internal/snapshot"
)

// RollbackFailedError reports a rollback that could not fully restore the
// prior state. The snapshot stays current so the operator can retry.
type RollbackFailedError struct {
	SnapshotID string
	Failures   []string
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of snapshot '%s' incomplete — manual intervention required:\n  - %s",
		e.SnapshotID, strings.Join(e.Failures, "\n  - "))
}

// ServiceController is the slice of service control rollback needs.
type ServiceController interface {
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Start(ctx context.Context, name string, timeout time.Duration) error
}

// Report summarizes what a rollback did.
type Report struct {
	SnapshotID      string   `json:"snapshot_id"`
	Restored        []string `json:"restored,omitempty"`
	Removed         []string `json:"removed,omitempty"`
	ServicesStarted []string `json:"services_started,omitempty"`
	Failures        []string `json:"failures,omitempty"`
}

type Manager struct {
	Paths     *pathspec.PathSpace
	Snapshots *snapshot.Store
	Services  ServiceController
	Log       zerolog.Logger

	// ServiceTimeout bounds each stop and start wait. Zero means the
	// service package default.
	ServiceTimeout time.Duration
}

func New(paths *pathspec.PathSpace, snapshots *snapshot.Store, services ServiceController, log zerolog.Logger) *Manager {
	return &Manager{Paths: paths, Snapshots: snapshots, Services: services, Log: log}
}

// Restore applies a snapshot. On full success the snapshot is consumed and
// its current marker cleared; on any failure the marker stays so the
// rollback can be retried with `binsync rollback`.
func (m *Manager) Restore(ctx context.Context, snap *snapshot.Snapshot) (*Report, error) {
	report := &Report{SnapshotID: snap.ID}

	m.Log.Warn().Str("snapshot", snap.ID).Int("entries", len(snap.Entries)).Msg("rolling back")

	// Dependents were recorded last; stop them first.
	for i := len(snap.AffectedServices) - 1; i >= 0; i-- {
		rec := snap.AffectedServices[i]
		if err := m.Services.Stop(ctx, rec.Name, m.ServiceTimeout); err != nil && !errors.Is(err, service.ErrUnsupported) {
			report.Failures = append(report.Failures, fmt.Sprintf("stop service '%s': %v", rec.Name, err))
		}
	}

	for i := len(snap.Entries) - 1; i >= 0; i-- {
		entry := snap.Entries[i]
		if err := m.restoreEntry(entry); err != nil {
			report.Failures = append(report.Failures, fmt.Sprintf("restore '%s': %v", entry.ArtifactName, err))
			continue
		}
		if entry.Existed {
			report.Restored = append(report.Restored, entry.ArtifactName)
		} else {
			report.Removed = append(report.Removed, entry.ArtifactName)
		}
	}

	// Dependencies were recorded first; start them first.
	for _, rec := range snap.AffectedServices {
		if !rec.WasRunning {
			continue
		}
		err := m.Services.Start(ctx, rec.Name, m.ServiceTimeout)
		switch {
		case errors.Is(err, service.ErrUnsupported):
		case err != nil:
			report.Failures = append(report.Failures, fmt.Sprintf("start service '%s': %v", rec.Name, err))
		default:
			report.ServicesStarted = append(report.ServicesStarted, rec.Name)
		}
	}

	if len(report.Failures) > 0 {
		return report, &RollbackFailedError{SnapshotID: snap.ID, Failures: report.Failures}
	}

	if err := m.Snapshots.Consume(snap); err != nil {
		return report, fmt.Errorf("clearing snapshot marker after rollback: %w", err)
	}
	m.Log.Info().Str("snapshot", snap.ID).Msg("rollback complete")
	return report, nil
}

func (m *Manager) restoreEntry(entry snapshot.Entry) error {
	// Never write or delete outside the managed bin tree, whatever the
	// snapshot metadata says.
	target, err := m.Paths.ContainsBinary(entry.InstallPath)
	if err != nil {
		return err
	}

	if !entry.Existed {
		err := os.Remove(target)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	if err := copyAtomic(entry.BackedUpPath, target); err != nil {
		return err
	}
	if entry.OriginalSHA256 != "" {
		sum, err := hashFile(target)
		if err != nil {
			return err
		}
		if sum != entry.OriginalSHA256 {
			return fmt.Errorf("restored file hash %s does not match snapshot %s", sum, entry.OriginalSHA256)
		}
	}
	return nil
}

// copyAtomic copies the backup next to the target and renames it into place,
// leaving the backup intact for a retry.
func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".restore-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0755); err != nil {
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return err
	}
	success = true
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

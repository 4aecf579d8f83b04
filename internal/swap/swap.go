// Package swap replaces live binaries with staged ones. The previous file is
// backed up into the run snapshot before anything moves, and the live path
// only changes via a rename, so a failure partway through never leaves a
// half-written binary.
package swap

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"binsync/internal/snapshot"
)

// VerificationError means a swapped binary does not identify as the version
// the manifest requires. The file copy succeeded, but the contract is the
// source of truth, so the swap counts as failed.
type VerificationError struct {
	Artifact string
	Want     string
	Got      string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("post-swap verification of '%s' failed: binary reports %s, manifest requires %s",
		e.Artifact, e.Got, e.Want)
}

type Swapper struct {
	Snapshots *snapshot.Store
	Log       zerolog.Logger
}

func New(snapshots *snapshot.Store, log zerolog.Logger) *Swapper {
	return &Swapper{Snapshots: snapshots, Log: log}
}

// Swap backs up installPath into snap, then moves stagedPath over it.
func (s *Swapper) Swap(snap *snapshot.Snapshot, artifact, stagedPath, installPath string) error {
	entry, err := s.Snapshots.Record(snap, artifact, installPath)
	if err != nil {
		return fmt.Errorf("snapshotting '%s': %w", artifact, err)
	}

	if err := os.MkdirAll(filepath.Dir(installPath), 0755); err != nil {
		return fmt.Errorf("creating install directory for '%s': %w", artifact, err)
	}

	if err := os.Rename(stagedPath, installPath); err != nil {
		// Staging may live on another volume, where rename cannot cross.
		// Copy into the destination directory first, then rename within it.
		if err := s.copyThenRename(stagedPath, installPath); err != nil {
			return fmt.Errorf("swapping '%s': %w", artifact, err)
		}
		_ = os.Remove(stagedPath)
	}

	s.Log.Info().
		Str("artifact", artifact).
		Str("path", installPath).
		Bool("replaced", entry.Existed).
		Msg("binary swapped")
	return nil
}

func (s *Swapper) copyThenRename(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".swap-*")
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

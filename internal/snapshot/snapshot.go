// Package snapshot stores pre-swap backups of live binaries and the services
// a run touched, so rollback can restore the exact prior state. Metadata is
// persisted after every record, so a crash mid-run still leaves a usable
// snapshot on disk.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"binsync/internal/pathspec"
)

// Entry records one artifact's live file as it was before the swap.
type Entry struct {
	ArtifactName   string `json:"artifact_name"`
	InstallPath    string `json:"install_path"`
	BackedUpPath   string `json:"backed_up_path,omitempty"`
	OriginalSHA256 string `json:"original_sha256,omitempty"`
	// Existed is false for ADDs: nothing lived at the install path, and
	// rollback removes whatever the run put there.
	Existed bool `json:"existed"`
}

// ServiceRecord notes one service affected by the run and whether it was
// running before the run touched it. Only those are restarted on rollback.
type ServiceRecord struct {
	Name       string `json:"name"`
	Artifact   string `json:"artifact"`
	WasRunning bool   `json:"was_running"`
}

// Snapshot is the point-in-time backup of one reconciliation run.
type Snapshot struct {
	ID               string          `json:"snapshot_id"`
	CreatedAt        time.Time       `json:"created_at"`
	SystemVersion    string          `json:"system_version,omitempty"`
	Entries          []Entry         `json:"entries"`
	AffectedServices []ServiceRecord `json:"affected_services"`

	Dir string `json:"-"`
}

const (
	metadataFile  = "snapshot.json"
	currentMarker = "CURRENT"
)

// Store manages the snapshot directory.
type Store struct {
	Paths *pathspec.PathSpace
	Log   zerolog.Logger
}

func New(paths *pathspec.PathSpace, log zerolog.Logger) *Store {
	return &Store{Paths: paths, Log: log}
}

// Create opens a new snapshot for a run and marks it current. At most one
// current snapshot exists; it stays current until discarded on success or
// consumed by rollback.
func (s *Store) Create(runID, systemVersion string) (*Snapshot, error) {
	snap := &Snapshot{
		ID:            runID,
		CreatedAt:     time.Now().UTC(),
		SystemVersion: systemVersion,
		Dir:           s.Paths.SnapshotDir(runID),
	}

	if err := os.MkdirAll(filepath.Join(snap.Dir, "files"), 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory: %w", err)
	}
	if err := s.persist(snap); err != nil {
		return nil, err
	}
	if err := s.setCurrent(snap.ID); err != nil {
		return nil, err
	}

	s.Log.Info().Str("snapshot", snap.ID).Msg("snapshot created")
	return snap, nil
}

// Record backs up the live file at installPath into the snapshot before it
// is replaced. For an ADD, where nothing exists yet, the entry records that
// so rollback deletes the added file.
func (s *Store) Record(snap *Snapshot, artifactName, installPath string) (Entry, error) {
	e := Entry{ArtifactName: artifactName, InstallPath: installPath}

	if _, err := os.Stat(installPath); os.IsNotExist(err) {
		snap.Entries = append(snap.Entries, e)
		return e, s.persist(snap)
	} else if err != nil {
		return Entry{}, fmt.Errorf("inspecting %s before backup: %w", installPath, err)
	}

	backup := filepath.Join(snap.Dir, "files", artifactName, filepath.Base(installPath))
	if err := os.MkdirAll(filepath.Dir(backup), 0755); err != nil {
		return Entry{}, fmt.Errorf("creating backup directory: %w", err)
	}

	sum, err := copyAndHash(installPath, backup)
	if err != nil {
		return Entry{}, fmt.Errorf("backing up %s: %w", installPath, err)
	}

	e.BackedUpPath = backup
	e.OriginalSHA256 = sum
	e.Existed = true
	snap.Entries = append(snap.Entries, e)
	return e, s.persist(snap)
}

// RecordService notes an affected service. Idempotent per service name.
func (s *Store) RecordService(snap *Snapshot, record ServiceRecord) error {
	for _, existing := range snap.AffectedServices {
		if existing.Name == record.Name {
			return nil
		}
	}
	snap.AffectedServices = append(snap.AffectedServices, record)
	return s.persist(snap)
}

// Discard clears the current marker after a successful run. The snapshot
// files stay on disk for manual recovery until cleanup prunes them.
func (s *Store) Discard(snap *Snapshot) error {
	current, err := s.Current()
	if err != nil {
		return err
	}
	if current != snap.ID {
		return nil
	}
	return s.clearCurrent()
}

// Consume clears the current marker after a successful rollback. A failed
// rollback leaves the marker alone so the operator can retry.
func (s *Store) Consume(snap *Snapshot) error {
	return s.Discard(snap)
}

// Current returns the snapshot id named by the current marker, or "".
func (s *Store) Current() (string, error) {
	data, err := os.ReadFile(filepath.Join(s.Paths.Snapshots, currentMarker))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading current snapshot marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Load reads one snapshot by id.
func (s *Store) Load(id string) (*Snapshot, error) {
	dir := s.Paths.SnapshotDir(id)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("reading snapshot '%s': %w", id, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot '%s': %w", id, err)
	}
	snap.Dir = dir
	return &snap, nil
}

// Latest returns the most recent snapshot, or nil when none exist.
func (s *Store) Latest() (*Snapshot, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}
	return snaps[0], nil
}

// List returns all snapshots, newest first. Directories without readable
// metadata are skipped with a warning.
func (s *Store) List() ([]*Snapshot, error) {
	entries, err := os.ReadDir(s.Paths.Snapshots)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}

	var snaps []*Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		snap, err := s.Load(e.Name())
		if err != nil {
			s.Log.Warn().Str("snapshot", e.Name()).Err(err).Msg("skipping unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
	return snaps, nil
}

// Prune removes old snapshots, keeping the newest keep of them. The newest
// snapshot and the current one are never removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	snaps, err := s.List()
	if err != nil {
		return 0, err
	}
	current, err := s.Current()
	if err != nil {
		return 0, err
	}

	removed := 0
	for i, snap := range snaps {
		if i == 0 || i < keep || snap.ID == current {
			continue
		}
		if err := os.RemoveAll(snap.Dir); err != nil {
			return removed, fmt.Errorf("removing snapshot '%s': %w", snap.ID, err)
		}
		s.Log.Info().Str("snapshot", snap.ID).Msg("snapshot pruned")
		removed++
	}
	return removed, nil
}

func (s *Store) persist(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}
	data = append(data, '\n')

	path := filepath.Join(snap.Dir, metadataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing snapshot metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming snapshot metadata: %w", err)
	}
	return nil
}

func (s *Store) setCurrent(id string) error {
	path := filepath.Join(s.Paths.Snapshots, currentMarker)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0644); err != nil {
		return fmt.Errorf("writing current snapshot marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("renaming current snapshot marker: %w", err)
	}
	return nil
}

func (s *Store) clearCurrent() error {
	err := os.Remove(filepath.Join(s.Paths.Snapshots, currentMarker))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// copyAndHash streams src into dst, returning the SHA-256 of the bytes.
func copyAndHash(src, dst string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

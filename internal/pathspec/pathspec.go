// Package pathspec resolves and creates the fixed directory layout that
// every other component works inside: the live binary tree, logs, config,
// and the staging area with its download cache and snapshots.
package pathspec

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// PathSpace holds the resolved directory tree for one host.
type PathSpace struct {
	Root      string // e.g. %LOCALAPPDATA%\binsync or ~/.local/share/binsync
	Bin       string // live binary tree: bin/<artifact>/<binary>
	Logs      string // run logs: logs/binsync/
	Config    string // registry.yaml, applied.json
	Staging   string // scratch space, never part of the live tree
	Downloads string // content-addressed verified artifact cache
	Runs      string // per-run staging directories
	Snapshots string // pre-swap backups for rollback
}

// New resolves the tree root and creates the full layout. Resolution order:
// explicit override (--root flag), the BINSYNC_HOME environment variable,
// then the platform default.
func New(rootOverride string) (*PathSpace, error) {
	root := rootOverride
	if root == "" {
		root = os.Getenv("BINSYNC_HOME")
	}
	if root == "" {
		var err error
		root, err = defaultRoot()
		if err != nil {
			return nil, err
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root %s: %w", root, err)
	}

	p := &PathSpace{
		Root:      abs,
		Bin:       filepath.Join(abs, "bin"),
		Logs:      filepath.Join(abs, "logs", "binsync"),
		Config:    filepath.Join(abs, "config"),
		Staging:   filepath.Join(abs, "staging"),
		Downloads: filepath.Join(abs, "staging", "downloads"),
		Runs:      filepath.Join(abs, "staging", "runs"),
		Snapshots: filepath.Join(abs, "staging", "snapshots"),
	}

	for _, dir := range []string{p.Bin, p.Logs, p.Config, p.Downloads, p.Runs, p.Snapshots} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	return p, nil
}

// defaultRoot returns the per-platform tree root used when no override is given.
func defaultRoot() (string, error) {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			return "", fmt.Errorf("LOCALAPPDATA environment variable not set")
		}
		return filepath.Join(localAppData, "binsync"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "binsync"), nil
	}
	return filepath.Join(home, ".local", "share", "binsync"), nil
}

// BinaryPath returns the live path of a managed binary: bin/<artifact>/<binary>.
func (p *PathSpace) BinaryPath(artifact, binary string) string {
	return filepath.Join(p.Bin, artifact, binary)
}

// RunStagingDir returns the per-run staging directory for a run ID.
func (p *PathSpace) RunStagingDir(runID string) string {
	return filepath.Join(p.Runs, runID)
}

// SnapshotDir returns the directory holding one snapshot's backups and metadata.
func (p *PathSpace) SnapshotDir(snapshotID string) string {
	return filepath.Join(p.Snapshots, snapshotID)
}

// DownloadPath returns the content-addressed cache path for a verified artifact.
func (p *PathSpace) DownloadPath(sha256 string) string {
	if len(sha256) < 2 {
		return filepath.Join(p.Downloads, sha256)
	}
	return filepath.Join(p.Downloads, sha256[:2], sha256)
}

// RegistryPath returns the path of the binary registry config file.
func (p *PathSpace) RegistryPath() string {
	return filepath.Join(p.Config, "registry.yaml")
}

// AppliedManifestPath returns where the last successfully applied manifest is recorded.
func (p *PathSpace) AppliedManifestPath() string {
	return filepath.Join(p.Config, "applied.json")
}

// LockPath returns the path of the exclusive run lock file.
func (p *PathSpace) LockPath() string {
	return filepath.Join(p.Staging, "binsync.lock")
}

// ContainsBinary reports whether target resolves to a path inside the live
// binary tree. Restore and remove operations must refuse paths outside it.
func (p *PathSpace) ContainsBinary(target string) (string, error) {
	return containedIn(p.Bin, target)
}

// containedIn resolves target and verifies it sits under root. It returns the
// resolved absolute path or an error naming both paths.
func containedIn(root, target string) (string, error) {
	realRoot, err := resolveExistingPath(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}

	abs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", target, err)
	}
	resolved, err := resolveExistingPath(filepath.Clean(abs))
	if err != nil {
		return "", fmt.Errorf("resolving path %s: %w", target, err)
	}

	// Trailing separator avoids prefix-matching "bin2" against "bin".
	prefix := realRoot + string(filepath.Separator)
	if resolved != realRoot && !strings.HasPrefix(resolved, prefix) {
		return "", fmt.Errorf("path '%s' resolves to '%s' outside the binary tree '%s'", target, resolved, realRoot)
	}

	return resolved, nil
}

// resolveExistingPath resolves symlinks for the longest existing prefix of the
// path, then appends the non-existing suffix. Handles paths not yet created.
func resolveExistingPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(path)
	if dir == path {
		return path, nil
	}

	resolvedDir, err := resolveExistingPath(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(resolvedDir, filepath.Base(path)), nil
}

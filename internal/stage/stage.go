// Package stage fetches candidate artifacts into a per-run staging area and
// verifies their content hashes before anything live is touched. Staging is
// side-effect-free with respect to the running system.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"binsync/internal/manifest"
	"binsync/internal/pathspec"
)

const (
	// DefaultAttempts bounds fetch retries per artifact. The reconciler
	// itself never retries; this is the stager's only retry budget.
	DefaultAttempts = 3
	// DefaultBackoff is the base delay between attempts.
	DefaultBackoff = 500 * time.Millisecond
)

// Error represents a staging failure for one artifact.
type Error struct {
	Artifact  string
	Operation string
	Err       error
	Hint      string
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("staging '%s': %s failed: %s", e.Artifact, e.Operation, e.Err)
	if e.Hint != "" {
		msg += " — " + e.Hint
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HashMismatchError means fetched content does not match the manifest's
// hash. The staged file is kept for post-mortem; the live tree is untouched.
type HashMismatchError struct {
	Artifact string
	Path     string
	Expected string
	Actual   string
}

func (e *HashMismatchError) Error() string {
	return fmt.Sprintf("hash mismatch for artifact '%s': manifest declares %s, staged content is %s (kept at %s)",
		e.Artifact, e.Expected, e.Actual, e.Path)
}

// StagedArtifact is one hash-verified binary waiting in the staging area.
type StagedArtifact struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Stager fetches and verifies artifacts.
type Stager struct {
	Paths    *pathspec.PathSpace
	Fetchers *Registry
	Cache    *Cache
	Log      zerolog.Logger
	Attempts int
	Backoff  time.Duration
}

// New builds a Stager with the local and https fetchers registered.
func New(paths *pathspec.PathSpace, log zerolog.Logger) *Stager {
	r := NewRegistry()
	r.Register("file", LocalFetcher{})
	r.Register("http", &HTTPFetcher{})
	r.Register("https", &HTTPFetcher{})

	return &Stager{
		Paths:    paths,
		Fetchers: r,
		Cache:    NewCache(paths.Downloads),
		Log:      log,
		Attempts: DefaultAttempts,
		Backoff:  DefaultBackoff,
	}
}

// Stage fetches one artifact into staging/runs/<runID>/<name>/<binary> and
// verifies its hash. base is the directory or URL prefix relative sources
// resolve against, normally derived from the manifest's location.
func (s *Stager) Stage(ctx context.Context, runID string, a manifest.Artifact, base string) (StagedArtifact, error) {
	dest := filepath.Join(s.Paths.RunStagingDir(runID), a.Name, a.BinaryFilename)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return StagedArtifact{}, &Error{Artifact: a.Name, Operation: "stage", Err: err}
	}

	if cached, ok, err := s.Cache.Get(a.SHA256); err == nil && ok {
		if err := atomicCopy(cached, dest); err == nil {
			s.Log.Debug().Str("artifact", a.Name).Str("sha256", a.SHA256).Msg("staged from download cache")
			return StagedArtifact{Name: a.Name, Path: dest, SHA256: a.SHA256}, nil
		}
	}

	source, err := resolveSource(a, base)
	if err != nil {
		return StagedArtifact{}, err
	}
	fetcher, err := s.Fetchers.For(source)
	if err != nil {
		return StagedArtifact{}, &Error{Artifact: a.Name, Operation: "stage", Err: err}
	}

	attempts := s.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	backoff := s.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return StagedArtifact{}, &Error{Artifact: a.Name, Operation: "stage", Err: ctx.Err()}
			case <-time.After(backoff * time.Duration(attempt-1)):
			}
		}

		if err := fetcher.Fetch(ctx, source, dest); err != nil {
			lastErr = &Error{Artifact: a.Name, Operation: "fetch", Err: err, Hint: "check that the artifact source is reachable"}
			s.Log.Warn().Str("artifact", a.Name).Str("source", source).Int("attempt", attempt).Err(err).Msg("fetch failed")
			continue
		}

		sum, err := hashFile(dest)
		if err != nil {
			lastErr = &Error{Artifact: a.Name, Operation: "verify", Err: err}
			continue
		}
		if sum != a.SHA256 {
			// A torn download also lands here, so the retry budget applies.
			lastErr = &HashMismatchError{Artifact: a.Name, Path: dest, Expected: a.SHA256, Actual: sum}
			s.Log.Warn().Str("artifact", a.Name).Int("attempt", attempt).
				Str("expected", a.SHA256).Str("actual", sum).Msg("staged content hash mismatch")
			continue
		}

		if err := s.Cache.Put(a.SHA256, dest); err != nil {
			s.Log.Warn().Str("artifact", a.Name).Err(err).Msg("could not cache verified artifact")
		}
		s.Log.Info().Str("artifact", a.Name).Str("version", a.Version).Msg("staged and verified")
		return StagedArtifact{Name: a.Name, Path: dest, SHA256: sum}, nil
	}

	return StagedArtifact{}, lastErr
}

// StageAll stages every artifact before anything live is touched. The first
// failure aborts the run; nothing has been mutated yet, so there is nothing
// to roll back.
func (s *Stager) StageAll(ctx context.Context, runID string, arts []manifest.Artifact, base string) (map[string]StagedArtifact, error) {
	staged := make(map[string]StagedArtifact, len(arts))
	for _, a := range arts {
		sa, err := s.Stage(ctx, runID, a, base)
		if err != nil {
			return staged, err
		}
		staged[a.Name] = sa
	}
	return staged, nil
}

// PruneRuns removes per-run staging directories and returns how many went.
// Callers hold the run lock, so none of them is in use.
func (s *Stager) PruneRuns() (int, error) {
	entries, err := os.ReadDir(s.Paths.Runs)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.Paths.Runs, e.Name())); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// PruneDownloads empties the download cache.
func (s *Stager) PruneDownloads() (int, error) {
	return s.Cache.Prune()
}

// resolveSource names where the artifact's bytes come from: the artifact's
// own source when set, else its filename, resolved against base unless
// already absolute or a URL.
func resolveSource(a manifest.Artifact, base string) (string, error) {
	src := a.Source
	if src == "" {
		src = a.BinaryFilename
	}

	if schemeOf(src) != "file" || filepath.IsAbs(src) {
		return src, nil
	}
	if base == "" {
		return "", &Error{
			Artifact:  a.Name,
			Operation: "resolve",
			Err:       fmt.Errorf("relative source '%s' with nothing to resolve it against", src),
			Hint:      "set 'source' on the artifact or 'artifact_base' on the manifest",
		}
	}
	if schemeOf(base) != "file" {
		return strings.TrimSuffix(base, "/") + "/" + path.Clean(src), nil
	}
	return filepath.Join(strings.TrimPrefix(base, "file://"), src), nil
}

// hashFile computes the lowercase hex SHA-256 of a file's content.
func hashFile(p string) (string, error) {
	f, err := os.Open(p)
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

// atomicCopy copies src into dst's directory under a temp name, syncs, then
// renames into place so dst is never observed half-written.
func atomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".stage-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("copying to temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0755); err != nil {
		return fmt.Errorf("marking temp file executable: %w", err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	success = true
	return nil
}

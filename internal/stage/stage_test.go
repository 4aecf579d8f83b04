package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"binsync/internal/manifest"
	"binsync/internal/pathspec"
)

func sumOf(content string) string {
	h := sha256.Sum256([]byte(content))
	return hex.EncodeToString(h[:])
}

func newTestStager(t *testing.T) *Stager {
	t.Helper()
	paths, err := pathspec.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	s := New(paths, zerolog.Nop())
	s.Backoff = time.Millisecond
	return s
}

func writeSourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.bin")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStageLocalSource(t *testing.T) {
	s := newTestStager(t)
	src := writeSourceFile(t, "brain-v2.5-bytes")

	a := manifest.Artifact{
		Name: "brain", BinaryFilename: "brain.exe",
		Version: "2.5.0", SHA256: sumOf("brain-v2.5-bytes"), Source: src,
	}

	staged, err := s.Stage(context.Background(), "run-1", a, "")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}

	want := filepath.Join(s.Paths.RunStagingDir("run-1"), "brain", "brain.exe")
	if staged.Path != want {
		t.Errorf("staged path = %s, want %s", staged.Path, want)
	}
	data, err := os.ReadFile(staged.Path)
	if err != nil {
		t.Fatalf("reading staged file: %v", err)
	}
	if string(data) != "brain-v2.5-bytes" {
		t.Error("staged content differs from source")
	}

	// Verified bytes enter the download cache.
	if cached, ok, _ := s.Cache.Get(a.SHA256); !ok {
		t.Error("expected verified artifact in download cache")
	} else if !strings.HasPrefix(filepath.Base(filepath.Dir(cached)), a.SHA256[:2]) {
		t.Errorf("expected sharded cache path, got %s", cached)
	}
}

func TestStageHashMismatchKeepsStagedFile(t *testing.T) {
	s := newTestStager(t)
	s.Attempts = 2
	src := writeSourceFile(t, "tampered-bytes")

	a := manifest.Artifact{
		Name: "brain", BinaryFilename: "brain.exe",
		Version: "2.5.0", SHA256: sumOf("expected-bytes"), Source: src,
	}

	_, err := s.Stage(context.Background(), "run-1", a, "")
	if err == nil {
		t.Fatal("expected HashMismatchError")
	}
	var hmErr *HashMismatchError
	if !errors.As(err, &hmErr) {
		t.Fatalf("expected *HashMismatchError, got %T: %v", err, err)
	}
	if hmErr.Expected != a.SHA256 || hmErr.Actual != sumOf("tampered-bytes") {
		t.Errorf("mismatch fields wrong: %+v", hmErr)
	}

	// The staging area stays non-empty for post-mortem.
	if _, statErr := os.Stat(hmErr.Path); statErr != nil {
		t.Errorf("staged file must be kept after mismatch: %v", statErr)
	}
	// Nothing entered the cache.
	if _, ok, _ := s.Cache.Get(a.SHA256); ok {
		t.Error("mismatched content must never enter the download cache")
	}
}

// flakyFetcher fails a fixed number of times before succeeding.
type flakyFetcher struct {
	failures int
	content  string
	calls    int
}

func (f *flakyFetcher) Fetch(_ context.Context, _, dest string) error {
	f.calls++
	if f.calls <= f.failures {
		return fmt.Errorf("transient failure %d", f.calls)
	}
	return os.WriteFile(dest, []byte(f.content), 0755)
}

func TestStageRetriesTransientFailures(t *testing.T) {
	s := newTestStager(t)
	flaky := &flakyFetcher{failures: 2, content: "payload"}
	s.Fetchers.Register("flaky", flaky)

	a := manifest.Artifact{
		Name: "relay", BinaryFilename: "relay.exe",
		Version: "1.0.0", SHA256: sumOf("payload"), Source: "flaky://anywhere",
	}

	staged, err := s.Stage(context.Background(), "run-1", a, "")
	if err != nil {
		t.Fatalf("Stage() error = %v after %d calls", err, flaky.calls)
	}
	if flaky.calls != 3 {
		t.Errorf("expected 3 fetch attempts, got %d", flaky.calls)
	}
	if staged.SHA256 != a.SHA256 {
		t.Error("staged hash mismatch")
	}
}

func TestStageAttemptsExhausted(t *testing.T) {
	s := newTestStager(t)
	s.Attempts = 2
	flaky := &flakyFetcher{failures: 99}
	s.Fetchers.Register("flaky", flaky)

	a := manifest.Artifact{
		Name: "relay", BinaryFilename: "relay.exe",
		Version: "1.0.0", SHA256: sumOf("x"), Source: "flaky://anywhere",
	}

	_, err := s.Stage(context.Background(), "run-1", a, "")
	var serr *Error
	if !errors.As(err, &serr) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if flaky.calls != 2 {
		t.Errorf("expected exactly 2 attempts, got %d", flaky.calls)
	}
}

func TestStageUsesDownloadCache(t *testing.T) {
	s := newTestStager(t)
	hash := sumOf("cached-bytes")

	seed := writeSourceFile(t, "cached-bytes")
	if err := s.Cache.Put(hash, seed); err != nil {
		t.Fatal(err)
	}

	// Source deliberately points nowhere: a cache hit must not fetch.
	a := manifest.Artifact{
		Name: "brain", BinaryFilename: "brain.exe",
		Version: "2.5.0", SHA256: hash,
		Source: filepath.Join(t.TempDir(), "does-not-exist.bin"),
	}

	staged, err := s.Stage(context.Background(), "run-1", a, "")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	data, _ := os.ReadFile(staged.Path)
	if string(data) != "cached-bytes" {
		t.Error("expected staged bytes from cache")
	}
}

func TestCacheSelfHealsCorruptEntry(t *testing.T) {
	s := newTestStager(t)
	hash := sumOf("good-bytes")

	// Corrupt entry planted under the right key.
	path := filepath.Join(s.Paths.Downloads, hash[:2], hash)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("rotten"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := s.Cache.Get(hash); err != nil || ok {
		t.Errorf("corrupt entry must read as a miss, got ok=%v err=%v", ok, err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("corrupt entry must be removed")
	}
}

type fakeHTTPClient struct {
	status int
	body   string
	err    error
}

func (f *fakeHTTPClient) Do(*http.Request) (*http.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
	}, nil
}

func TestStageHTTPSource(t *testing.T) {
	s := newTestStager(t)
	s.Fetchers.Register("https", &HTTPFetcher{Client: &fakeHTTPClient{status: 200, body: "remote-bytes"}})

	a := manifest.Artifact{
		Name: "brain", BinaryFilename: "brain.exe",
		Version: "2.5.0", SHA256: sumOf("remote-bytes"),
		Source: "https://artifacts.example.com/brain.exe",
	}

	staged, err := s.Stage(context.Background(), "run-1", a, "")
	if err != nil {
		t.Fatalf("Stage() error = %v", err)
	}
	data, _ := os.ReadFile(staged.Path)
	if string(data) != "remote-bytes" {
		t.Error("expected remote bytes staged")
	}
}

func TestStageHTTPErrorStatus(t *testing.T) {
	s := newTestStager(t)
	s.Attempts = 1
	s.Fetchers.Register("https", &HTTPFetcher{Client: &fakeHTTPClient{status: 404, body: "nope"}})

	a := manifest.Artifact{
		Name: "brain", BinaryFilename: "brain.exe",
		Version: "2.5.0", SHA256: sumOf("x"),
		Source: "https://artifacts.example.com/brain.exe",
	}

	_, err := s.Stage(context.Background(), "run-1", a, "")
	if err == nil || !strings.Contains(err.Error(), "HTTP 404") {
		t.Errorf("expected HTTP 404 failure, got %v", err)
	}
}

func TestResolveSource(t *testing.T) {
	base := t.TempDir()
	tests := []struct {
		name    string
		a       manifest.Artifact
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "explicit url source",
			a:    manifest.Artifact{Name: "a", Source: "https://x/y.exe"},
			want: "https://x/y.exe",
		},
		{
			name: "explicit absolute source",
			a:    manifest.Artifact{Name: "a", Source: filepath.Join(base, "y.exe")},
			want: filepath.Join(base, "y.exe"),
		},
		{
			name: "filename against local base",
			a:    manifest.Artifact{Name: "a", BinaryFilename: "a.exe"},
			base: base,
			want: filepath.Join(base, "a.exe"),
		},
		{
			name: "filename against url base",
			a:    manifest.Artifact{Name: "a", BinaryFilename: "a.exe"},
			base: "https://artifacts.example.com/v2/",
			want: "https://artifacts.example.com/v2/a.exe",
		},
		{
			name: "relative source against local base",
			a:    manifest.Artifact{Name: "a", Source: "blobs/a.exe"},
			base: base,
			want: filepath.Join(base, "blobs", "a.exe"),
		},
		{
			name:    "relative with no base",
			a:       manifest.Artifact{Name: "a", BinaryFilename: "a.exe"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolveSource(tt.a, tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolveSource() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("resolveSource() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestStageAllAbortsOnFirstFailure(t *testing.T) {
	s := newTestStager(t)
	s.Attempts = 1

	good := writeSourceFile(t, "good")
	arts := []manifest.Artifact{
		{Name: "a", BinaryFilename: "a.exe", Version: "1.0.0", SHA256: sumOf("good"), Source: good},
		{Name: "b", BinaryFilename: "b.exe", Version: "1.0.0", SHA256: sumOf("never"), Source: filepath.Join(t.TempDir(), "missing.bin")},
		{Name: "c", BinaryFilename: "c.exe", Version: "1.0.0", SHA256: sumOf("good"), Source: good},
	}

	staged, err := s.StageAll(context.Background(), "run-1", arts, "")
	if err == nil {
		t.Fatal("expected StageAll to fail on b")
	}
	if len(staged) != 1 {
		t.Errorf("expected only a staged before abort, got %d", len(staged))
	}
	if _, ok := staged["a"]; !ok {
		t.Error("expected a to be staged")
	}
}

func TestPruneRunsAndDownloads(t *testing.T) {
	s := newTestStager(t)
	src := writeSourceFile(t, "bytes")

	a := manifest.Artifact{Name: "a", BinaryFilename: "a.exe", Version: "1.0.0", SHA256: sumOf("bytes"), Source: src}
	if _, err := s.Stage(context.Background(), "run-1", a, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Stage(context.Background(), "run-2", a, ""); err != nil {
		t.Fatal(err)
	}

	runs, err := s.PruneRuns()
	if err != nil {
		t.Fatalf("PruneRuns() error = %v", err)
	}
	if runs != 2 {
		t.Errorf("PruneRuns() = %d, want 2", runs)
	}

	downloads, err := s.PruneDownloads()
	if err != nil {
		t.Fatalf("PruneDownloads() error = %v", err)
	}
	if downloads != 1 {
		t.Errorf("PruneDownloads() = %d, want 1", downloads)
	}
	if _, ok, _ := s.Cache.Get(a.SHA256); ok {
		t.Error("cache must be empty after prune")
	}
}

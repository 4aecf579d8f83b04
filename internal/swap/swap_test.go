package swap

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/rs/zerolog"

	"binsync/internal/pathspec"
	"binsync/internal/snapshot"
)

func newTestSwapper(t *testing.T) (*Swapper, *snapshot.Store, *snapshot.Snapshot) {
	t.Helper()
	paths, err := pathspec.New(t.TempDir())
	if err != nil {
		t.Fatalf("pathspec.New: %v", err)
	}
	store := snapshot.New(paths, zerolog.Nop())
	snap, err := store.Create("run-1", "1.0.0")
	if err != nil {
		t.Fatalf("Create snapshot: %v", err)
	}
	return New(store, zerolog.Nop()), store, snap
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0755); err != nil {
		t.Fatal(err)
	}
}

func TestSwapReplacesAndBacksUp(t *testing.T) {
	swapper, store, snap := newTestSwapper(t)
	dir := t.TempDir()

	staged := filepath.Join(dir, "staged", "brain.exe")
	live := filepath.Join(dir, "bin", "brain", "brain.exe")
	writeFile(t, staged, "new brain")
	writeFile(t, live, "old brain")

	if err := swapper.Swap(snap, "brain", staged, live); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	got, err := os.ReadFile(live)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new brain" {
		t.Errorf("live content = %q, want %q", got, "new brain")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged file still present after swap")
	}

	loaded, err := store.Load(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Entries) != 1 {
		t.Fatalf("snapshot entries = %d, want 1", len(loaded.Entries))
	}
	entry := loaded.Entries[0]
	if !entry.Existed {
		t.Error("entry.Existed = false, want true")
	}
	backed, err := os.ReadFile(entry.BackedUpPath)
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(backed) != "old brain" {
		t.Errorf("backup = %q, want the pre-swap content", backed)
	}
}

func TestSwapAddCreatesInstallDir(t *testing.T) {
	swapper, store, snap := newTestSwapper(t)
	dir := t.TempDir()

	staged := filepath.Join(dir, "staged", "relay.exe")
	live := filepath.Join(dir, "bin", "relay", "relay.exe")
	writeFile(t, staged, "fresh relay")

	if err := swapper.Swap(snap, "relay", staged, live); err != nil {
		t.Fatalf("Swap: %v", err)
	}

	got, err := os.ReadFile(live)
	if err != nil {
		t.Fatalf("live file missing after ADD swap: %v", err)
	}
	if string(got) != "fresh relay" {
		t.Errorf("live content = %q, want %q", got, "fresh relay")
	}

	loaded, _ := store.Load(snap.ID)
	if len(loaded.Entries) != 1 || loaded.Entries[0].Existed {
		t.Errorf("snapshot should record a non-existing prior file, got %+v", loaded.Entries)
	}
}

func TestSwapFailureLeavesLiveUntouched(t *testing.T) {
	swapper, _, snap := newTestSwapper(t)
	dir := t.TempDir()

	live := filepath.Join(dir, "bin", "brain", "brain.exe")
	writeFile(t, live, "old brain")

	missing := filepath.Join(dir, "staged", "gone.exe")
	if err := swapper.Swap(snap, "brain", missing, live); err == nil {
		t.Fatal("Swap succeeded with a missing staged file")
	}

	got, err := os.ReadFile(live)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "old brain" {
		t.Errorf("live content = %q after failed swap, want %q", got, "old brain")
	}
}

func TestCopyThenRename(t *testing.T) {
	swapper, _, _ := newTestSwapper(t)
	dir := t.TempDir()

	src := filepath.Join(dir, "src.exe")
	dst := filepath.Join(dir, "dst", "dst.exe")
	writeFile(t, src, "payload")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		t.Fatal(err)
	}

	if err := swapper.copyThenRename(src, dst); err != nil {
		t.Fatalf("copyThenRename: %v", err)
	}

	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Errorf("copied content = %q, want %q", got, "payload")
	}

	if runtime.GOOS != "windows" {
		info, err := os.Stat(dst)
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode().Perm()&0111 == 0 {
			t.Errorf("copied file is not executable: %v", info.Mode())
		}
	}

	entries, err := os.ReadDir(filepath.Dir(dst))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("destination dir has %d entries, want 1 (no temp residue)", len(entries))
	}
}

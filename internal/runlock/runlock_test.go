package runlock

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// deadPID is far above the default pid range on every supported platform.
const deadPID = 999999999

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "binsync.lock"), zerolog.Nop())
}

func TestAcquireWritesHolderInfo(t *testing.T) {
	locker := newTestLocker(t)

	lock, err := locker.Acquire("run-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	holder, err := locker.Holder()
	if err != nil {
		t.Fatalf("Holder: %v", err)
	}
	if holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d, want %d", holder.PID, os.Getpid())
	}
	if holder.RunID != "run-1" {
		t.Errorf("holder run_id = %q, want run-1", holder.RunID)
	}
	if holder.StartedAt.IsZero() {
		t.Error("holder started_at is zero")
	}
}

func TestAcquireHeldByLiveProcess(t *testing.T) {
	locker := newTestLocker(t)

	lock, err := locker.Acquire("run-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lock.Release()

	_, err = locker.Acquire("run-2")
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("second Acquire error = %v, want ErrHeld", err)
	}
	var held *HeldError
	if !errors.As(err, &held) {
		t.Fatalf("second Acquire error = %T, want *HeldError", err)
	}
	if held.Info.RunID != "run-1" {
		t.Errorf("held run_id = %q, want run-1", held.Info.RunID)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	locker := newTestLocker(t)

	lock, err := locker.Acquire("run-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	lock2, err := locker.Acquire("run-2")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	lock2.Release()
}

func TestAcquireStealsFromDeadProcess(t *testing.T) {
	locker := newTestLocker(t)

	data := []byte(`{"pid": 999999999, "run_id": "crashed-run", "started_at": "2020-01-01T00:00:00Z"}`)
	if err := os.WriteFile(locker.Path, data, 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := locker.Acquire("run-2")
	if err != nil {
		t.Fatalf("Acquire over stale lock: %v", err)
	}
	defer lock.Release()

	holder, _ := locker.Holder()
	if holder.RunID != "run-2" {
		t.Errorf("holder run_id = %q, want run-2", holder.RunID)
	}
}

func TestAcquireStealsUnreadableLockfile(t *testing.T) {
	locker := newTestLocker(t)

	if err := os.WriteFile(locker.Path, []byte("not json at all"), 0644); err != nil {
		t.Fatal(err)
	}

	lock, err := locker.Acquire("run-3")
	if err != nil {
		t.Fatalf("Acquire over unreadable lock: %v", err)
	}
	lock.Release()
}

func TestProcessAliveSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("processAlive(self) = false")
	}
	if processAlive(deadPID) {
		t.Error("processAlive(deadPID) = true")
	}
	if processAlive(0) || processAlive(-1) {
		t.Error("processAlive accepted a non-positive pid")
	}
}

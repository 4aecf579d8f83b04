// Package runlock serializes reconciliation runs on a host with a pidfile.
// A crashed run leaves its lockfile behind; the next run steals it once the
// recorded holder is no longer alive.
package runlock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ErrHeld is returned when a live process already holds the run lock.
var ErrHeld = errors.New("another run holds the lock")

// HeldError carries the holder recorded in the lockfile.
type HeldError struct {
	Path string
	Info Info
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("a reconciliation is already in progress — pid %d (run %s, started %s) holds %s",
		e.Info.PID, e.Info.RunID, e.Info.StartedAt.Format(time.RFC3339), e.Path)
}

func (e *HeldError) Unwrap() error { return ErrHeld }

// Info is the lockfile payload.
type Info struct {
	PID       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
}

type Locker struct {
	Path string
	Log  zerolog.Logger
}

func New(path string, log zerolog.Logger) *Locker {
	return &Locker{Path: path, Log: log}
}

// Lock is a held run lock.
type Lock struct {
	path string
	info Info
}

// Acquire takes the run lock for runID. A lockfile whose holder is dead or
// whose contents are unreadable is treated as stale and stolen.
func (lk *Locker) Acquire(runID string) (*Lock, error) {
	lock, err := lk.tryAcquire(runID)
	if err == nil {
		return lock, nil
	}
	if !os.IsExist(err) {
		return nil, fmt.Errorf("acquiring run lock: %w", err)
	}

	holder, readErr := lk.Holder()
	if readErr == nil && processAlive(holder.PID) {
		return nil, &HeldError{Path: lk.Path, Info: *holder}
	}

	if readErr != nil {
		lk.Log.Warn().Str("path", lk.Path).Err(readErr).Msg("stealing unreadable run lock")
	} else {
		lk.Log.Warn().Int("pid", holder.PID).Str("run_id", holder.RunID).Msg("stealing stale run lock from dead process")
	}
	if err := os.Remove(lk.Path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale run lock: %w", err)
	}

	lock, err = lk.tryAcquire(runID)
	if err == nil {
		return lock, nil
	}
	if os.IsExist(err) {
		// Raced another process to the steal and lost.
		if holder, readErr := lk.Holder(); readErr == nil {
			return nil, &HeldError{Path: lk.Path, Info: *holder}
		}
		return nil, ErrHeld
	}
	return nil, fmt.Errorf("acquiring run lock: %w", err)
}

func (lk *Locker) tryAcquire(runID string) (*Lock, error) {
	f, err := os.OpenFile(lk.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	info := Info{PID: os.Getpid(), RunID: runID, StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		f.Close()
		_ = os.Remove(lk.Path)
		return nil, err
	}
	data = append(data, '\n')

	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(lk.Path)
		return nil, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(lk.Path)
		return nil, err
	}
	return &Lock{path: lk.Path, info: info}, nil
}

// Holder reads the lockfile without acquiring it.
func (lk *Locker) Holder() (*Info, error) {
	data, err := os.ReadFile(lk.Path)
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parsing lockfile %s: %w", lk.Path, err)
	}
	return &info, nil
}

// Release removes the lockfile. Safe to call more than once.
func (l *Lock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

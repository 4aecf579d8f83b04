//go:build !windows

package runlock

import (
	"errors"
	"os"
	"syscall"
)

// processAlive reports whether pid refers to a live process. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process exists.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

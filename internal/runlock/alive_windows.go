//go:build windows

package runlock

import (
	"errors"

	"golang.org/x/sys/windows"
)

// processAlive reports whether pid refers to a live process. Access denied
// still means the process exists; an open handle to an exited process is
// detected through its exit code.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return errors.Is(err, windows.ERROR_ACCESS_DENIED)
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == uint32(windows.STATUS_PENDING)
}

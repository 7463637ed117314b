//go:build windows

package monitor

import (
	"os"

	"golang.org/x/sys/windows"
)

// tryExclusiveLock attempts a non-blocking exclusive byte-range lock on byte
// 0 of f, releasing it immediately — the Windows equivalent of the Unix
// flock probe in lock_unix.go, used only to detect "another process still
// has this file open for writing right now".
func tryExclusiveLock(f *os.File) bool {
	handle := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	if err := windows.LockFileEx(handle, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol); err != nil {
		return false
	}
	windows.UnlockFileEx(handle, 0, 1, 0, ol)
	return true
}

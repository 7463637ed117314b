//go:build !windows

package monitor

import (
	"os"
	"syscall"
)

// tryExclusiveLock attempts a non-blocking exclusive flock, releasing it
// immediately — used only as a probe for "is another process writing to
// this file right now", not to hold a real lock across the read.
func tryExclusiveLock(f *os.File) bool {
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return false
	}
	syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	return true
}

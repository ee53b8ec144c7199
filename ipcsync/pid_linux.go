//go:build linux

package ipcsync

import "golang.org/x/sys/unix"

// processAlive reports whether pid still exists, using the classic
// POSIX liveness probe of sending signal 0: ESRCH means the process is
// gone, any other result (including EPERM, meaning it exists but we
// lack permission to signal it) means it is still alive. This is the
// "stale tid" detection the design notes call for when emulating a
// robust mutex without native OS support.
func processAlive(pid uint32) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	return err != unix.ESRCH
}

//go:build linux

package ipcsync

import (
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux futex operations, used directly (golang.org/x/sys/unix has no
// typed wrapper for futex(2)) to block on any naturally-aligned word
// inside the shared region — the same technique glibc's process-shared
// pthread primitives use, which is what the original C++ robust mutex
// ultimately rests on.
const (
	futexWaitOp = 0
	futexWakeOp = 1
)

func futexWait(addr *uint32, expected uint32, timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout > 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWaitOp),
		uintptr(expected),
		uintptr(unsafe.Pointer(ts)),
		0, 0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.ETIMEDOUT:
		return errTimeout
	default:
		return errno
	}
}

func futexWake(addr *uint32, n int32) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexWakeOp),
		uintptr(n),
		0, 0, 0,
	)
}

package ipcsync

import (
	"context"
	"time"

	"github.com/shmchan/shmchan/ipcerr"
)

// Semaphore is a process-shared counting semaphore backed by a single
// shared uint32 word plus the platform futex (spec §4.5: the waiter
// wrapper's notify semaphore and its "handshake semaphore" are both
// built on this). Unlike POSIX named semaphores,
// lifetime is tied to the shared region that owns the word, not to a
// filesystem path; callers needing a named, cross-process-discoverable
// semaphore layer that on top via shm.Region.
type Semaphore struct {
	word *uint32
}

// NewSemaphore wraps word, a shared counter word that must be
// zero-initialized (or pre-seeded to an initial count) exactly once by
// the region's one-time constructor.
func NewSemaphore(word *uint32) *Semaphore {
	return &Semaphore{word: word}
}

// Post increments the semaphore by n and wakes up to n waiters.
func (s *Semaphore) Post(n uint32) {
	for {
		old := loadU32(s.word)
		if casU32(s.word, old, old+n) {
			break
		}
	}
	futexWake(s.word, int32(n))
}

// Wait blocks until the count is > 0, then atomically decrements it.
// timeoutMs < 0 means InfiniteTimeout.
func (s *Semaphore) Wait(ctx context.Context, timeoutMs int) error {
	// Each futex wait is capped so ctx is rechecked while blocked.
	const ctxPollInterval = 10 * time.Millisecond
	deadline, hasDeadline := deadlineFrom(timeoutMs)

	for {
		old := loadU32(s.word)
		if old > 0 {
			if casU32(s.word, old, old-1) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ipcerr.New("ipcsync.Semaphore.Wait", ipcerr.Closed, ctx.Err())
		default:
		}

		wait := ctxPollInterval
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ipcerr.New("ipcsync.Semaphore.Wait", ipcerr.Timeout, nil)
			}
			wait = min(wait, remaining)
		}

		// A timed-out slice just loops; the deadline is checked above.
		if err := futexWait(s.word, 0, wait); err != nil && err != errTimeout {
			return ipcerr.New("ipcsync.Semaphore.Wait", ipcerr.Unrecoverable, err)
		}
	}
}

// TryWait attempts to decrement without blocking.
func (s *Semaphore) TryWait() bool {
	for {
		old := loadU32(s.word)
		if old == 0 {
			return false
		}
		if casU32(s.word, old, old-1) {
			return true
		}
	}
}

// Value returns the current count.
func (s *Semaphore) Value() uint32 {
	return loadU32(s.word)
}

package ipcsync

import (
	"context"
	"os"
	"time"

	"github.com/shmchan/shmchan/ipcerr"
)

const (
	needsRecoveryBit uint32 = 1 << 0
	poisonedBit      uint32 = 1 << 1
)

// Mutex is a process-shared, robust mutex (spec §4.5): if its previous
// owner dies while holding it, the next locker observes OwnerDead,
// must run a recovery hook (a no-op for this system: producers only
// make state visible to consumers as their final step, so there is
// nothing to roll back) and call MarkConsistent, then unlock. Skipping
// MarkConsistent poisons the mutex permanently.
//
// state and flags must point at naturally-aligned uint32 words inside
// the shared region (the channel layer uses ring.Header.MutexState and
// ring.Header.MutexFlags); every attached
// process constructs its own Mutex value over the same two words.
type Mutex struct {
	state *uint32 // 0 = unlocked; otherwise the owner's pid
	flags *uint32
}

// NewMutex wraps state/flags, two shared words reserved for this
// mutex's bookkeeping. Both must be zero on first construction by the
// channel's one-time initializer.
func NewMutex(state, flags *uint32) *Mutex {
	return &Mutex{state: state, flags: flags}
}

func pid() uint32 { return uint32(os.Getpid()) }

// TryLock attempts to acquire the mutex without blocking. ownerDead is
// true if the lock was reclaimed from a dead owner and MarkConsistent
// must be called before Unlock.
func (m *Mutex) TryLock() (acquired, ownerDead bool, err error) {
	return m.tryAcquire()
}

func (m *Mutex) tryAcquire() (acquired, ownerDead bool, err error) {
	if loadU32(m.flags)&poisonedBit != 0 {
		return false, false, ipcerr.New("ipcsync.Mutex", ipcerr.Unrecoverable, nil)
	}

	mypid := pid()
	old := loadU32(m.state)
	if old == 0 {
		if casU32(m.state, 0, mypid) {
			return true, false, nil
		}
		return false, false, nil
	}
	if old == mypid {
		return false, false, nil // already held by us; not recursive
	}
	if !processAlive(old) {
		if casU32(m.state, old, mypid) {
			orU32(m.flags, needsRecoveryBit)
			return true, true, nil
		}
	}
	return false, false, nil
}

// Lock blocks until the mutex is acquired, ctx is done, or timeout
// elapses (timeoutMs < 0 means InfiniteTimeout). ownerDead mirrors
// TryLock's.
func (m *Mutex) Lock(ctx context.Context, timeoutMs int) (ownerDead bool, err error) {
	// Each futex wait is capped so ctx is rechecked while blocked.
	const ctxPollInterval = 10 * time.Millisecond
	deadline, hasDeadline := deadlineFrom(timeoutMs)

	for {
		acquired, dead, err := m.tryAcquire()
		if err != nil {
			return false, err
		}
		if acquired {
			return dead, nil
		}

		select {
		case <-ctx.Done():
			return false, ipcerr.New("ipcsync.Mutex.Lock", ipcerr.Closed, ctx.Err())
		default:
		}

		wait := ctxPollInterval
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, ipcerr.New("ipcsync.Mutex.Lock", ipcerr.Timeout, nil)
			}
			wait = min(wait, remaining)
		}

		// Block on the current owner's pid changing; a dead owner we
		// can't yet observe as dead (processAlive lag, or a live
		// contender) still wakes us on every Unlock via futexWake.
		held := loadU32(m.state)
		if held == 0 {
			continue
		}
		futexWait(m.state, held, wait) // a timed-out slice just loops
	}
}

// MarkConsistent clears the "needs recovery" flag after the caller has
// restored any invariants following an OwnerDead acquisition.
func (m *Mutex) MarkConsistent() {
	andU32(m.flags, ^needsRecoveryBit)
}

// Unlock releases the mutex. If the mutex was acquired as OwnerDead
// and MarkConsistent was never called, Unlock poisons it permanently
// (spec: "A mutex whose consistency is not restored becomes
// permanently unrecoverable").
func (m *Mutex) Unlock() {
	if loadU32(m.flags)&needsRecoveryBit != 0 {
		orU32(m.flags, poisonedBit)
	}
	storeU32(m.state, 0)
	futexWake(m.state, 1)
}

// Consistent reports whether the mutex is currently usable (not
// poisoned).
func (m *Mutex) Consistent() bool {
	return loadU32(m.flags)&poisonedBit == 0
}

func deadlineFrom(timeoutMs int) (time.Time, bool) {
	if timeoutMs < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond), true
}

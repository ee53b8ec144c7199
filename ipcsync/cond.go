package ipcsync

import (
	"context"
	"time"

	"github.com/shmchan/shmchan/ipcerr"
)

// Cond is a process-shared generation-counter condition variable, used
// by the connection registry to let readers block on "cc_mask
// changed" (spec §4.3's connect/disconnect notification). The waiter
// wrapper does not use it; it is built on Semaphore. Unlike sync.Cond it is not
// paired with a mutex: callers recheck their own atomically-readable
// predicate (cc_mask, a ring's w_idx, ...) rather than relying on
// Cond to guard a critical section, so there is nothing to
// unlock/relock around Wait.
type Cond struct {
	gen *uint32 // bumped on every Broadcast
}

// NewCond wraps gen, a shared word dedicated to this condvar's
// generation counter. It must be zero-initialized once by the
// region's one-time constructor.
func NewCond(gen *uint32) *Cond {
	return &Cond{gen: gen}
}

// Wait blocks until the generation counter advances or ctx is done.
// Callers must still recheck their predicate after Wait returns, since
// an advance does not imply the specific condition they want is true.
func (c *Cond) Wait(ctx context.Context) error {
	return c.WaitTimeout(ctx, InfiniteTimeout)
}

// WaitTimeout is Wait bounded by timeoutMs (InfiniteTimeout for none).
func (c *Cond) WaitTimeout(ctx context.Context, timeoutMs int) error {
	// Each futex wait is capped so ctx is rechecked while blocked.
	const ctxPollInterval = 10 * time.Millisecond
	before := loadU32(c.gen)
	deadline, hasDeadline := deadlineFrom(timeoutMs)

	for loadU32(c.gen) == before {
		select {
		case <-ctx.Done():
			return ipcerr.New("ipcsync.Cond.Wait", ipcerr.Closed, ctx.Err())
		default:
		}

		wait := ctxPollInterval
		if hasDeadline {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return ipcerr.New("ipcsync.Cond.Wait", ipcerr.Timeout, nil)
			}
			wait = min(wait, remaining)
		}
		futexWait(c.gen, before, wait) // a timed-out slice just loops
	}
	return nil
}

// Broadcast bumps the generation counter and wakes every futex waiter
// on it; there is no per-waiter addressing in shared memory, so
// Signal and Broadcast would be identical and only Broadcast is
// exposed.
func (c *Cond) Broadcast() {
	addU32(c.gen, 1)
	futexWake(c.gen, waitAll)
}

// waitAll is passed as futex's wake count to mean "every waiter";
// there are at most MaxReceivers (32) consumers on any one channel, so
// this comfortably exceeds any real waiter count.
const waitAll = 1 << 16

package ipcsync

import (
	"context"
	"sync/atomic"

	"github.com/shmchan/shmchan/ipcerr"
)

// Waiter is the mutex+semaphore wrapper a ring's blocking push/pop
// paths are built on (spec §4.5's "waiter wrapper", the only thing in
// this system that ever blocks — the ring protocols themselves are
// always lock-free or wait-free).
//
// notify() posts one permit to sema and then waits on handshake; the
// waiter it wakes posts handshake before returning from Wait. This
// makes each notify/wait pair sequential so a burst of notifies can
// never outrun the waiters consuming them (no lost-wakeup underflow
// on sema).
type Waiter struct {
	sema      *Semaphore // producers/consumers block here
	handshake *Semaphore // paired back-acknowledgement
	waiting   *uint32    // count of Wait calls currently blocked on this word

	dismissed atomic.Bool // local: set by Close to unwind pending Waits
}

// NewWaiter wraps sema/handshake (two shared semaphore words,
// zero-initialized once by the region's constructor) and waiting, a
// zeroed counter of in-progress Wait calls (channel.Open passes a
// process-local word, not one in the shared region).
func NewWaiter(sema, handshake *Semaphore, waiting *uint32) *Waiter {
	return &Waiter{sema: sema, handshake: handshake, waiting: waiting}
}

// Wait blocks until notified, dismissed, ctx is done, or timeoutMs
// elapses. Returns a Closed error if the waiter was dismissed (the
// channel is closing) rather than genuinely notified.
func (w *Waiter) Wait(ctx context.Context, timeoutMs int) error {
	if w.dismissed.Load() {
		return ipcerr.New("ipcsync.Waiter.Wait", ipcerr.Closed, nil)
	}

	addU32(w.waiting, 1)
	defer addU32(w.waiting, ^uint32(0)) // -1, two's complement decrement

	err := w.sema.Wait(ctx, timeoutMs)
	if err != nil {
		return err
	}
	w.handshake.Post(1)

	if w.dismissed.Load() {
		return ipcerr.New("ipcsync.Waiter.Wait", ipcerr.Closed, nil)
	}
	return nil
}

// Notify wakes one waiter and blocks until it acknowledges via the
// handshake, bounded by timeoutMs. If nobody is currently waiting this
// still posts the permit (the next Wait call consumes it immediately
// and acks right away), matching a plain semaphore's non-blocking-post
// semantics.
func (w *Waiter) Notify(ctx context.Context, timeoutMs int) error {
	w.sema.Post(1)
	return w.handshake.Wait(ctx, timeoutMs)
}

// QuitWaiting dismisses every local pending and future Wait call
// (spec: "used during close"); it does not affect other processes
// attached to the same region, each of which must call QuitWaiting
// on its own Waiter handle as part of its own Close.
func (w *Waiter) QuitWaiting() {
	w.dismissed.Store(true)
	// Wake anyone blocked right now so they observe the dismissal
	// instead of waiting out their full timeout.
	n := loadU32(w.waiting)
	if n > 0 {
		w.sema.Post(n)
	}
}

// WaitingCount returns the current number of Wait calls blocked on
// this Waiter's counter, for diagnostics and tests.
func (w *Waiter) WaitingCount() uint32 {
	return loadU32(w.waiting)
}

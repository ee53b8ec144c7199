// Package shm implements the shared-memory region component (spec
// §3/§6, C1): a named, reference-counted block of memory visible to
// every process that opens it under the same name, housing a ring
// header and slot array laid out by the ring package.
package shm

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/ring"
)

// Region is a named block of shared memory, opened by name with a
// fixed total size. The first Open for a given name creates and
// zero-initializes the backing storage; subsequent Opens attach to it
// and bump a reference count. The last Close unlinks it.
type Region interface {
	// Get returns the region's backing bytes. Valid until Close.
	Get() []byte
	// Close releases this handle's reference. The last reference
	// unlinks the backing storage.
	Close() error
}

// Open attaches to (creating if necessary) the named region of the
// given total size, and returns a typed ring.Header over it once its
// one-time construction has completed (by this opener or a racing
// one).
func Open(ctx context.Context, name string, size int) (Region, *ring.Header, error) {
	region, err := open(name, size)
	if err != nil {
		return nil, nil, err
	}

	hdr, err := constructOnce(ctx, region)
	if err != nil {
		region.Close()
		return nil, nil, err
	}
	return region, hdr, nil
}

// constructOnce implements the double-checked-locking one-time header
// initialization spec §3 calls for: the constructed bit in the
// header's first word gates whether the region has been
// zero-initialized and is safe to hand out, since every Open (however
// many processes race to create it) must observe a single coherent
// initial state.
func constructOnce(ctx context.Context, region Region) (*ring.Header, error) {
	hdr := ring.NewHeader(region.Get())
	if hdr.IsConstructed() {
		return hdr, nil
	}

	// We may be racing other first-openers; CAS-claim the right to
	// construct, or spin-wait for whoever wins it.
	if tryClaimConstruction(hdr) {
		hdr.MarkConstructed()
		return hdr, nil
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     100 * time.Microsecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Millisecond,
	}
	b.Reset()

	deadline := time.Now().Add(5 * time.Second)
	for !hdr.IsConstructed() {
		if time.Now().After(deadline) {
			return nil, ipcerr.New("shm.Open", ipcerr.RegionUnavailable, nil)
		}
		wait := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil, ipcerr.New("shm.Open", ipcerr.Closed, ctx.Err())
		case <-time.After(wait):
		}
	}
	return hdr, nil
}

// tryClaimConstruction reserves the right to zero-initialize and mark
// the header constructed, using bit 1 of the constructed word as a
// simple spinlock distinct from bit 0 (the completion flag).
func tryClaimConstruction(hdr *ring.Header) bool {
	const claimBit = uint64(2)
	old := hdr.Constructed.Load()
	if old&claimBit != 0 || old&1 != 0 {
		return false
	}
	return hdr.Constructed.CompareAndSwap(old, old|claimBit)
}

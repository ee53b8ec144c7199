package ring

import (
	"sync/atomic"

	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/registry"
)

// connected abstracts the pieces of the connection registry a
// broadcast ring needs: its current membership, and the ability to
// evict a receiver during force-push. Satisfied by
// *registry.Registry; kept as an interface so ring tests can fake it
// without standing up a real shared mask.
type connected interface {
	Mask() uint32
	Count() uint32
	LowestSet() uint32
	Disconnect(ccID uint32)
}

var _ connected = (*registry.Registry)(nil)

// SMBRing implements the single-producer broadcast ring (spec §4.4): a
// slot is free only once every receiver connected at commit time has
// read it, tracked by a refcount packed into the slot's rc word
// alongside an incarnation counter so a wrapped-around slot can never
// be mistaken for its own prior generation.
type SMBRing struct {
	hdr      *Header
	cap      uint32
	slotSize uint32
	reg      connected
}

// NewSMBRing constructs a SMB ring over hdr's slot array, consulting
// reg for receiver membership.
func NewSMBRing(hdr *Header, cap, slotSize uint32, reg connected) (*SMBRing, error) {
	if !isPowerOfTwo(cap) {
		return nil, ipcerr.New("ring.NewSMBRing", ipcerr.InvalidArgument, nil)
	}
	return &SMBRing{hdr: hdr, cap: cap, slotSize: slotSize, reg: reg}, nil
}

func (r *SMBRing) stride() int { return stride(broadcastHeadSize, int(r.slotSize)) }

// Push writes payload to the next slot for every currently-connected
// receiver to read. Fails if there are no receivers, or if the target
// slot still has outstanding readers (a receiver is lagging).
func (r *SMBRing) Push(payload []byte) error {
	cc := r.reg.Count()
	if cc == 0 {
		return ipcerr.New("ring.SMBRing.Push", ipcerr.NoReceivers, nil)
	}

	w := r.hdr.WIdx.Load()
	slot := slotAt(r.hdr.Slots(), slotIndex(counter(w), r.cap), r.stride())
	rc := rcWord(slot)

	cur := rc.Load()
	refcount, incarnation := unpackRC(cur)
	if refcount != 0 {
		return ipcerr.New("ring.SMBRing.Push", ipcerr.RingFull, nil)
	}
	if !rc.CompareAndSwap(cur, packRC(cc, incarnation+1)) {
		return ipcerr.New("ring.SMBRing.Push", ipcerr.RingFull, nil)
	}

	copy(payloadOf(slot, broadcastHeadSize), payload)
	r.hdr.WIdx.Store(w + 1)
	return nil
}

// ForcePush writes payload even if the target slot has outstanding
// readers, by disconnecting the receiver holding the lowest connected
// bit per retry, not necessarily one that has yet to read the slot (spec
// §4.4's force-push eviction policy) until the CAS succeeds or every
// receiver has been evicted.
func (r *SMBRing) ForcePush(payload []byte) error {
	for {
		cc := r.reg.Count()
		if cc == 0 {
			return ipcerr.New("ring.SMBRing.ForcePush", ipcerr.NoReceivers, nil)
		}

		w := r.hdr.WIdx.Load()
		slot := slotAt(r.hdr.Slots(), slotIndex(counter(w), r.cap), r.stride())
		rc := rcWord(slot)

		cur := rc.Load()
		refcount, incarnation := unpackRC(cur)
		if refcount == 0 {
			if rc.CompareAndSwap(cur, packRC(cc, incarnation+1)) {
				copy(payloadOf(slot, broadcastHeadSize), payload)
				r.hdr.WIdx.Store(w + 1)
				return nil
			}
			continue
		}

		evict := r.reg.LowestSet()
		if evict == 0 {
			return ipcerr.New("ring.SMBRing.ForcePush", ipcerr.NoReceivers, nil)
		}
		// Evicting a receiver also releases its outstanding claim on
		// this slot: it will never read it now, so treat the eviction
		// as the equivalent of that receiver's read (spec §4.4: "the
		// evicted receiver's next read will detect the cleared bit and
		// error out" — it must not also be left holding rc's count).
		r.release(rc)
		r.reg.Disconnect(evict)
	}
}

// NewBroadcastCursor returns a reader cursor starting at the
// producer's current write position, so a late joiner never tries to
// read slots it was not counted in for (spec §4.4's consumer cursor
// initialization).
func (r *SMBRing) NewBroadcastCursor(ccID uint32) *BroadcastCursor {
	return &BroadcastCursor{ccID: ccID, cur: r.hdr.WIdx.Load()}
}

// Pop advances cursor and copies the next undelivered slot into out.
func (r *SMBRing) Pop(cursor *BroadcastCursor, out []byte) (int, error) {
	w := r.hdr.WIdx.Load()
	if cursor.cur == w {
		return 0, ipcerr.New("ring.SMBRing.Pop", ipcerr.RingEmpty, nil)
	}

	slot := slotAt(r.hdr.Slots(), slotIndex(counter(cursor.cur), r.cap), r.stride())
	rc := rcWord(slot)
	_, incarnation := unpackRC(rc.Load())

	n := copy(out, payloadOf(slot, broadcastHeadSize))

	after := rc.Load()
	_, incarnationAfter := unpackRC(after)
	if incarnationAfter != incarnation {
		// Overwritten mid-read by a producer wrap; message is
		// delivered-then-lost by design (spec §4.4).
		cursor.cur++
		return 0, ipcerr.New("ring.SMBRing.Pop", ipcerr.RingEmpty, nil)
	}

	r.release(rc)
	cursor.cur++
	return n, nil
}

// release decrements a slot's outstanding-reader count, marking it
// free once the last reader has consumed it.
func (r *SMBRing) release(rc *atomic.Uint64) {
	for {
		cur := rc.Load()
		refcount, incarnation := unpackRC(cur)
		if refcount == 0 {
			return
		}
		if rc.CompareAndSwap(cur, packRC(refcount-1, incarnation)) {
			return
		}
	}
}

// BroadcastCursor is a single receiver's position in a broadcast ring.
// Lives in that receiver's own process; never shared.
type BroadcastCursor struct {
	ccID uint32
	cur  uint32
}

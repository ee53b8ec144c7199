package ring

import (
	"sync/atomic"

	"github.com/shmchan/shmchan/ipcerr"
)

// MMBRing implements the multi-producer broadcast ring (spec §4.4):
// like SMBRing, but producers first reserve a commit-index slot by
// CAS before claiming it with rc, mirroring MMURing's
// reserve-then-commit split so concurrent producers never overwrite
// each other's in-flight writes.
type MMBRing struct {
	hdr      *Header
	cap      uint32
	slotSize uint32
	reg      connected
}

// NewMMBRing constructs a MMB ring over hdr's slot array.
func NewMMBRing(hdr *Header, cap, slotSize uint32, reg connected) (*MMBRing, error) {
	if !isPowerOfTwo(cap) {
		return nil, ipcerr.New("ring.NewMMBRing", ipcerr.InvalidArgument, nil)
	}
	return &MMBRing{hdr: hdr, cap: cap, slotSize: slotSize, reg: reg}, nil
}

func (r *MMBRing) stride() int { return stride(mmbHeadSize, int(r.slotSize)) }

// Push reserves a slot via ct, claims it for every connected receiver,
// writes the payload, marks it visible, then helps advance w_idx.
func (r *MMBRing) Push(payload []byte) error {
	if err := r.push(payload, false); err != nil {
		return err
	}
	return nil
}

// ForcePush behaves like Push but, when the target slot still has
// outstanding readers, evicts the receiver holding the lowest connected
// bit (not necessarily one that has yet to read the slot) rather than
// failing.
func (r *MMBRing) ForcePush(payload []byte) error {
	return r.push(payload, true)
}

func (r *MMBRing) push(payload []byte, force bool) error {
	var sp spinner
	var curCt uint32
	for {
		cc := r.reg.Count()
		if cc == 0 {
			return ipcerr.New("ring.MMBRing.Push", ipcerr.NoReceivers, nil)
		}

		curCt = r.hdr.CTIdx.Load()
		slot := slotAt(r.hdr.Slots(), slotIndex(counter(curCt), r.cap), r.stride())
		rc := rcWord(slot)

		cur := rc.Load()
		refcount, incarnation := unpackRC(cur)
		if refcount != 0 {
			if !force {
				return ipcerr.New("ring.MMBRing.Push", ipcerr.RingFull, nil)
			}
			evict := r.reg.LowestSet()
			if evict == 0 {
				return ipcerr.New("ring.MMBRing.Push", ipcerr.NoReceivers, nil)
			}
			r.release(rc)
			r.reg.Disconnect(evict)
			continue
		}

		if !r.hdr.CTIdx.CompareAndSwap(curCt, curCt+1) {
			sp.tick()
			continue
		}

		// We alone hold ticket curCt, but if CTIdx advances a full cap
		// ahead while we're paused here, a later ticket aliasing this
		// same physical slot can claim it first. Wait for the slot to
		// go back to refcount 0 and claim it with the incarnation we
		// find at that moment — never the one read before we won the
		// ticket, which could now be stale by more than one generation.
		for {
			cur = rc.Load()
			refcount, incarnation = unpackRC(cur)
			if refcount != 0 {
				sp.tick()
				continue
			}
			if rc.CompareAndSwap(cur, packRC(cc, incarnation+1)) {
				break
			}
		}

		copy(payloadOf(slot, mmbHeadSize), payload)
		mmbFCT(slot).Store(^curCt)
		r.advanceCommitted()
		return nil
	}
}

func (r *MMBRing) advanceCommitted() {
	var sp spinner
	for {
		w := r.hdr.WIdx.Load()
		slot := slotAt(r.hdr.Slots(), slotIndex(counter(w), r.cap), r.stride())
		fct := mmbFCT(slot)
		if fct.Load() != ^w {
			return
		}
		if r.hdr.WIdx.CompareAndSwap(w, w+1) {
			continue
		}
		sp.tick()
	}
}

// NewBroadcastCursor returns a reader cursor starting at the
// producer's current write position (spec §4.4's late-joiner rule).
func (r *MMBRing) NewBroadcastCursor(ccID uint32) *BroadcastCursor {
	return &BroadcastCursor{ccID: ccID, cur: r.hdr.WIdx.Load()}
}

// Pop advances cursor and copies the next undelivered slot into out.
func (r *MMBRing) Pop(cursor *BroadcastCursor, out []byte) (int, error) {
	w := r.hdr.WIdx.Load()
	if cursor.cur == w {
		return 0, ipcerr.New("ring.MMBRing.Pop", ipcerr.RingEmpty, nil)
	}

	slot := slotAt(r.hdr.Slots(), slotIndex(counter(cursor.cur), r.cap), r.stride())
	fct := mmbFCT(slot)
	if fct.Load() != ^cursor.cur {
		return 0, ipcerr.New("ring.MMBRing.Pop", ipcerr.RingEmpty, nil)
	}

	rc := rcWord(slot)
	_, incarnation := unpackRC(rc.Load())

	n := copy(out, payloadOf(slot, mmbHeadSize))

	_, incarnationAfter := unpackRC(rc.Load())
	if incarnationAfter != incarnation {
		cursor.cur++
		return 0, ipcerr.New("ring.MMBRing.Pop", ipcerr.RingEmpty, nil)
	}

	r.release(rc)
	cursor.cur++
	return n, nil
}

func (r *MMBRing) release(rc *atomic.Uint64) {
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

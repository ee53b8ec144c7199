package ring

import (
	"github.com/shmchan/shmchan/ipcerr"
)

// MMURing implements the multi-producer, multi-consumer unicast ring
// (spec §4.3). It separates slot reservation (ct_idx) from consumer
// visibility (w_idx): producers may commit out of order, and a
// "walk forward" pass collapses any contiguously-committed prefix into
// the visible window so readers are never blocked behind a stalled
// producer.
//
// Per-slot commit flags are stored as the bitwise complement of the
// raw (unmasked) reservation counter rather than the spec's literal
// u64 field: Go's monotonic uint32 counters only wrap at 2^32, far
// beyond any realistic run, so a 32-bit complement carries the same
// "this exact generation committed" guarantee as the original's u64
// scheme while fitting a single natively-atomic word.
type MMURing struct {
	hdr      *Header
	cap      uint32
	slotSize uint32
}

// NewMMURing constructs a MMU ring over hdr's slot array.
func NewMMURing(hdr *Header, cap, slotSize uint32) (*MMURing, error) {
	if !isPowerOfTwo(cap) {
		return nil, ipcerr.New("ring.NewMMURing", ipcerr.InvalidArgument, nil)
	}
	return &MMURing{hdr: hdr, cap: cap, slotSize: slotSize}, nil
}

func (r *MMURing) stride() int { return stride(mmuHeadSize, int(r.slotSize)) }

func (r *MMURing) ReadySending() bool { return true }

func (r *MMURing) Cursor() uint64 {
	return uint64(counter(r.hdr.WIdx.Load()))
}

// Push reserves a slot, writes the payload, marks it committed, then
// helps advance the visible window past any now-contiguous prefix.
func (r *MMURing) Push(payload []byte) error {
	var sp spinner
	var curCt uint32
	for {
		curCt = r.hdr.CTIdx.Load()
		rIdx := r.hdr.RIdx.Load()
		if r.full(curCt, rIdx) {
			return ipcerr.New("ring.MMURing.Push", ipcerr.RingFull, nil)
		}
		if r.hdr.CTIdx.CompareAndSwap(curCt, curCt+1) {
			break
		}
		sp.tick()
	}

	slot := slotAt(r.hdr.Slots(), slotIndex(counter(curCt), r.cap), r.stride())
	copy(payloadOf(slot, mmuHeadSize), payload)
	mmuFCT(slot).Store(^curCt)

	r.advanceCommitted()
	return nil
}

// full reports the spec's exact fullness condition: advancing ct by
// one would reserve the same physical slot the reader is about to
// consume next.
func (r *MMURing) full(curCt, rIdx uint32) bool {
	return slotIndex(counter(curCt+1), r.cap) == slotIndex(counter(rIdx), r.cap)
}

// advanceCommitted walks w_idx forward over any run of slots whose
// commit flag matches their own reservation generation, making them
// visible to consumers.
func (r *MMURing) advanceCommitted() {
	var sp spinner
	for {
		w := r.hdr.WIdx.Load()
		slot := slotAt(r.hdr.Slots(), slotIndex(counter(w), r.cap), r.stride())
		fct := mmuFCT(slot)
		if fct.Load() != ^w {
			return
		}
		fct.Store(0)
		if r.hdr.WIdx.CompareAndSwap(w, w+1) {
			continue
		}
		sp.tick()
	}
}

// Pop claims and returns the oldest visible slot. If the ring appears
// empty, it first tries to help advance w_idx in case a producer
// committed but had not yet walked the window forward.
func (r *MMURing) Pop(out []byte) (int, error) {
	var sp spinner
	for {
		rIdx := r.hdr.RIdx.Load()
		w := r.hdr.WIdx.Load()
		if counter(rIdx) == counter(w) {
			r.advanceCommitted()
			w = r.hdr.WIdx.Load()
			if counter(rIdx) == counter(w) {
				return 0, ipcerr.New("ring.MMURing.Pop", ipcerr.RingEmpty, nil)
			}
		}

		if r.hdr.RIdx.CompareAndSwap(rIdx, rIdx+1) {
			slot := slotAt(r.hdr.Slots(), slotIndex(counter(rIdx), r.cap), r.stride())
			return copy(out, payloadOf(slot, mmuHeadSize)), nil
		}
		sp.tick()
	}
}

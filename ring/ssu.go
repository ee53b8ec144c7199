package ring

import (
	"github.com/shmchan/shmchan/ipcerr"
)

// SSURing implements the single-producer ring with a single or
// multiple consumers (spec §4.2). There is no per-slot head: a slot is
// "owned" by whichever side the indices say it belongs to, so the
// protocol needs no commit flag.
type SSURing struct {
	hdr           *Header
	cap           uint32
	slotSize      uint32
	multiConsumer bool
}

// NewSSURing constructs a SSU ring over hdr's slot array. cap must be
// a power of two; slotSize is the fixed payload size for every slot.
func NewSSURing(hdr *Header, cap, slotSize uint32, multiConsumer bool) (*SSURing, error) {
	if !isPowerOfTwo(cap) {
		return nil, ipcerr.New("ring.NewSSURing", ipcerr.InvalidArgument, nil)
	}
	return &SSURing{hdr: hdr, cap: cap, slotSize: slotSize, multiConsumer: multiConsumer}, nil
}

func (r *SSURing) stride() int { return stride(0, int(r.slotSize)) }

// ReadySending reports whether a producer may send. SSU is always
// single-producer by contract of the channel layer (only one sender
// endpoint may open a SSU-protocol channel), so this is always true
// for the owning producer handle.
func (r *SSURing) ReadySending() bool { return true }

// Cursor returns the current producer write cursor.
func (r *SSURing) Cursor() uint64 {
	return uint64(counter(r.hdr.WIdx.Load()))
}

// Push writes payload into the next slot. Fails with RingFull when the
// ring has no free slot (spec: full when (w mod CAP) == ((r-1) mod CAP)).
func (r *SSURing) Push(payload []byte) error {
	w := counter(r.hdr.WIdx.Load())
	rIdx := counter(r.hdr.RIdx.Load())

	if slotIndex(w, r.cap) == slotIndex(rIdx-1, r.cap) {
		return ipcerr.New("ring.SSURing.Push", ipcerr.RingFull, nil)
	}

	slot := slotAt(r.hdr.Slots(), slotIndex(w, r.cap), r.stride())
	n := copy(payloadOf(slot, 0), payload)
	_ = n

	r.hdr.WIdx.Add(1)
	return nil
}

// Pop reads the oldest unread slot into out, returning the number of
// bytes copied. Fails with RingEmpty when there is nothing to read.
func (r *SSURing) Pop(out []byte) (int, error) {
	if r.multiConsumer {
		return r.popMulti(out)
	}
	return r.popSingle(out)
}

func (r *SSURing) popSingle(out []byte) (int, error) {
	rIdx := counter(r.hdr.RIdx.Load())
	w := counter(r.hdr.WIdx.Load())
	if rIdx == w {
		return 0, ipcerr.New("ring.SSURing.Pop", ipcerr.RingEmpty, nil)
	}

	slot := slotAt(r.hdr.Slots(), slotIndex(rIdx, r.cap), r.stride())
	n := copy(out, payloadOf(slot, 0))

	r.hdr.RIdx.Add(1)
	return n, nil
}

func (r *SSURing) popMulti(out []byte) (int, error) {
	tmp := make([]byte, r.slotSize)
	for {
		rawR := r.hdr.RIdx.Load()
		rIdx := counter(rawR)
		w := counter(r.hdr.WIdx.Load())
		if rIdx == w {
			return 0, ipcerr.New("ring.SSURing.Pop", ipcerr.RingEmpty, nil)
		}

		slot := slotAt(r.hdr.Slots(), slotIndex(rIdx, r.cap), r.stride())
		n := copy(tmp, payloadOf(slot, 0))

		if r.hdr.RIdx.CompareAndSwap(rawR, rawR+1) {
			return copy(out, tmp[:n]), nil
		}
		// Lost the race: another consumer advanced r_idx first, retry
		// from the new value.
	}
}

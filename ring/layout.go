package ring

import (
	"sync/atomic"
	"unsafe"
)

// CacheLineSize is the alignment boundary used to keep a slot's head
// and payload in separate cache lines, and to align the slot array
// after the header (spec §6 "alignment" note).
const CacheLineSize = 64

func alignUp(off, align int) int {
	return (off + align - 1) &^ (align - 1)
}

// Header is a typed overlay on top of the shared region's raw bytes,
// laid out exactly as spec §6's persisted-state table:
//
//	constructed-flag | cc_mask | waiter-state | r_idx | w_idx | ct_idx | reg_gen | mutex_state | mutex_flags | slots...
//
// All fields are accessed through sync/atomic; no byte-copy of a
// multi-word field is ever performed. Construction is idempotent: any
// number of processes may call NewHeader concurrently over the same
// backing bytes, since it only computes pointers into memory the
// region owner already zero-initialized on creation.
type Header struct {
	// Constructed packs a "constructed" bit (bit 0) with spinlock bits
	// used by the double-checked-locking one-time initializer in
	// shm.Region's Open path (design note: "shared-memory placement
	// new... represent as POD type with atomic initialized tag").
	Constructed *atomic.Uint64
	CCMask      *atomic.Uint32
	// WaiterState packs the waiter wrapper's notify and handshake
	// semaphore words, see ipcsync.Waiter and WaiterWords.
	WaiterState *atomic.Uint64
	RIdx        *atomic.Uint32
	WIdx        *atomic.Uint32
	CTIdx       *atomic.Uint32
	// RegGen is a generation counter bumped on every connect/disconnect,
	// backing the registry's condition variable (ipcsync.Cond) used by
	// WaitForCount. Kept as its own word rather than reusing CCMask
	// directly: Cond.Broadcast advances its word with a plain
	// fetch-add, which would corrupt cc_mask's bits if the two shared
	// a word.
	RegGen *uint32
	// MutexState/MutexFlags back the robust mutex guarding the waiter
	// wrapper's bookkeeping (spec §4.5 "robust mutex"; composed with
	// ipcsync.Waiter by the channel layer, never by the ring protocol
	// itself).
	MutexState *uint32
	MutexFlags *uint32

	// waiterSema/waiterHandshake are raw (non-atomic.Uint32-wrapped)
	// views over the two halves of WaiterState, for
	// ipcsync.NewSemaphore/NewWaiter, whose futex-based wait/wake
	// primitives need a plain *uint32 rather than *atomic.Uint32.
	waiterSema      *uint32
	waiterHandshake *uint32

	slots []byte
}

const (
	offConstructed = 0
	offCCMask      = offConstructed + 8
	offWaiter      = offCCMask + 4 // aligned below to 8
)

// headerLayout computes field offsets once; waiter state is 8 bytes
// and must be 8-byte aligned, so it is padded past cc_mask.
func headerLayout() (ccMask, waiter, rIdx, wIdx, ctIdx, regGen, mutexState, mutexFlags, end int) {
	ccMask = alignUp(offConstructed+8, 4)
	waiter = alignUp(ccMask+4, 8)
	rIdx = alignUp(waiter+8, 4)
	wIdx = alignUp(rIdx+4, 4)
	ctIdx = alignUp(wIdx+4, 4)
	regGen = alignUp(ctIdx+4, 4)
	mutexState = alignUp(regGen+4, 4)
	mutexFlags = alignUp(mutexState+4, 4)
	end = mutexFlags + 4
	return
}

// HeaderSize is the number of bytes the header occupies before the
// slot array begins (prior to cache-line alignment).
func HeaderSize() int {
	_, _, _, _, _, _, _, _, end := headerLayout()
	return end
}

// SlotsOffset returns the cache-line-aligned byte offset at which the
// slot array begins within the shared region.
func SlotsOffset() int {
	return alignUp(HeaderSize(), CacheLineSize)
}

func atomicU64At(buf []byte, off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&buf[off]))
}

func atomicU32At(buf []byte, off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&buf[off]))
}

func rawU32At(buf []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off]))
}

// NewHeader overlays a Header onto buf, which must be at least
// SlotsOffset()+capacity*slotStride bytes and 8-byte aligned (true for
// any mmap'd page or Go-allocated []byte passed through shm.Region).
func NewHeader(buf []byte) *Header {
	ccMask, waiter, rIdx, wIdx, ctIdx, regGen, mutexState, mutexFlags, _ := headerLayout()

	return &Header{
		Constructed:     atomicU64At(buf, offConstructed),
		CCMask:          atomicU32At(buf, ccMask),
		WaiterState:     atomicU64At(buf, waiter),
		RIdx:            atomicU32At(buf, rIdx),
		WIdx:            atomicU32At(buf, wIdx),
		CTIdx:           atomicU32At(buf, ctIdx),
		RegGen:          rawU32At(buf, regGen),
		MutexState:      rawU32At(buf, mutexState),
		MutexFlags:      rawU32At(buf, mutexFlags),
		waiterSema:      rawU32At(buf, waiter),
		waiterHandshake: rawU32At(buf, waiter+4),
		slots:           buf[SlotsOffset():],
	}
}

// WaiterWords returns raw (non-atomic.Uint32-wrapped) pointers into
// the two halves of WaiterState, used to build the channel's
// ipcsync.Waiter: one half is the notify semaphore's word, the other
// its handshake semaphore's word.
func (h *Header) WaiterWords() (sema, handshake *uint32) {
	return h.waiterSema, h.waiterHandshake
}

// constructedBit marks the header as fully initialized; the remaining
// bits of Constructed are reserved for the double-checked-locking
// spinlock used while the first opener zero-initializes the header
// (see shm package).
const constructedBit = uint64(1)

// IsConstructed reports whether the header has completed one-time
// initialization.
func (h *Header) IsConstructed() bool {
	return h.Constructed.Load()&constructedBit != 0
}

// MarkConstructed sets the constructed bit with release semantics.
func (h *Header) MarkConstructed() {
	for {
		old := h.Constructed.Load()
		if old&constructedBit != 0 {
			return
		}
		if h.Constructed.CompareAndSwap(old, old|constructedBit) {
			return
		}
	}
}

// Slots returns the raw backing bytes for the slot array, sized by the
// caller's (capacity, stride) to build typed slot views.
func (h *Header) Slots() []byte {
	return h.slots
}

package ring

import (
	"sync/atomic"
	"unsafe"
)

// stride returns the total byte size of one slot: its head (rounded up
// to a cache line so head and payload never share a cache line) plus
// the payload region.
func stride(headSize, slotSize int) int {
	return alignUp(headSize, CacheLineSize) + slotSize
}

// slotAt returns the raw bytes of slot idx within the slot array.
func slotAt(slots []byte, idx uint32, str int) []byte {
	off := int(idx) * str
	return slots[off : off+str]
}

// payloadOf returns the payload sub-slice of a slot's raw bytes, given
// the protocol's head size.
func payloadOf(slotBuf []byte, headSize int) []byte {
	return slotBuf[alignUp(headSize, CacheLineSize):]
}

// mmuHeadSize is the size of a MMU slot's head: a single commit flag.
const mmuHeadSize = 4

// mmuFCT returns the commit-flag atomic for a MMU slot.
func mmuFCT(slotBuf []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&slotBuf[0]))
}

// broadcastHeadSize is the size of a broadcast (SMB) slot's head: the
// refcount|incarnation word.
const broadcastHeadSize = 8

// mmbHeadSize is the size of a MMB slot's head: rc word plus a
// separate commit flag, since MMB producers reserve via ct before
// setting rc (spec §4.4).
const mmbHeadSize = 16

// rcWord returns the refcount|incarnation atomic for a broadcast slot.
// Low 32 bits: outstanding reader count. High 32 bits: incarnation,
// incremented every time the slot transitions FREE->COMMITTED, making
// ABA across wraps impossible (spec §4.4, grounded in
// original_source/src/circ/elem_array.h's rc packing).
func rcWord(slotBuf []byte) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&slotBuf[0]))
}

// mmbFCT returns the visibility commit-flag atomic for a MMB slot,
// stored after the rc word.
func mmbFCT(slotBuf []byte) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&slotBuf[8]))
}

func packRC(refcount, incarnation uint32) uint64 {
	return uint64(refcount) | uint64(incarnation)<<32
}

func unpackRC(v uint64) (refcount, incarnation uint32) {
	return uint32(v), uint32(v >> 32)
}

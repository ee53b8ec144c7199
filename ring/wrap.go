package ring

// Counters (write/commit/read indices) are specified as 16-bit
// monotonic values kept modulo 2^16 (spec §3 "Indices and wrapping").
// sync/atomic has no native 16-bit CAS/add, so counters here are
// stored as atomic.Uint32 words and only their low 16 bits carry
// meaning; arithmetic and comparisons are masked to reproduce the
// spec's 16-bit wraparound exactly while using a natively atomic word
// size.
const counterMask = 0xFFFF

// counter masks a raw uint32 down to the spec's 16-bit counter space.
func counter(v uint32) uint16 {
	return uint16(v & counterMask)
}

// distance returns a-b interpreted as a wrap-safe signed 16-bit
// difference, positive when a is "ahead of" b in counter space.
func distance(a, b uint16) int32 {
	return int32(int16(a - b))
}

// slotIndex maps a monotonic counter to its physical slot index for a
// power-of-two capacity.
func slotIndex(c uint16, cap uint32) uint32 {
	return uint32(c) & (cap - 1)
}

// isPowerOfTwo reports whether v is a power of two and at least 2.
func isPowerOfTwo(v uint32) bool {
	return v >= 2 && v&(v-1) == 0
}

package ipcsync

import "sync/atomic"

// loadU32/casU32 operate on raw *uint32 words living in shared memory
// rather than atomic.Uint32 values, since the words here are carved
// out of a shm.Region byte slice via unsafe.Pointer (see ring.Header)
// and handed around as plain pointers.
func loadU32(addr *uint32) uint32 {
	return atomic.LoadUint32(addr)
}

func casU32(addr *uint32, old, new uint32) bool {
	return atomic.CompareAndSwapUint32(addr, old, new)
}

func storeU32(addr *uint32, v uint32) {
	atomic.StoreUint32(addr, v)
}

// orU32/andU32 apply a bitwise op atomically via CAS retry, mirroring
// atomic.Uint32.Or/And for the raw-pointer words futex primitives need.
func orU32(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old|bits) {
			return
		}
	}
}

func andU32(addr *uint32, bits uint32) {
	for {
		old := atomic.LoadUint32(addr)
		if atomic.CompareAndSwapUint32(addr, old, old&bits) {
			return
		}
	}
}

func addU32(addr *uint32, delta uint32) uint32 {
	return atomic.AddUint32(addr, delta)
}

// Package alloc provides the pluggable memory allocator the message
// reassembly cache and receiver-side bookkeeping consume (spec §6's
// allocator contract, §4.8 expansion). This is a host-process
// allocator for application-visible reassembly buffers, distinct from
// the shared-memory ring slots themselves, which are fixed-size and
// never individually allocated.
package alloc

// Allocator hands out and reclaims byte buffers for variable-length,
// reassembled messages.
type Allocator interface {
	// Alloc returns a buffer of at least n bytes. Its contents are not
	// guaranteed to be zeroed.
	Alloc(n int) []byte
	// Free returns buf to the allocator. buf must have come from this
	// same Allocator's Alloc; passing any other slice is a misuse the
	// allocator is not required to detect.
	Free(buf []byte)
}

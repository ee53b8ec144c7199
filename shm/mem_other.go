//go:build !linux

package shm

import "sync"

// On platforms without /dev/shm-style named shared memory, fall back
// to a process-local byte slice with the same reference-counting
// contract. This only coordinates within one process (goroutines
// simulating separate "processes"), which is what this repo's own
// test suite relies on; it is not a genuine cross-process primitive on
// these platforms.
var (
	registryMu sync.Mutex
	registry   = map[string]*memRegion{}
)

type memRegion struct {
	name string
	data []byte
	refs int
}

func open(name string, size int) (Region, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if r, ok := registry[name]; ok {
		r.refs++
		return &regionHandle{r: r}, nil
	}

	r := &memRegion{name: name, data: make([]byte, size), refs: 1}
	registry[name] = r
	return &regionHandle{r: r}, nil
}

type regionHandle struct {
	r      *memRegion
	closed bool
}

func (h *regionHandle) Get() []byte {
	return h.r.data
}

func (h *regionHandle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true

	registryMu.Lock()
	defer registryMu.Unlock()

	h.r.refs--
	if h.r.refs <= 0 {
		delete(registry, h.r.name)
	}
	return nil
}

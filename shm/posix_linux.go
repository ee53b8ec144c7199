//go:build linux

package shm

import (
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/shmchan/shmchan/ipcerr"
)

// shmDir is where POSIX shared-memory-like named regions are created;
// tmpfs-backed on any standard Linux install, giving genuine
// cross-process visibility without a dedicated shm_open syscall
// wrapper in golang.org/x/sys/unix.
var shmDir = "/dev/shm"

var (
	registryMu sync.Mutex
	registry   = map[string]*posixRegion{}
)

// posixRegion is a mmap'd, reference-counted file under shmDir. Every
// process-local Open for a given name shares one *posixRegion (and
// hence one mapping) via the package-level registry; Close decrements
// its refcount, and the last Close munmaps and unlinks.
type posixRegion struct {
	name string
	data []byte
	fd   int
	refs int
}

func open(name string, size int) (Region, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if r, ok := registry[name]; ok {
		r.refs++
		return &regionHandle{r: r}, nil
	}

	path := filepath.Join(shmDir, name)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, ipcerr.New("shm.open", ipcerr.RegionUnavailable, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, ipcerr.New("shm.open", ipcerr.RegionUnavailable, err)
	}

	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, ipcerr.New("shm.open", ipcerr.RegionUnavailable, err)
	}

	r := &posixRegion{name: name, data: data, fd: fd, refs: 1}
	registry[name] = r
	return &regionHandle{r: r}, nil
}

// regionHandle is the per-Open value returned to callers; each one
// closes independently but shares the underlying posixRegion.
type regionHandle struct {
	r      *posixRegion
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
	if h.r.refs > 0 {
		return nil
	}

	delete(registry, h.r.name)
	err := unix.Munmap(h.r.data)
	unix.Close(h.r.fd)
	if unlinkErr := unix.Unlink(filepath.Join(shmDir, h.r.name)); unlinkErr != nil && err == nil {
		err = unlinkErr
	}
	if err != nil {
		return ipcerr.New("shm.Close", ipcerr.RegionUnavailable, err)
	}
	return nil
}

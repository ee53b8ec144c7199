package message

import (
	"container/list"
	"sync"

	"github.com/shmchan/shmchan/alloc"
)

// key identifies one in-flight message by its sender's connection and
// the sender's own monotonic message counter.
type key struct {
	connID uint8
	msgID  uint32
}

type partial struct {
	buf      []byte
	expected int // total message length, learned from the first fragment seen
	elem     *list.Element
}

// Cache reassembles fragmented messages keyed by (conn_id, msg_id),
// bounded to maxPartials concurrently in-flight messages; on overflow
// the oldest partial is dropped so a receiver sees a gap rather than
// unbounded memory growth (spec §4.6 "Cleanup").
type Cache struct {
	mu          sync.Mutex
	alloc       alloc.Allocator
	maxPartials int
	partials    map[key]*partial
	lru         *list.List // front = oldest
	selfConnID  uint8
	hasSelf     bool
}

// NewCache constructs a reassembly cache bounded to maxPartials
// simultaneously in-flight partial messages, using allocator to
// allocate and free reassembly buffers.
func NewCache(allocator alloc.Allocator, maxPartials int) *Cache {
	return &Cache{
		alloc:       allocator,
		maxPartials: maxPartials,
		partials:    map[key]*partial{},
		lru:         list.New(),
	}
}

// SetSelf marks connID as this process's own sender identity, so
// fragments it sent to a broadcast channel it also receives on are
// discarded rather than reassembled (spec §4.6 "broadcast
// self-reception").
func (c *Cache) SetSelf(connID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selfConnID = connID
	c.hasSelf = true
}

// Feed processes one incoming fragment. It returns (message, true) once
// the fragment completes a message (whole in one shot, or the final
// piece of a multi-fragment one); otherwise (nil, false).
func (c *Cache) Feed(f Fragment) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasSelf && f.ConnID == c.selfConnID {
		return nil, false
	}

	if f.IsWhole() {
		out := c.alloc.Alloc(f.WholeLen())
		copy(out, f.Data)
		return out, true
	}

	k := key{connID: f.ConnID, msgID: f.MsgID}
	p, ok := c.partials[k]
	if !ok {
		p = &partial{buf: c.alloc.Alloc(0), expected: len(f.Data) + int(f.Remain)}
		p.elem = c.lru.PushBack(k)
		c.partials[k] = p
		c.evictIfOverflowing(k)
	} else {
		c.lru.MoveToBack(p.elem)
		// A ring slot is read back whole, so Data can run past this
		// fragment's chunk; the remain counts give the chunk's real length.
		if n := p.expected - len(p.buf) - int(f.Remain); n >= 0 && n < len(f.Data) {
			f.Data = f.Data[:n]
		}
	}

	p.buf = append(p.buf, f.Data...)

	if f.Remain == 0 {
		delete(c.partials, k)
		c.lru.Remove(p.elem)
		if len(p.buf) != p.expected {
			// A fragment from before the cache evicted this message's
			// start landed here and coincidentally drove remain to 0;
			// the receiver sees a gap rather than a corrupted message
			// (spec §4.6 "Cleanup").
			c.alloc.Free(p.buf)
			return nil, false
		}
		return p.buf, true
	}
	return nil, false
}

// evictIfOverflowing drops the oldest partial message once the cache
// exceeds its configured bound, unless that oldest entry is the one
// just inserted (a single huge fragment count should not evict
// itself).
func (c *Cache) evictIfOverflowing(justInserted key) {
	for len(c.partials) > c.maxPartials {
		oldest := c.lru.Front()
		if oldest == nil {
			return
		}
		k := oldest.Value.(key)
		if k == justInserted && len(c.partials) == 1 {
			return
		}
		c.lru.Remove(oldest)
		if p, ok := c.partials[k]; ok {
			c.alloc.Free(p.buf)
		}
		delete(c.partials, k)
	}
}

// Pending returns the number of messages currently mid-reassembly, for
// diagnostics and tests.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.partials)
}

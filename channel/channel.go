package channel

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/shmchan/shmchan/alloc"
	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/ipcsync"
	"github.com/shmchan/shmchan/logging"
	"github.com/shmchan/shmchan/message"
	"github.com/shmchan/shmchan/registry"
	"github.com/shmchan/shmchan/ring"
	"github.com/shmchan/shmchan/shm"
)

// noConnID is the reserved conn_id for a sender that is not also a
// receiver on this channel (spec §4.6: "conn_id (the sender's cc_id
// or a reserved value when the sender is not also a receiver)"). Valid
// receiver indices span 0-31 (registry.MaxReceivers), so 0xFF is
// unambiguous.
const noConnID uint8 = 0xFF

// defaultMaxPartials bounds how many distinct (conn_id, msg_id)
// reassemblies may be in flight at once (spec §4.6 "Cleanup"). The
// reassembly allocator sets no byte limit of its own: an exhausted
// Arena falls back to heap allocations.
const defaultMaxPartials = 64

// Channel is a named endpoint composed of one shared-memory ring plus
// its synchronization primitives (spec §6, GLOSSARY "Channel").
type Channel struct {
	cfg    Config
	mode   Mode
	logger *zap.SugaredLogger

	region shm.Region
	hdr    *ring.Header
	reg    *registry.Registry
	ccID   uint32 // 0 if not connected as a receiver

	endpoint ringEndpoint
	slotSize uint32

	mutex  *ipcsync.Mutex
	waiter *ipcsync.Waiter

	reasm  *message.Cache
	allocr alloc.Allocator

	msgID   atomic.Uint32
	connID  uint8
	closed  atomic.Bool
	closeMu sync.Mutex
}

// Open attaches to (creating if necessary) the named channel described
// by cfg, in the mode cfg.Mode declares, and returns a ready-to-use
// endpoint. For receiver-mode opens this also reserves a connection
// bit in the registry (spec §6 "open(name,mode)->bool... for
// receiver-mode, also allocate a cc_id").
func Open(ctx context.Context, cfg Config, opts ...Option) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if ok, err := nameAllowed(cfg.Name, cfg.AllowedNamePatterns); err != nil {
		return nil, err
	} else if !ok {
		return nil, ipcerr.New("channel.Open", ipcerr.InvalidArgument, fmt.Errorf("channel name %q is not in allowed_name_patterns", cfg.Name))
	}
	mode, err := cfg.ModeFlags()
	if err != nil {
		return nil, err
	}

	var options channelOptions
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		var err error
		logger, _, err = logging.Init(cfg.LogLevel)
		if err != nil {
			logger = logging.Nop()
		}
	}

	slotSize := uint32(cfg.SlotSize)
	size := ring.SlotsOffset() + int(cfg.Capacity)*(int(slotSize)+maxSlotHeadPadding)

	region, hdr, err := shm.Open(ctx, cfg.Name, size)
	if err != nil {
		logger.Errorw("failed to open shared region", "name", cfg.Name, "error", err)
		return nil, err
	}

	cond := ipcsync.NewCond(hdr.RegGen)
	reg := registry.New(hdr.CCMask, cond)

	c := &Channel{
		cfg:      cfg,
		mode:     mode,
		logger:   logger,
		region:   region,
		hdr:      hdr,
		reg:      reg,
		slotSize: slotSize,
		mutex:    ipcsync.NewMutex(hdr.MutexState, hdr.MutexFlags),
	}

	semaWord, handshakeWord := hdr.WaiterWords()
	waiting := new(uint32) // local: each endpoint tracks only its own blocked calls
	c.waiter = ipcsync.NewWaiter(ipcsync.NewSemaphore(semaWord), ipcsync.NewSemaphore(handshakeWord), waiting)

	if mode.Has(Receiver) {
		ccID, err := reg.Connect()
		if err != nil {
			logger.Errorw("failed to reserve a receiver slot", "name", cfg.Name, "error", err)
			region.Close()
			return nil, err
		}
		c.ccID = ccID
		c.connID = uint8(bits.TrailingZeros32(ccID))
	} else {
		c.connID = noConnID
	}

	endpoint, err := newRingEndpoint(cfg.Protocol, hdr, cfg.Capacity, slotSize, reg, c.ccID)
	if err != nil {
		if c.ccID != 0 {
			reg.Disconnect(c.ccID)
		}
		region.Close()
		return nil, err
	}
	c.endpoint = endpoint

	if cfg.ReassemblyCacheSize > 0 {
		c.allocr = alloc.NewArena(int(cfg.ReassemblyCacheSize))
	} else {
		c.allocr = alloc.Heap{}
	}
	c.reasm = message.NewCache(c.allocr, defaultMaxPartials)
	if mode.Has(Sender) && mode.Has(Receiver) {
		c.reasm.SetSelf(c.connID)
	}

	logger.Infow("channel opened", "name", cfg.Name, "protocol", cfg.Protocol, "mode", mode.String())
	return c, nil
}

type channelOptions struct {
	logger *zap.SugaredLogger
}

// Option customizes a Channel at Open time.
type Option func(*channelOptions)

// WithLogger attaches logger to the channel, replacing the default
// logger Open builds from cfg.LogLevel.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *channelOptions) { o.logger = logger }
}

// maxSlotHeadPadding is reserved per slot: it covers the largest per-slot
// head size (mmbHeadSize, internal to ring) after every protocol's
// cache-line stride rounding, so a region sized here is never short
// regardless of which protocol ends up using it.
const maxSlotHeadPadding = 64

// Reconnect changes this endpoint's mode at runtime without tearing
// down the region attachment (spec §9.1, supplemented from
// original_source/src/channel.cpp's ipc::channel::reconnect):
// enabling Receiver acquires a registry bit, disabling it releases
// one.
func (c *Channel) Reconnect(mode Mode) error {
	if c.closed.Load() {
		return ipcerr.New("channel.Reconnect", ipcerr.Closed, nil)
	}

	wasReceiver := c.mode.Has(Receiver)
	wantReceiver := mode.Has(Receiver)

	if wantReceiver && !wasReceiver {
		ccID, err := c.reg.Connect()
		if err != nil {
			return err
		}
		c.ccID = ccID
		c.connID = uint8(bits.TrailingZeros32(ccID))
		endpoint, err := newRingEndpoint(c.cfg.Protocol, c.hdr, c.cfg.Capacity, c.slotSize, c.reg, c.ccID)
		if err != nil {
			c.reg.Disconnect(ccID)
			return err
		}
		c.endpoint = endpoint
	} else if !wantReceiver && wasReceiver {
		c.reg.Disconnect(c.ccID)
		c.ccID = 0
		c.connID = noConnID
	}

	if mode.Has(Sender) && mode.Has(Receiver) {
		c.reasm.SetSelf(c.connID)
	}
	c.mode = mode
	c.logger.Infow("channel reconnected", "name", c.cfg.Name, "mode", mode.String())
	return nil
}

// Close releases this endpoint: its registry bit (if any) is released,
// any pending blocking calls are dismissed, and the region is
// detached, unlinking the backing storage if this was the last
// reference anywhere. Only the region detach can fail; its error is
// returned through a go-multierror value.
func (c *Channel) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Swap(true) {
		return nil
	}

	var result *multierror.Error

	c.waiter.QuitWaiting()

	if c.ccID != 0 {
		c.reg.Disconnect(c.ccID)
	}

	if err := c.region.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	c.logger.Infow("channel closed", "name", c.cfg.Name)

	return result.ErrorOrNil()
}

// RecvCount returns the number of currently connected receivers on
// this channel's name (spec §6 "recv_count").
func (c *Channel) RecvCount() uint32 {
	return c.reg.Count()
}

// WaitForRecv blocks until RecvCount() >= n or ctx/timeoutMs elapses
// (spec §6 "wait_for_recv", §9.1 supplemented receive-count waiting).
func (c *Channel) WaitForRecv(ctx context.Context, n uint32, timeoutMs int) error {
	if c.closed.Load() {
		return ipcerr.New("channel.WaitForRecv", ipcerr.Closed, nil)
	}
	if timeoutMs < 0 {
		return c.reg.WaitForCount(ctx, n)
	}

	cctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	err := c.reg.WaitForCount(cctx, n)
	if err != nil && cctx.Err() == context.DeadlineExceeded {
		return ipcerr.New("channel.WaitForRecv", ipcerr.Timeout, nil)
	}
	return err
}

// Send transmits payload, fragmenting it if necessary, blocking while
// the ring is full up to timeoutMs (spec §6 "send").
func (c *Channel) Send(ctx context.Context, payload []byte, timeoutMs int) error {
	return c.send(ctx, payload, timeoutMs, false)
}

// TrySend transmits payload using force-push semantics on broadcast
// channels (evicting the receiver with the lowest connected bit rather
// than blocking); on
// unicast channels it behaves exactly like Send (spec §6 "try_send").
func (c *Channel) TrySend(ctx context.Context, payload []byte, timeoutMs int) error {
	return c.send(ctx, payload, timeoutMs, true)
}

func (c *Channel) send(ctx context.Context, payload []byte, timeoutMs int, force bool) error {
	if !c.mode.Has(Sender) {
		return ipcerr.New("channel.Send", ipcerr.InvalidArgument, fmt.Errorf("channel not opened in sender mode"))
	}

	maxChunk := int(c.slotSize) - message.HeaderSize
	if maxChunk <= 0 {
		return ipcerr.New("channel.Send", ipcerr.InvalidArgument, fmt.Errorf("slot_size too small for fragment header"))
	}

	msgID := c.msgID.Add(1)
	fragments := message.Split(c.connID, msgID, payload, maxChunk)

	deadline, hasDeadline := deadlineFromMs(timeoutMs)
	buf := make([]byte, c.slotSize)

	for _, f := range fragments {
		n := message.Encode(f, buf)
		if err := c.pushOne(ctx, buf[:n], deadline, hasDeadline, timeoutMs, force); err != nil {
			return err
		}
	}
	return nil
}

func (c *Channel) pushOne(ctx context.Context, slot []byte, deadline time.Time, hasDeadline bool, timeoutMs int, force bool) error {
	for {
		if c.closed.Load() {
			return ipcerr.New("channel.Send", ipcerr.Closed, nil)
		}

		var err error
		if force {
			err = c.endpoint.tryPush(slot)
		} else {
			err = c.endpoint.push(slot)
		}
		if err == nil {
			c.waiter.Notify(ctx, 0)
			return nil
		}
		if !ipcerr.Is(err, ipcerr.RingFull) {
			return err
		}

		if timeoutMs == 0 {
			return ipcerr.New("channel.Send", ipcerr.Timeout, nil)
		}

		remaining := ipcsync.InfiniteTimeout
		if hasDeadline {
			left := time.Until(deadline)
			if left <= 0 {
				return ipcerr.New("channel.Send", ipcerr.Timeout, nil)
			}
			remaining = int(left.Milliseconds())
		}
		if err := c.waitOnWaiter(ctx, remaining); err != nil {
			return err
		}
	}
}

// Recv blocks for a complete message (reassembling fragments as
// needed), up to timeoutMs (spec §6 "recv").
func (c *Channel) Recv(ctx context.Context, timeoutMs int) ([]byte, error) {
	if !c.mode.Has(Receiver) {
		return nil, ipcerr.New("channel.Recv", ipcerr.InvalidArgument, fmt.Errorf("channel not opened in receiver mode"))
	}

	deadline, hasDeadline := deadlineFromMs(timeoutMs)
	buf := make([]byte, c.slotSize)

	for {
		if c.closed.Load() {
			return nil, ipcerr.New("channel.Recv", ipcerr.Closed, nil)
		}

		n, err := c.endpoint.pop(buf)
		if err == nil {
			frag := message.Decode(buf[:n])
			c.waiter.Notify(ctx, 0)
			if msg, done := c.reasm.Feed(frag); done {
				return msg, nil
			}
			continue
		}
		if !ipcerr.Is(err, ipcerr.RingEmpty) {
			return nil, err
		}

		if timeoutMs == 0 {
			return nil, ipcerr.New("channel.Recv", ipcerr.Timeout, nil)
		}

		remaining := ipcsync.InfiniteTimeout
		if hasDeadline {
			left := time.Until(deadline)
			if left <= 0 {
				return nil, ipcerr.New("channel.Recv", ipcerr.Timeout, nil)
			}
			remaining = int(left.Milliseconds())
		}
		if err := c.waitOnWaiter(ctx, remaining); err != nil {
			return nil, err
		}
	}
}

// TryRecv is a non-blocking Recv.
func (c *Channel) TryRecv(ctx context.Context) ([]byte, error) {
	return c.Recv(ctx, 0)
}

// waitOnWaiter guards entry to the shared waiter wrapper with the
// channel's robust mutex (spec §4.5 "robust mutex... protects only the
// waiter bookkeeping"). A dead previous owner is recovered
// transparently: the recovery hook is a no-op here because producers
// only make state visible to consumers as their final, already-atomic
// step, so there is never a partially-updated invariant to repair.
func (c *Channel) waitOnWaiter(ctx context.Context, timeoutMs int) error {
	ownerDead, err := c.mutex.Lock(ctx, timeoutMs)
	if err != nil {
		return err
	}
	if ownerDead {
		c.mutex.MarkConsistent()
	}
	defer c.mutex.Unlock()

	return c.waiter.Wait(ctx, timeoutMs)
}

func deadlineFromMs(timeoutMs int) (time.Time, bool) {
	if timeoutMs < 0 {
		return time.Time{}, false
	}
	return time.Now().Add(time.Duration(timeoutMs) * time.Millisecond), true
}

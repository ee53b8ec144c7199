package channel

import (
	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/registry"
	"github.com/shmchan/shmchan/ring"
)

// ringEndpoint hides the differences between the four protocol ring
// types behind the one shape a channel actually drives: push a slot,
// optionally force it in, pop the next slot. Modeled as a tagged
// variant (one concrete adapter per protocol) rather than a common
// base interface on the ring types themselves, per spec §9's
// "template-per-protocol instantiation" guidance — the protocol is
// fixed for a channel's lifetime and never switched at runtime.
type ringEndpoint interface {
	push(payload []byte) error
	tryPush(payload []byte) error
	pop(out []byte) (int, error)
}

func newRingEndpoint(protocol Protocol, hdr *ring.Header, cap, slotSize uint32, reg *registry.Registry, ccID uint32) (ringEndpoint, error) {
	switch protocol {
	case ProtocolSSU:
		r, err := ring.NewSSURing(hdr, cap, slotSize, true)
		if err != nil {
			return nil, err
		}
		return &ssuEndpoint{r: r}, nil
	case ProtocolMMU:
		r, err := ring.NewMMURing(hdr, cap, slotSize)
		if err != nil {
			return nil, err
		}
		return &mmuEndpoint{r: r}, nil
	case ProtocolSMB:
		r, err := ring.NewSMBRing(hdr, cap, slotSize, reg)
		if err != nil {
			return nil, err
		}
		var cursor *ring.BroadcastCursor
		if ccID != 0 {
			cursor = r.NewBroadcastCursor(ccID)
		}
		return &smbEndpoint{r: r, cursor: cursor}, nil
	case ProtocolMMB:
		r, err := ring.NewMMBRing(hdr, cap, slotSize, reg)
		if err != nil {
			return nil, err
		}
		var cursor *ring.BroadcastCursor
		if ccID != 0 {
			cursor = r.NewBroadcastCursor(ccID)
		}
		return &mmbEndpoint{r: r, cursor: cursor}, nil
	default:
		return nil, ipcerr.New("channel.newRingEndpoint", ipcerr.InvalidArgument, nil)
	}
}

type ssuEndpoint struct{ r *ring.SSURing }

func (e *ssuEndpoint) push(payload []byte) error    { return e.r.Push(payload) }
func (e *ssuEndpoint) tryPush(payload []byte) error { return e.r.Push(payload) }
func (e *ssuEndpoint) pop(out []byte) (int, error)  { return e.r.Pop(out) }

type mmuEndpoint struct{ r *ring.MMURing }

func (e *mmuEndpoint) push(payload []byte) error    { return e.r.Push(payload) }
func (e *mmuEndpoint) tryPush(payload []byte) error { return e.r.Push(payload) }
func (e *mmuEndpoint) pop(out []byte) (int, error)  { return e.r.Pop(out) }

type smbEndpoint struct {
	r      *ring.SMBRing
	cursor *ring.BroadcastCursor
}

func (e *smbEndpoint) push(payload []byte) error    { return e.r.Push(payload) }
func (e *smbEndpoint) tryPush(payload []byte) error { return e.r.ForcePush(payload) }
func (e *smbEndpoint) pop(out []byte) (int, error) {
	if e.cursor == nil {
		return 0, ipcerr.New("channel.smbEndpoint.pop", ipcerr.InvalidArgument, nil)
	}
	return e.r.Pop(e.cursor, out)
}

type mmbEndpoint struct {
	r      *ring.MMBRing
	cursor *ring.BroadcastCursor
}

func (e *mmbEndpoint) push(payload []byte) error    { return e.r.Push(payload) }
func (e *mmbEndpoint) tryPush(payload []byte) error { return e.r.ForcePush(payload) }
func (e *mmbEndpoint) pop(out []byte) (int, error) {
	if e.cursor == nil {
		return 0, ipcerr.New("channel.mmbEndpoint.pop", ipcerr.InvalidArgument, nil)
	}
	return e.r.Pop(e.cursor, out)
}

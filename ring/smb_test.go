package ring

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/registry"
)

func newTestRegistry(t *testing.T, nConnected int) (*registry.Registry, []uint32) {
	t.Helper()
	var mask atomic.Uint32
	reg := registry.New(&mask, nil)
	ids := make([]uint32, 0, nConnected)
	for i := 0; i < nConnected; i++ {
		id, err := reg.Connect()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return reg, ids
}

func TestSMBRingPushWithNoReceiversFails(t *testing.T) {
	hdr := newTestHeader(t, broadcastHeadSize, testSlotSize)
	reg, _ := newTestRegistry(t, 0)
	r, err := NewSMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	err = r.Push([]byte("x"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.NoReceivers))
}

func TestSMBRingEveryReceiverGetsTheMessage(t *testing.T) {
	hdr := newTestHeader(t, broadcastHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 3)
	r, err := NewSMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	cursors := make([]*BroadcastCursor, len(ids))
	for i, id := range ids {
		cursors[i] = r.NewBroadcastCursor(id)
	}

	require.NoError(t, r.Push([]byte("hello")))

	for _, c := range cursors {
		out := make([]byte, testSlotSize)
		n, err := r.Pop(c, out)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(out[:n]))
	}
}

func TestSMBRingFullUntilAllReceiversRead(t *testing.T) {
	hdr := newTestHeader(t, broadcastHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 2)
	r, err := NewSMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	cursors := make([]*BroadcastCursor, len(ids))
	for i, id := range ids {
		cursors[i] = r.NewBroadcastCursor(id)
	}

	require.NoError(t, r.Push([]byte("first")))

	// Only one of two receivers reads; the slot still has an
	// outstanding reader.
	out := make([]byte, testSlotSize)
	_, err = r.Pop(cursors[0], out)
	require.NoError(t, err)

	// Fill the remaining slots so the next push wraps back onto slot 0.
	for i := 1; i < testCap; i++ {
		require.NoError(t, r.Push([]byte{byte(i)}))
	}

	err = r.Push([]byte("second"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RingFull))
}

func TestSMBRingForcePushEvictsLaggingReceiver(t *testing.T) {
	hdr := newTestHeader(t, broadcastHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 3)
	r, err := NewSMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	c0 := r.NewBroadcastCursor(ids[0])
	require.NoError(t, r.Push([]byte("oldest")))
	// One of three receivers keeps up; the other two never read.
	_, err = r.Pop(c0, make([]byte, testSlotSize))
	require.NoError(t, err)

	for i := 1; i < testCap; i++ {
		require.NoError(t, r.Push([]byte{byte(i)}))
	}

	// w_idx has now wrapped back onto slot 0. Two of its three original
	// readers never consumed it, so a plain Push must fail...
	err = r.Push([]byte("blocked"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RingFull))

	// ...but ForcePush evicts receivers, lowest bit first (here that
	// includes the one that kept up), and succeeds with at least one
	// receiver still connected.
	require.NoError(t, r.ForcePush([]byte("forced")))
	assert.Less(t, reg.Count(), uint32(3), "force-push must evict at least one lagging receiver")
	assert.Greater(t, reg.Count(), uint32(0))
}

func TestSMBRingLateJoinerStartsAtCurrentCursor(t *testing.T) {
	hdr := newTestHeader(t, broadcastHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 1)
	r, err := NewSMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	c0 := r.NewBroadcastCursor(ids[0])
	require.NoError(t, r.Push([]byte("before")))
	out := make([]byte, testSlotSize)
	_, err = r.Pop(c0, out)
	require.NoError(t, err)

	lateID, err := reg.Connect()
	require.NoError(t, err)
	lateCursor := r.NewBroadcastCursor(lateID)

	_, err = r.Pop(lateCursor, out)
	require.Error(t, err, "a late joiner must not see the message sent before it connected")
}

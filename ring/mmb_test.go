package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ipcerr"
)

func TestMMBRingPushWithNoReceiversFails(t *testing.T) {
	hdr := newTestHeader(t, mmbHeadSize, testSlotSize)
	reg, _ := newTestRegistry(t, 0)
	r, err := NewMMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	err = r.Push([]byte("x"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.NoReceivers))
}

func TestMMBRingEveryReceiverGetsTheMessage(t *testing.T) {
	hdr := newTestHeader(t, mmbHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 2)
	r, err := NewMMBRing(hdr, testCap, testSlotSize, reg)
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

func TestMMBRingForcePushEvictsLaggingReceivers(t *testing.T) {
	hdr := newTestHeader(t, mmbHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 3)
	r, err := NewMMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	c0 := r.NewBroadcastCursor(ids[0])
	require.NoError(t, r.Push([]byte("oldest")))
	_, err = r.Pop(c0, make([]byte, testSlotSize))
	require.NoError(t, err)

	for i := 1; i < testCap; i++ {
		require.NoError(t, r.Push([]byte{byte(i)}))
	}

	err = r.Push([]byte("blocked"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RingFull))

	require.NoError(t, r.ForcePush([]byte("forced")))
	assert.Less(t, reg.Count(), uint32(3))
	assert.Greater(t, reg.Count(), uint32(0))
}

func TestMMBRingConcurrentProducers(t *testing.T) {
	hdr := newTestHeader(t, mmbHeadSize, testSlotSize)
	reg, ids := newTestRegistry(t, 1)
	r, err := NewMMBRing(hdr, testCap, testSlotSize, reg)
	require.NoError(t, err)

	cursor := r.NewBroadcastCursor(ids[0])

	done := make(chan error, 2)
	for p := 0; p < 2; p++ {
		go func(p int) {
			for i := 0; i < 3; i++ {
				for {
					if err := r.Push([]byte{byte(p), byte(i)}); err == nil {
						break
					}
				}
			}
			done <- nil
		}(p)
	}
	require.NoError(t, <-done)
	require.NoError(t, <-done)

	got := 0
	out := make([]byte, testSlotSize)
	for {
		_, err := r.Pop(cursor, out)
		if err != nil {
			break
		}
		got++
	}
	assert.Equal(t, 6, got)
}

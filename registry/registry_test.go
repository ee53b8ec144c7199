package registry

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ipcerr"
	"github.com/shmchan/shmchan/ipcsync"
)

func newTestRegistry() (*Registry, *atomic.Uint32, *atomic.Uint32) {
	var mask atomic.Uint32
	var gen atomic.Uint32
	return New(&mask, nil), &mask, &gen
}

func TestConnectAssignsLowestClearBit(t *testing.T) {
	reg, _, _ := newTestRegistry()

	a, err := reg.Connect()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), a)

	b, err := reg.Connect()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), b)

	reg.Disconnect(a)

	c, err := reg.Connect()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c, "the freed lowest bit must be reused before allocating a new one")
}

func TestConnectFailsWhenRegistryFull(t *testing.T) {
	reg, _, _ := newTestRegistry()

	for i := 0; i < MaxReceivers; i++ {
		_, err := reg.Connect()
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(MaxReceivers), reg.Count())

	_, err := reg.Connect()
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RegistryFull))
}

func TestDisconnectZeroIsNoop(t *testing.T) {
	reg, _, _ := newTestRegistry()
	a, err := reg.Connect()
	require.NoError(t, err)

	reg.Disconnect(0)
	assert.Equal(t, a, reg.Mask())
}

func TestLowestSetMatchesLowestConnectedBit(t *testing.T) {
	reg, _, _ := newTestRegistry()
	assert.Equal(t, uint32(0), reg.LowestSet())

	a, err := reg.Connect()
	require.NoError(t, err)
	_, err = reg.Connect()
	require.NoError(t, err)

	assert.Equal(t, a, reg.LowestSet())
}

func TestIterYieldsConnectedBitsInOrder(t *testing.T) {
	reg, _, _ := newTestRegistry()
	a, _ := reg.Connect()
	b, _ := reg.Connect()
	c, _ := reg.Connect()
	reg.Disconnect(b)

	var got []uint32
	reg.Iter(func(ccID uint32) bool {
		got = append(got, ccID)
		return true
	})
	assert.Equal(t, []uint32{a, c}, got)
}

func TestIterStopsEarly(t *testing.T) {
	reg, _, _ := newTestRegistry()
	reg.Connect()
	reg.Connect()
	reg.Connect()

	count := 0
	reg.Iter(func(ccID uint32) bool {
		count++
		return false
	})
	assert.Equal(t, 1, count)
}

func TestConnectedEnumeratesWithOrdinal(t *testing.T) {
	reg, _, _ := newTestRegistry()
	a, _ := reg.Connect()
	b, _ := reg.Connect()

	var idxs []int
	var ids []uint32
	for idx, ccID := range reg.Connected() {
		idxs = append(idxs, idx)
		ids = append(ids, ccID)
	}
	assert.Equal(t, []int{0, 1}, idxs)
	assert.Equal(t, []uint32{a, b}, ids)
}

func TestWaitForCountWithCondUnblocksOnConnect(t *testing.T) {
	var mask atomic.Uint32
	var gen uint32
	reg := New(&mask, ipcsync.NewCond(&gen))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- reg.WaitForCount(ctx, 2)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Connect()
	reg.Connect()

	require.NoError(t, <-done)
}

func TestWaitForCountWithoutCondPolls(t *testing.T) {
	reg, _, _ := newTestRegistry()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- reg.WaitForCount(ctx, 1)
	}()

	time.Sleep(20 * time.Millisecond)
	reg.Connect()

	require.NoError(t, <-done)
}

func TestWaitForCountTimesOut(t *testing.T) {
	reg, _, _ := newTestRegistry()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := reg.WaitForCount(ctx, 1)
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.Timeout))
}

package ring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ipcerr"
)

func TestSSURingPushPopRoundTrip(t *testing.T) {
	hdr := newTestHeader(t, 0, testSlotSize)
	r, err := NewSSURing(hdr, testCap, testSlotSize, false)
	require.NoError(t, err)

	require.NoError(t, r.Push([]byte("hello")))

	out := make([]byte, testSlotSize)
	n, err := r.Pop(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out[:n]))
}

func TestSSURingPopEmpty(t *testing.T) {
	hdr := newTestHeader(t, 0, testSlotSize)
	r, err := NewSSURing(hdr, testCap, testSlotSize, false)
	require.NoError(t, err)

	_, err = r.Pop(make([]byte, testSlotSize))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RingEmpty))
}

func TestSSURingFullWhenCapacityExhausted(t *testing.T) {
	hdr := newTestHeader(t, 0, testSlotSize)
	r, err := NewSSURing(hdr, testCap, testSlotSize, false)
	require.NoError(t, err)

	for i := 0; i < testCap-1; i++ {
		require.NoError(t, r.Push([]byte("x")))
	}

	err = r.Push([]byte("overflow"))
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.RingFull))
}

func TestSSURingRejectsNonPowerOfTwoCapacity(t *testing.T) {
	hdr := newTestHeader(t, 0, testSlotSize)
	_, err := NewSSURing(hdr, 7, testSlotSize, false)
	require.Error(t, err)
	assert.True(t, ipcerr.Is(err, ipcerr.InvalidArgument))
}

func TestSSURingMultiConsumerNoDuplicateDelivery(t *testing.T) {
	hdr := newTestHeader(t, 0, testSlotSize)
	r, err := NewSSURing(hdr, testCap, testSlotSize, true)
	require.NoError(t, err)

	const n = testCap - 1
	for i := 0; i < n; i++ {
		require.NoError(t, r.Push([]byte{byte(i)}))
	}

	var mu sync.Mutex
	seen := map[byte]int{}
	var wg sync.WaitGroup
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				out := make([]byte, testSlotSize)
				nr, err := r.Pop(out)
				if err != nil {
					return
				}
				mu.Lock()
				seen[out[:nr][0]]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for _, count := range seen {
		assert.Equal(t, 1, count)
	}
}

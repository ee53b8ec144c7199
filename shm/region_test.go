package shm

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmchan/shmchan/ring"
)

func uniqueName(t *testing.T) string {
	return fmt.Sprintf("shmchan-test-%s-%p", t.Name(), t)
}

func TestOpenCreatesAndConstructsOnce(t *testing.T) {
	name := uniqueName(t)
	size := ring.SlotsOffset() + 64

	region, hdr, err := Open(context.Background(), name, size)
	require.NoError(t, err)
	defer region.Close()

	assert.True(t, hdr.IsConstructed())
	assert.Len(t, region.Get(), size)
}

func TestOpenAttachesToExistingRegion(t *testing.T) {
	name := uniqueName(t)
	size := ring.SlotsOffset() + 64

	r1, hdr1, err := Open(context.Background(), name, size)
	require.NoError(t, err)
	defer r1.Close()

	hdr1.WIdx.Store(7)

	r2, hdr2, err := Open(context.Background(), name, size)
	require.NoError(t, err)
	defer r2.Close()

	assert.Equal(t, uint32(7), hdr2.WIdx.Load(), "second opener must see the same backing memory")
}

func TestConcurrentFirstOpenConstructsExactlyOnce(t *testing.T) {
	name := uniqueName(t)
	size := ring.SlotsOffset() + 64

	const n = 8
	var wg sync.WaitGroup
	regions := make([]Region, n)
	headers := make([]*ring.Header, n)
	errs := make([]error, n)

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			regions[i], headers[i], errs[i] = Open(context.Background(), name, size)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.True(t, headers[i].IsConstructed())
	}
	for _, r := range regions {
		r.Close()
	}
}

func TestCloseUnlinksOnLastReference(t *testing.T) {
	name := uniqueName(t)
	size := ring.SlotsOffset() + 64

	r1, _, err := Open(context.Background(), name, size)
	require.NoError(t, err)
	r2, _, err := Open(context.Background(), name, size)
	require.NoError(t, err)

	require.NoError(t, r1.Close())

	// r2 is still alive; its memory must remain valid.
	r2.Get()[0] = 0x42
	assert.Equal(t, byte(0x42), r2.Get()[0])

	require.NoError(t, r2.Close())

	// A fresh Open under the same name must get a clean region, proving
	// the old one was actually unlinked rather than merely leaked.
	r3, hdr3, err := Open(context.Background(), name, size)
	require.NoError(t, err)
	defer r3.Close()
	assert.True(t, hdr3.IsConstructed())
	assert.NotEqual(t, byte(0x42), r3.Get()[0], "a reopened name must start from fresh, unlinked storage")
}

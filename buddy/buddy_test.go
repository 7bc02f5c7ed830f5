package buddy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegion(t *testing.T, blocks int) *Region {
	t.Helper()
	r := NewRegion(uint64(blocks)*DefaultBlockSize, DefaultBlockSize)
	_, err := r.Init()
	require.NoError(t, err)
	return r
}

func TestRegionAllocFreeRoundTrip(t *testing.T) {
	r := newTestRegion(t, 8) // one order-3 block

	a, err := r.Alloc(0)
	require.NoError(t, err)
	b, err := r.Alloc(0)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, r.Free(a, 0))
	require.NoError(t, r.Free(b, 0))

	// S6: coalescing must restore the original single order-3 freelist.
	stats := r.Stats()
	require.Equal(t, 1, stats.FreeBlocks[3])
	for order := 0; order < 3; order++ {
		require.Equal(t, 0, stats.FreeBlocks[order])
	}

	// Property 6: the freelist is usable again at the order we started at.
	c, err := r.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, uint64(0), c)
}

func TestRegionSplitsLargerBlocks(t *testing.T) {
	r := newTestRegion(t, 4) // single order-2 block

	addr, err := r.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, uint64(0), addr)

	stats := r.Stats()
	require.Equal(t, 1, stats.FreeBlocks[0]) // the other half of the split order-1
	require.Equal(t, 1, stats.FreeBlocks[1]) // the untouched order-1 half
}

func TestRegionAllocExhaustion(t *testing.T) {
	r := newTestRegion(t, 1)

	_, err := r.Alloc(0)
	require.NoError(t, err)

	_, err = r.Alloc(0)
	require.ErrorIs(t, err, ErrOutOfMemory)
}

func TestRegionNeverOverlapsLiveAllocations(t *testing.T) {
	r := newTestRegion(t, 16)

	seen := map[uint64]bool{}
	var addrs []uint64
	for i := 0; i < 16; i++ {
		addr, err := r.Alloc(0)
		require.NoError(t, err)
		require.False(t, seen[addr], "address %d allocated twice", addr)
		seen[addr] = true
		addrs = append(addrs, addr)
	}

	for _, addr := range addrs {
		require.NoError(t, r.Free(addr, 0))
	}
}

func TestRegionInvalidOrderAndAddress(t *testing.T) {
	r := newTestRegion(t, 4)

	_, err := r.Alloc(MaxOrder + 1)
	require.ErrorIs(t, err, ErrInvalidOrder)

	err = r.Free(0, MaxOrder+1)
	require.ErrorIs(t, err, ErrInvalidOrder)

	err = r.Free(r.Size()*2, 0)
	require.ErrorIs(t, err, ErrInvalidAddress)
}

package kmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/kmemalloc/buddy"
)

func newTestFacade(t *testing.T, blocks int) *Facade {
	t.Helper()
	region := buddy.NewRegion(uint64(blocks)*buddy.DefaultBlockSize, buddy.DefaultBlockSize)
	_, err := region.Init()
	require.NoError(t, err)
	return NewFacade(region)
}

func TestSizeToIndex(t *testing.T) {
	require.Equal(t, -1, sizeToIndex(0))
	require.Equal(t, 0, sizeToIndex(1))
	require.Equal(t, 0, sizeToIndex(32))
	require.Equal(t, 1, sizeToIndex(33))
	require.Equal(t, numSizeClasses-1, sizeToIndex(classSize(numSizeClasses-1)))
	require.Equal(t, -1, sizeToIndex(classSize(numSizeClasses-1)+1))
}

// S5: Kmalloc dispatches to the right size class and Kfree returns the
// object to it, creating each class's cache lazily on first use.
func TestFacadeKmallocKfreeDispatch(t *testing.T) {
	f := newTestFacade(t, 64)

	small, err := f.Kmalloc(20)
	require.NoError(t, err)
	require.Len(t, small, 32)

	large, err := f.Kmalloc(2000)
	require.NoError(t, err)
	require.Len(t, large, 2048)

	require.Len(t, f.Registry().Caches(), 2)

	require.NoError(t, f.Kfree(small))
	require.NoError(t, f.Kfree(large))
}

func TestFacadeKmallocRejectsOutOfRangeSizes(t *testing.T) {
	f := newTestFacade(t, 4)

	_, err := f.Kmalloc(0)
	require.ErrorIs(t, err, ErrZeroSize)

	_, err = f.Kmalloc(classSize(numSizeClasses-1) + 1)
	require.ErrorIs(t, err, ErrSizeTooLarge)
}

func TestFacadeKfreeUnknownPointer(t *testing.T) {
	f := newTestFacade(t, 4)

	_, err := f.Kmalloc(64)
	require.NoError(t, err)

	foreign := make([]byte, 64)
	require.ErrorIs(t, f.Kfree(foreign), ErrPointerNotFound)
}

// Kmalloc must return an error, never panic, when the backing region is
// too small to ever grow a slab of the requested class's order.
func TestFacadeKmallocReturnsErrorWhenRegionTooSmall(t *testing.T) {
	f := newTestFacade(t, 4) // 16 KiB region, far short of a 128 KiB slab

	require.NotPanics(t, func() {
		_, err := f.Kmalloc(classSize(numSizeClasses - 1))
		require.ErrorIs(t, err, ErrCacheCreateFailed)
	})
}

func TestFacadeReusesSameClassCache(t *testing.T) {
	f := newTestFacade(t, 64)

	a, err := f.Kmalloc(10)
	require.NoError(t, err)
	b, err := f.Kmalloc(30)
	require.NoError(t, err)
	require.NoError(t, f.Kfree(a))
	require.NoError(t, f.Kfree(b))

	require.Len(t, f.Registry().Caches(), 1, "10 and 30 bytes both land in the 32-byte class")
}

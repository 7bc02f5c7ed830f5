package kmem

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/kmemalloc/buddy"
)

func newTestRegistry(t *testing.T, blocks int) *Registry {
	t.Helper()
	region := buddy.NewRegion(uint64(blocks)*buddy.DefaultBlockSize, buddy.DefaultBlockSize)
	_, err := region.Init()
	require.NoError(t, err)
	return NewRegistry(region)
}

// S1: basic create/alloc/free cycle.
func TestCacheAllocFreeRoundTrip(t *testing.T) {
	reg := newTestRegistry(t, 16)
	c, err := reg.CreateCache("widget", 64, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "widget", c.Name())

	obj, err := c.Alloc()
	require.NoError(t, err)
	require.Len(t, obj, 64)

	stats := c.Stats()
	require.Equal(t, 1, stats.SlabCount)
	require.Equal(t, stats.TotalObjs-1, stats.FreeObjs)

	c.Free(obj)
	require.Equal(t, ErrNone, c.Error())

	stats = c.Stats()
	require.Equal(t, stats.TotalObjs, stats.FreeObjs)
}

// S2: constructor runs on every slot when a slab is grown, and again after
// each Free, so an object is always in the constructed state.
func TestCacheConstructorDestructorInvariant(t *testing.T) {
	reg := newTestRegistry(t, 16)

	var ctorCalls, dtorCalls int
	ctor := func(obj []byte) {
		ctorCalls++
		obj[0] = 0xAB
	}
	dtor := func(obj []byte) {
		dtorCalls++
	}

	c, err := reg.CreateCache("gadget", 32, ctor, dtor)
	require.NoError(t, err)

	obj, err := c.Alloc()
	require.NoError(t, err)
	require.Equal(t, byte(0xAB), obj[0], "object must already be constructed at alloc time")

	firstGrowCalls := ctorCalls
	require.Equal(t, c.Stats().ObjPerSlab, firstGrowCalls, "growSlab must construct every slot up front")

	obj[0] = 0xFF
	c.Free(obj)
	require.Equal(t, firstGrowCalls+1, ctorCalls, "free must re-run the constructor to restore the invariant")
	require.Equal(t, byte(0xAB), obj[0])

	reg.DestroyCache(c)
	require.GreaterOrEqual(t, dtorCalls, c.Stats().ObjPerSlab-1)
}

// S3: freeing an object on a cache that does not own it is detected and
// recorded as a sticky error, without corrupting either cache's state.
func TestCacheFreeWrongCacheDetected(t *testing.T) {
	reg := newTestRegistry(t, 16)

	a, err := reg.CreateCache("a", 64, nil, nil)
	require.NoError(t, err)
	b, err := reg.CreateCache("b", 64, nil, nil)
	require.NoError(t, err)

	objA, err := a.Alloc()
	require.NoError(t, err)

	b.Free(objA)
	require.Equal(t, ErrWrongCache, b.Error())
	require.Equal(t, ErrNone, b.Error(), "Error() clears on read")

	// objA is still valid on its real owner.
	a.Free(objA)
	require.Equal(t, ErrNone, a.Error())
}

// S4: a slab that fills up is promoted from partial to full, and demoted
// back to partial as soon as one object is freed from it.
func TestCacheSlabPromotionDemotion(t *testing.T) {
	reg := newTestRegistry(t, 16)
	c, err := reg.CreateCache("promoted", 256, nil, nil)
	require.NoError(t, err)

	objPerSlab := c.Stats().ObjPerSlab
	require.Greater(t, objPerSlab, 0)

	objs := make([][]byte, 0, objPerSlab)
	for i := 0; i < objPerSlab; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, obj)
	}

	c.mu.Lock()
	require.Equal(t, nilSlab, c.partialHead, "a fully-allocated slab must leave the partial list")
	require.NotEqual(t, nilSlab, c.fullHead)
	c.mu.Unlock()

	c.Free(objs[0])

	c.mu.Lock()
	require.NotEqual(t, nilSlab, c.partialHead, "freeing one object demotes the slab back to partial")
	require.Equal(t, nilSlab, c.fullHead)
	c.mu.Unlock()
}

// A double free on an already-free slot is detected and sticky, never a
// panic.
func TestCacheDoubleFreeDetected(t *testing.T) {
	reg := newTestRegistry(t, 16)
	c, err := reg.CreateCache("doubled", 64, nil, nil)
	require.NoError(t, err)

	obj, err := c.Alloc()
	require.NoError(t, err)

	c.Free(obj)
	require.Equal(t, ErrNone, c.Error())

	c.Free(obj)
	require.Equal(t, ErrDoubleOrBadFree, c.Error())
}

// Shrink releases free slabs back to the buddy region, but only once per
// growth: the grown-since-shrink hysteresis means a cache is never
// punished for the slab it just needed.
func TestCacheShrinkHysteresis(t *testing.T) {
	reg := newTestRegistry(t, 16)
	c, err := reg.CreateCache("shrinkable", 512, nil, nil)
	require.NoError(t, err)

	objPerSlab := c.Stats().ObjPerSlab
	objs := make([][]byte, 0, objPerSlab)
	for i := 0; i < objPerSlab; i++ {
		obj, err := c.Alloc()
		require.NoError(t, err)
		objs = append(objs, obj)
	}
	for _, obj := range objs {
		c.Free(obj)
	}
	require.Equal(t, 1, c.Stats().SlabCount)

	// The slab just grew to serve the allocations above, so the first
	// Shrink is a no-op.
	released := c.Shrink()
	require.Equal(t, 0, released)
	require.Equal(t, 1, c.Stats().SlabCount)

	// A second Shrink with nothing grown in between actually releases it.
	released = c.Shrink()
	require.Greater(t, released, 0)
	require.Equal(t, 0, c.Stats().SlabCount)
}

// A slab holding exactly one object skips the partial state entirely: one
// Alloc takes it straight to full, and the matching Free must take it
// straight back to free without corrupting the full list.
func TestCacheSingleObjectPerSlabFreeGoesStraightToFree(t *testing.T) {
	reg := newTestRegistry(t, 1) // one 4 KiB block
	c, err := reg.CreateCache("single", 4000, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().ObjPerSlab)

	obj, err := c.Alloc()
	require.NoError(t, err)

	c.mu.Lock()
	require.Equal(t, nilSlab, c.partialHead)
	fullSlab := c.fullHead
	require.NotEqual(t, nilSlab, fullSlab)
	c.mu.Unlock()

	c.Free(obj)
	require.Equal(t, ErrNone, c.Error())

	c.mu.Lock()
	require.Equal(t, nilSlab, c.fullHead, "slab must be unlinked from fullHead, not left dangling there")
	require.Equal(t, nilSlab, c.partialHead)
	require.Equal(t, fullSlab, c.freeHead, "slab must land on freeHead exactly once")
	c.mu.Unlock()

	// A second alloc/free cycle must behave identically, which would not
	// be true if the slab were linked on two lists simultaneously.
	obj, err = c.Alloc()
	require.NoError(t, err)
	c.Free(obj)
	require.Equal(t, ErrNone, c.Error())
}

func TestRegistryCreateRejectsBadInput(t *testing.T) {
	reg := newTestRegistry(t, 4)

	_, err := reg.CreateCache("zero", 0, nil, nil)
	require.ErrorIs(t, err, ErrInvalidSize)

	longName := make([]byte, NameMaxLen+1)
	_, err = reg.CreateCache(string(longName), 16, nil, nil)
	require.ErrorIs(t, err, ErrNameTooLong)
}

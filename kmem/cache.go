package kmem

import (
	"fmt"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// newCache computes a cache's fixed layout (slab order, objects per slab,
// color range) and returns an unlinked Cache. The registry is responsible
// for assigning id and publishing it.
func newCache(id uint64, region *buddy.Region, name string, objSize uint64, ctor Constructor, dtor Destructor) (*Cache, error) {
	if objSize == 0 {
		return nil, ErrInvalidSize
	}
	if len(name) > NameMaxLen {
		return nil, ErrNameTooLong
	}
	objSize = uint64(align8(int(objSize)))

	blockSize := region.BlockSize()
	slabOrder := -1
	for order := 0; order <= region.MaxOrder(); order++ {
		if objPerSlabForOrder(order, objSize, blockSize) >= MinObjsPerSlab {
			slabOrder = order
			break
		}
	}
	if slabOrder < 0 {
		// No order reaches MinObjsPerSlab; fall back to the smallest
		// order that can hold even a single object.
		for order := 0; order <= region.MaxOrder(); order++ {
			if objPerSlabForOrder(order, objSize, blockSize) >= 1 {
				slabOrder = order
				break
			}
		}
	}
	if slabOrder < 0 {
		return nil, fmt.Errorf("%w: object size %d does not fit in any slab order", ErrCacheCreateFailed, objSize)
	}

	slabSize := blockSize << uint(slabOrder)
	objPerSlab := objPerSlabForOrder(slabOrder, objSize, blockSize)
	l := computeLayout(objPerSlab, objSize, slabSize)

	c := &Cache{
		id:          id,
		name:        name,
		objSize:     objSize,
		ctor:        ctor,
		dtor:        dtor,
		region:      region,
		partialHead: nilSlab,
		fullHead:    nilSlab,
		freeHead:    nilSlab,
		objPerSlab:  objPerSlab,
		slabOrder:   slabOrder,
		slabSize:    slabSize,
		colorMax:    l.wasteBytes / 8,
	}
	return c, nil
}

func (c *Cache) regionMem() []byte {
	return c.region.Bytes(0, c.region.Size())
}

// Alloc pops an object from the cache: first from a partial slab, else by
// promoting a free slab to partial, else by growing a new slab.
func (c *Cache) Alloc() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem := c.regionMem()

	slabBase := c.partialHead
	if slabBase == nilSlab {
		if c.freeHead != nilSlab {
			slabBase = popHead(mem, &c.freeHead)
			pushHead(mem, &c.partialHead, slabBase)
		} else {
			addr, err := c.growSlab()
			if err != nil {
				return nil, ErrOutOfMemory
			}
			slabBase = addr
			pushHead(mem, &c.partialHead, slabBase)
		}
	}

	bitmapOff := slabBase + uint64(slabHeaderSize)
	nextFree := readNextFree(mem, slabBase)
	if nextFree < 0 || nextFree >= int32(c.objPerSlab) || bitIsSet(mem, bitmapOff, int(nextFree)) {
		c.err = ErrBadFreeIndex
		klog.Error("kmem: cache %q found next_free hint %d inconsistent with its bitmap", c.name, nextFree)
		return nil, ErrOutOfMemory
	}

	index := int(nextFree)
	bitSet(mem, bitmapOff, index)

	freeCount := readFreeCount(mem, slabBase) - 1
	writeFreeCount(mem, slabBase, freeCount)

	next := scanFreeFrom(mem, bitmapOff, c.objPerSlab, index+1)
	writeNextFree(mem, slabBase, next)

	c.freeObjs--
	c.allocCount++

	if freeCount == 0 {
		unlink(mem, &c.partialHead, slabBase)
		pushHead(mem, &c.fullHead, slabBase)
	}

	objAreaOff := readObjAreaOff(mem, slabBase)
	addr := slabBase + objAreaOff + uint64(index)*c.objSize
	return c.region.Bytes(addr, c.objSize), nil
}

// Free returns obj to the cache it was allocated from. It tolerates a nil
// slice and detects objects belonging to another cache without touching
// that cache's state.
func (c *Cache) Free(obj []byte) {
	if obj == nil || c.region == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	mem := c.regionMem()
	addr := c.region.AddrOf(obj)
	slabBase := addr &^ (c.slabSize - 1)

	if slabBase >= uint64(len(mem)) || readCacheID(mem, slabBase) != c.id {
		c.err = ErrWrongCache
		klog.Error("kmem: cache %q: free called with an object from another cache", c.name)
		return
	}

	objAreaOff := readObjAreaOff(mem, slabBase)
	objAreaBase := slabBase + objAreaOff
	if addr < objAreaBase || (addr-objAreaBase)%c.objSize != 0 {
		c.err = ErrDoubleOrBadFree
		klog.Error("kmem: cache %q: free called with a misaligned pointer", c.name)
		return
	}
	index := int((addr - objAreaBase) / c.objSize)
	if index < 0 || index >= c.objPerSlab {
		c.err = ErrDoubleOrBadFree
		klog.Error("kmem: cache %q: free index %d out of range", c.name, index)
		return
	}

	bitmapOff := slabBase + uint64(slabHeaderSize)
	if !bitIsSet(mem, bitmapOff, index) {
		c.err = ErrDoubleOrBadFree
		klog.Error("kmem: cache %q: double free at index %d", c.name, index)
		return
	}

	wasFull := readFreeCount(mem, slabBase) == 0

	bitClear(mem, bitmapOff, index)
	freeCount := readFreeCount(mem, slabBase) + 1
	writeFreeCount(mem, slabBase, freeCount)

	nextFree := readNextFree(mem, slabBase)
	if nextFree < 0 || int32(index) < nextFree {
		writeNextFree(mem, slabBase, int32(index))
	}

	c.freeObjs++
	c.freeCountTotal++

	if c.ctor != nil {
		c.ctor(obj)
	}

	switch {
	case freeCount == c.objPerSlab:
		// A single-object slab can go straight from full to fully free in
		// one Free call, so the source list must follow wasFull rather
		// than always assuming partial.
		if wasFull {
			unlink(mem, &c.fullHead, slabBase)
		} else {
			unlink(mem, &c.partialHead, slabBase)
		}
		pushHead(mem, &c.freeHead, slabBase)
	case wasFull:
		unlink(mem, &c.fullHead, slabBase)
		pushHead(mem, &c.partialHead, slabBase)
	}
}

// Shrink releases every slab on the free list back to the buddy region,
// unless the cache has grown since the last shrink (hysteresis, so a cache
// is never punished for the slab it just needed). It returns the number of
// base blocks released.
func (c *Cache) Shrink() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.grownSinceShrink {
		c.grownSinceShrink = false
		return 0
	}

	mem := c.regionMem()
	released := 0
	for c.freeHead != nilSlab {
		addr := popHead(mem, &c.freeHead)
		c.freeEmptySlab(addr)
		released += 1 << uint(c.slabOrder)
	}
	return released
}

// Destroy tears down every slab the cache owns, running destructors on
// live objects in partial/full slabs and on every object in free slabs,
// then returns all of it to the buddy region. The caller must not use any
// object from this cache afterward.
func (c *Cache) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()

	mem := c.regionMem()
	for c.freeHead != nilSlab {
		addr := popHead(mem, &c.freeHead)
		c.freeEmptySlab(addr)
	}
	for c.partialHead != nilSlab {
		addr := popHead(mem, &c.partialHead)
		c.freeUsedSlab(addr)
	}
	for c.fullHead != nilSlab {
		addr := popHead(mem, &c.fullHead)
		c.freeUsedSlab(addr)
	}
}

// Info prints a human-readable summary of the cache's current state.
func (c *Cache) Info() {
	c.mu.Lock()
	defer c.mu.Unlock()

	usage := float64(0)
	if c.totalObjs > 0 {
		usage = 100 * float64(c.totalObjs-c.freeObjs) / float64(c.totalObjs)
	}
	klog.Info("cache %-31s obj=%dB slab=%d blk slabs=%d obj/slab=%d usage=%.1f%% allocs=%d frees=%d colors=%d",
		c.name, c.objSize, 1<<uint(c.slabOrder), c.slabCount, c.objPerSlab, usage, c.allocCount, c.freeCountTotal, c.colorMax+1)
}

// Error returns the cache's sticky error code, clearing it on read.
func (c *Cache) Error() ErrorCode {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.err
	c.err = ErrNone
	return err
}

// Stats mirrors the invariant-bearing counters for tests and diagnostics.
type Stats struct {
	SlabCount  int
	TotalObjs  int
	FreeObjs   int
	ObjPerSlab int
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		SlabCount:  c.slabCount,
		TotalObjs:  c.totalObjs,
		FreeObjs:   c.freeObjs,
		ObjPerSlab: c.objPerSlab,
	}
}

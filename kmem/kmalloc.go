package kmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/kmemalloc/buddy"
)

// Facade is the generic kmalloc/kfree allocator built from power-of-two
// size-class caches. Each class's Cache is created lazily, on first use,
// and then published for lock-free reads by every later Kmalloc: once a
// slot's pointer is non-nil it never changes, so a read that observes a
// non-nil pointer never needs the creation lock.
type Facade struct {
	reg *Registry

	createMu sync.Mutex
	classes  [numSizeClasses]atomic.Pointer[Cache]
}

// NewFacade builds a kmalloc/kfree façade over region. It creates its own
// Registry; callers who also want direct kmem_cache_create access should
// use Registry() to reach it.
func NewFacade(region *buddy.Region) *Facade {
	return &Facade{reg: NewRegistry(region)}
}

// Registry returns the façade's underlying cache registry.
func (f *Facade) Registry() *Registry {
	return f.reg
}

// sizeToIndex maps a requested size to its size-class index, or -1 if n is
// zero or exceeds the largest class (2^maxSizeOrder bytes).
func sizeToIndex(n uint64) int {
	if n == 0 {
		return -1
	}
	classSize := uint64(1) << uint(minSizeOrder)
	for idx := 0; idx < numSizeClasses; idx++ {
		if n <= classSize {
			return idx
		}
		classSize <<= 1
	}
	return -1
}

// classSize returns the object size served by size-class index idx.
func classSize(idx int) uint64 {
	return uint64(1) << uint(minSizeOrder+idx)
}

// Kmalloc returns n bytes from the appropriate size-class cache, creating
// that cache on first use.
func (f *Facade) Kmalloc(n uint64) ([]byte, error) {
	if n == 0 {
		return nil, ErrZeroSize
	}
	idx := sizeToIndex(n)
	if idx < 0 {
		return nil, ErrSizeTooLarge
	}

	c := f.classes[idx].Load()
	if c == nil {
		var err error
		c, err = f.getOrCreateClass(idx)
		if err != nil {
			return nil, err
		}
	}
	return c.Alloc()
}

// getOrCreateClass implements the double-checked locking needed to create
// a size class's Cache exactly once: the fast path above already checked
// the atomic pointer unlocked, so a second check happens here under the
// lock before paying for a new Cache. Creation can genuinely fail — a
// region too small to ever grow a slab of the target class's order — so
// the failure is returned to the caller rather than treated as an
// internal invariant violation: per spec, kmalloc returns null on
// failure, nothing is fatal to the allocator.
func (f *Facade) getOrCreateClass(idx int) (*Cache, error) {
	f.createMu.Lock()
	defer f.createMu.Unlock()

	if c := f.classes[idx].Load(); c != nil {
		return c, nil
	}

	name := fmt.Sprintf("kmalloc-%d", classSize(idx))
	c, err := f.reg.CreateCache(name, classSize(idx), nil, nil)
	if err != nil {
		return nil, err
	}
	f.classes[idx].Store(c)
	return c, nil
}

// Kfree returns obj to the size-class cache that owns it, found by masking
// the pointer down to its slab's alignment and checking the cache id
// embedded at the slab's base. It returns ErrPointerNotFound if no
// existing size class claims the pointer.
func (f *Facade) Kfree(obj []byte) error {
	if obj == nil {
		return nil
	}
	for idx := range f.classes {
		c := f.classes[idx].Load()
		if c == nil {
			continue
		}
		if f.owns(c, obj) {
			c.Free(obj)
			return nil
		}
	}
	return ErrPointerNotFound
}

// owns reports whether obj's backing memory falls within a slab stamped
// with c's cache id, without mutating any state.
func (f *Facade) owns(c *Cache, obj []byte) bool {
	addr := c.region.AddrOf(obj)
	if addr >= c.region.Size() {
		return false
	}
	slabBase := addr &^ (c.slabSize - 1)
	mem := c.regionMem()
	return readCacheID(mem, slabBase) == c.id
}

// Package kmem implements a Bonwick-style slab cache allocator layered on
// top of a buddy.Region, plus the kmalloc/kfree size-class façade built
// from power-of-two caches.
//
// A Cache manages same-sized objects across three slab lists (partial,
// full, free). Each slab is one buddy block, carved into a small header,
// an in-use bitmap, and the object array; the header lives at offset 0 of
// the slab's own memory so that any object pointer can be mapped back to
// its owning slab (and cache) in O(1) by masking to the slab's alignment.
package kmem

import (
	"sync"

	"github.com/shenjiangwei/kmemalloc/buddy"
)

const (
	// MinObjsPerSlab is the design target for how many objects a slab
	// should hold; slab_order is chosen to be the smallest order that
	// reaches it.
	MinObjsPerSlab = 4

	// NameMaxLen bounds Cache.name, mirroring a fixed-size kernel struct
	// field.
	NameMaxLen = 31

	// Size-class range for the kmalloc façade: 2^minSizeOrder bytes up to
	// 2^maxSizeOrder bytes.
	minSizeOrder   = 5  // 32 B
	maxSizeOrder   = 17 // 128 KiB
	numSizeClasses = maxSizeOrder - minSizeOrder + 1

	// slabHeaderSize is the fixed-size portion of every slab's embedded
	// descriptor: cacheID, next-list-link, freeCount, nextFree, order,
	// and the byte offset of the object area (which varies slab to slab
	// because of color rotation).
	slabHeaderSize = 32

	noNextFree int32 = -1
)

// nilSlab marks the end of an intrusive slab-list chain (partial, full or
// free), analogous to buddy's nilLink.
const nilSlab uint64 = ^uint64(0)

// Constructor initializes an object's bytes when its slab is first grown.
// Per the Bonwick invariant, a cached object is always in the constructed
// state, including while sitting free on a slab: Constructor also runs
// again immediately after Free, to restore that invariant.
type Constructor func(obj []byte)

// Destructor tears down an object's bytes. It runs on every object-slot
// when an empty slab is released, and on each still-allocated slot when
// the whole cache is destroyed with partial or full slabs; free slots of
// those slabs are not passed to it.
type Destructor func(obj []byte)

// ErrorCode is the small closed set of sticky error conditions a Cache can
// record. Allocation failures are reported as Go errors directly; this
// exists for the free-path violations a kernel allocator must not panic on.
type ErrorCode int

const (
	// ErrNone means no error is pending.
	ErrNone ErrorCode = iota
	// ErrBuddyExhausted means the last slab growth failed because the
	// underlying buddy region had no block of the needed order.
	ErrBuddyExhausted
	// ErrBadFreeIndex means Alloc found a slab's next_free hint
	// inconsistent with its bitmap; an internal consistency failure.
	ErrBadFreeIndex
	// ErrWrongCache means Free was called with an object that belongs to
	// a different cache than the one it was called on.
	ErrWrongCache
	// ErrDoubleOrBadFree means Free was called with an index out of
	// range, or one whose bitmap bit was already clear.
	ErrDoubleOrBadFree
)

func (e ErrorCode) String() string {
	switch e {
	case ErrNone:
		return "ok"
	case ErrBuddyExhausted:
		return "buddy exhausted"
	case ErrBadFreeIndex:
		return "bad free index"
	case ErrWrongCache:
		return "wrong cache"
	case ErrDoubleOrBadFree:
		return "double or bad free"
	default:
		return "unknown error"
	}
}

// Cache is a per-object-type allocator: a fixed object size, an optional
// constructor/destructor pair, and three slab lists reached through the
// embedded "next" link stored in each slab's header.
type Cache struct {
	id   uint64
	name string

	objSize uint64
	ctor    Constructor
	dtor    Destructor

	region *buddy.Region

	mu sync.Mutex

	partialHead uint64
	fullHead    uint64
	freeHead    uint64

	objPerSlab int
	slabOrder  int
	slabSize   uint64

	slabCount      int
	totalObjs      int
	freeObjs       int
	allocCount     uint64
	freeCountTotal uint64

	colorMax  int
	colorNext int

	grownSinceShrink bool
	err              ErrorCode

	next *Cache // global registry link
}

// Name returns the cache's name.
func (c *Cache) Name() string { return c.name }

// ObjSize returns the (8-byte-aligned) object size.
func (c *Cache) ObjSize() uint64 { return c.objSize }

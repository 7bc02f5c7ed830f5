package kmem

import "errors"

// Error definitions for the cache and size-class façade.
var (
	// ErrInvalidSize is returned when kmem_cache_create is asked to
	// build a cache for a zero object size.
	ErrInvalidSize = errors.New("kmem: object size must be > 0")
	// ErrNameTooLong is returned when a cache name exceeds NameMaxLen.
	ErrNameTooLong = errors.New("kmem: cache name too long")
	// ErrCacheCreateFailed is returned when no slab order the region can
	// serve is large enough to hold even one object of the requested size.
	ErrCacheCreateFailed = errors.New("kmem: cache creation failed")
	// ErrOutOfMemory is returned when Alloc cannot grow a new slab.
	ErrOutOfMemory = errors.New("kmem: out of memory")
	// ErrSizeTooLarge is returned by Kmalloc when n exceeds the largest
	// size class.
	ErrSizeTooLarge = errors.New("kmem: requested size exceeds largest size class")
	// ErrZeroSize is returned by Kmalloc when n is zero.
	ErrZeroSize = errors.New("kmem: requested size must be > 0")
	// ErrPointerNotFound is returned by Kfree when no live size-class
	// cache claims the pointer.
	ErrPointerNotFound = errors.New("kmem: pointer not owned by any size-class cache")
)

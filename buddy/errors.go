package buddy

import "errors"

// Error definitions for the buddy allocator.
var (
	// ErrInvalidOrder is returned when a requested order falls outside
	// [MinOrder, Region.maxOrder].
	ErrInvalidOrder = errors.New("buddy: order out of range")
	// ErrOutOfMemory is returned when no free block of a suitable order
	// (or larger) is available to satisfy an allocation.
	ErrOutOfMemory = errors.New("buddy: no free block available")
	// ErrInvalidAddress is returned when Free is called with an address
	// outside the region. The allocator does not panic on this: a bad
	// free from the slab layer above should never reach here, but if it
	// does, the region's invariants must still hold.
	ErrInvalidAddress = errors.New("buddy: address outside region")
)

package buddy

import (
	"encoding/binary"
	"unsafe"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// NewRegion creates a Region backed by sizeBytes of freshly allocated
// memory and with the given block size (DefaultBlockSize if zero). The
// region is not usable until Init is called.
func NewRegion(sizeBytes uint64, blockSize uint64) *Region {
	if blockSize == 0 {
		blockSize = DefaultBlockSize
	}

	r := &Region{
		blockSize: blockSize,
	}
	for i := range r.freelists {
		r.freelists[i] = nilLink
	}

	// Round the simulated region_start (always 0 here) up to the block
	// size is a no-op; round the *size* down to a whole number of blocks,
	// mirroring how a real init would lose the tail of a region that
	// doesn't divide evenly.
	blocks := sizeBytes / blockSize
	r.mem = make([]byte, blocks*blockSize)
	return r
}

// Init partitions the region greedily from the largest order that fits
// down to order 0, placing every resulting block on its freelist. It
// returns the total number of bytes actually placed under management.
func (r *Region) Init() (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	regionSize := uint64(len(r.mem))
	if regionSize < r.blockSize {
		klog.Error("buddy: region of %d bytes cannot hold even one block of %d bytes", regionSize, r.blockSize)
		return 0, ErrOutOfMemory
	}

	maxOrder := 0
	for maxOrder < MaxOrder && (uint64(2)<<uint(maxOrder))*r.blockSize <= regionSize {
		maxOrder++
	}
	r.maxOrder = maxOrder

	var placed uint64
	var cursor uint64
	remaining := regionSize
	for order := maxOrder; order >= 0; order-- {
		blockSize := r.blockSize << uint(order)
		for remaining >= blockSize {
			r.pushFree(order, cursor)
			cursor += blockSize
			remaining -= blockSize
			placed += blockSize
		}
	}

	klog.Info("buddy: region of %d bytes initialized, max order %d, %d bytes placed", regionSize, maxOrder, placed)
	return placed, nil
}

// MaxOrder returns the largest order this region can serve.
func (r *Region) MaxOrder() int {
	return r.maxOrder
}

// BlockSize returns the region's base block size.
func (r *Region) BlockSize() uint64 {
	return r.blockSize
}

// Size returns the total number of bytes under management.
func (r *Region) Size() uint64 {
	return uint64(len(r.mem))
}

// Bytes returns a slice view of length into the region's backing memory
// starting at addr. Callers (the slab layer) use this to read and write
// object and header content; it never copies.
func (r *Region) Bytes(addr, length uint64) []byte {
	return r.mem[addr : addr+length]
}

// AddrOf recovers the region offset of a slice previously returned by
// Bytes, by comparing its backing-array start against the region's own.
// The slab layer uses this to turn an object []byte handed back to Free
// into the address it needs for bitmap and header arithmetic.
func (r *Region) AddrOf(b []byte) uint64 {
	if len(b) == 0 || len(r.mem) == 0 {
		return 0
	}
	base := uintptr(unsafe.Pointer(&r.mem[0]))
	ptr := uintptr(unsafe.Pointer(&b[0]))
	return uint64(ptr - base)
}

// Alloc reserves a block of the requested order and returns its address.
// It returns ErrInvalidOrder if order is out of range and ErrOutOfMemory
// if no block of that order or larger is free.
func (r *Region) Alloc(order int) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order < MinOrder || order > r.maxOrder {
		klog.Error("buddy: alloc requested invalid order %d (max %d)", order, r.maxOrder)
		return 0, ErrInvalidOrder
	}

	k := order
	for k <= r.maxOrder && r.freelists[k] == nilLink {
		k++
	}
	if k > r.maxOrder {
		return 0, ErrOutOfMemory
	}

	addr := r.popFree(k)
	for k > order {
		k--
		upperHalf := addr + (r.blockSize << uint(k))
		r.pushFree(k, upperHalf)
	}

	return addr, nil
}

// Free returns a previously allocated block of the given order to the
// region, coalescing with its buddy for as long as the buddy is also free.
// An out-of-range address or order is logged and ignored rather than
// causing a panic: the slab layer above is responsible for never issuing
// such a call, but a defensive allocator does not trust it blindly.
func (r *Region) Free(addr uint64, order int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if order < MinOrder || order > r.maxOrder {
		klog.Error("buddy: free requested invalid order %d (max %d)", order, r.maxOrder)
		return ErrInvalidOrder
	}
	if addr >= uint64(len(r.mem)) || addr%(r.blockSize<<uint(order)) != 0 {
		klog.Error("buddy: free requested invalid address %d for order %d", addr, order)
		return ErrInvalidAddress
	}

	for order < r.maxOrder {
		buddyAddr := addr ^ (r.blockSize << uint(order))
		if buddyAddr >= uint64(len(r.mem)) {
			break
		}
		if !r.removeFree(order, buddyAddr) {
			break
		}
		if buddyAddr < addr {
			addr = buddyAddr
		}
		order++
	}

	r.pushFree(order, addr)
	return nil
}

// Stats returns a snapshot of current freelist occupancy.
func (r *Region) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{RegionSize: uint64(len(r.mem)), MaxOrder: r.maxOrder}
	for order := 0; order <= r.maxOrder; order++ {
		s.FreeBlocks[order] = r.freeCount[order]
		s.FreeBytes += uint64(r.freeCount[order]) * (r.blockSize << uint(order))
	}
	s.AllocBytes = s.RegionSize - s.FreeBytes
	return s
}

// pushFree links addr onto the head of freelists[order]. The link is
// stored inline in the block's own memory: a free block carries no
// metadata beyond this single pointer.
func (r *Region) pushFree(order int, addr uint64) {
	binary.LittleEndian.PutUint64(r.mem[addr:addr+linkSize], r.freelists[order])
	r.freelists[order] = addr
	r.freeCount[order]++
}

// popFree removes and returns the head of freelists[order]. Callers must
// have already verified the list is non-empty.
func (r *Region) popFree(order int) uint64 {
	addr := r.freelists[order]
	r.freelists[order] = r.nextLink(addr)
	r.freeCount[order]--
	return addr
}

// removeFree scans freelists[order] for addr and unlinks it if present,
// reporting whether it was found. This is the one place the design trades
// O(1) for a linear scan: buddy coalescing is rare relative to slab
// allocation, so an intrusive singly-linked list with no back-pointer is
// the cheaper structure overall.
func (r *Region) removeFree(order int, addr uint64) bool {
	head := r.freelists[order]
	if head == nilLink {
		return false
	}
	if head == addr {
		r.freelists[order] = r.nextLink(addr)
		r.freeCount[order]--
		return true
	}

	prev := head
	cur := r.nextLink(prev)
	for cur != nilLink {
		if cur == addr {
			r.setNextLink(prev, r.nextLink(cur))
			r.freeCount[order]--
			return true
		}
		prev = cur
		cur = r.nextLink(cur)
	}
	return false
}

func (r *Region) nextLink(addr uint64) uint64 {
	return binary.LittleEndian.Uint64(r.mem[addr : addr+linkSize])
}

func (r *Region) setNextLink(addr, next uint64) {
	binary.LittleEndian.PutUint64(r.mem[addr:addr+linkSize], next)
}

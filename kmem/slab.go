package kmem

import (
	"encoding/binary"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// align8 rounds n up to the next multiple of 8.
func align8(n int) int {
	return (n + 7) &^ 7
}

// bitmapBytes returns the number of bytes needed for a 1-bit-per-object
// in-use bitmap covering n objects.
func bitmapBytes(n int) int {
	return (n + 7) / 8
}

// layout describes the byte geometry of a slab holding objPerSlab objects
// of objSize bytes within a buddy block of slabSize bytes, ignoring color.
type layout struct {
	bitmapOff  int
	bitmapLen  int
	baseObjOff int // object area offset at color 0
	wasteBytes int // bytes left over after header+bitmap+objects at color 0
}

func computeLayout(objPerSlab int, objSize uint64, slabSize uint64) layout {
	bmLen := bitmapBytes(objPerSlab)
	objOff := align8(slabHeaderSize + bmLen)
	used := uint64(objOff) + uint64(objPerSlab)*objSize
	waste := uint64(0)
	if slabSize > used {
		waste = slabSize - used
	}
	return layout{
		bitmapOff:  slabHeaderSize,
		bitmapLen:  bmLen,
		baseObjOff: objOff,
		wasteBytes: int(waste),
	}
}

// objPerSlabForOrder computes the largest n of objSize-byte objects (plus
// header and bitmap) that fit within a slab of the given buddy order. It
// iterates down from the naive maximum because the header size depends on
// the bitmap size, which depends on n.
func objPerSlabForOrder(order int, objSize, blockSize uint64) int {
	slabSize := blockSize << uint(order)
	naiveMax := int(slabSize / objSize)
	for n := naiveMax; n > 0; n-- {
		l := computeLayout(n, objSize, slabSize)
		if uint64(l.baseObjOff)+uint64(n)*objSize <= slabSize {
			return n
		}
	}
	return 0
}

// --- slab header accessors -------------------------------------------------

func readCacheID(mem []byte, base uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[base : base+8])
}

func writeCacheID(mem []byte, base, id uint64) {
	binary.LittleEndian.PutUint64(mem[base:base+8], id)
}

func readNextSlab(mem []byte, base uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[base+8 : base+16])
}

func writeNextSlab(mem []byte, base, next uint64) {
	binary.LittleEndian.PutUint64(mem[base+8:base+16], next)
}

func readFreeCount(mem []byte, base uint64) int {
	return int(binary.LittleEndian.Uint32(mem[base+16 : base+20]))
}

func writeFreeCount(mem []byte, base uint64, v int) {
	binary.LittleEndian.PutUint32(mem[base+16:base+20], uint32(v))
}

func readNextFree(mem []byte, base uint64) int32 {
	return int32(binary.LittleEndian.Uint32(mem[base+20 : base+24]))
}

func writeNextFree(mem []byte, base uint64, v int32) {
	binary.LittleEndian.PutUint32(mem[base+20:base+24], uint32(v))
}

func readOrder(mem []byte, base uint64) int {
	return int(binary.LittleEndian.Uint32(mem[base+24 : base+28]))
}

func writeOrder(mem []byte, base uint64, v int) {
	binary.LittleEndian.PutUint32(mem[base+24:base+28], uint32(v))
}

func readObjAreaOff(mem []byte, base uint64) uint64 {
	return uint64(binary.LittleEndian.Uint32(mem[base+28 : base+32]))
}

func writeObjAreaOff(mem []byte, base uint64, v uint64) {
	binary.LittleEndian.PutUint32(mem[base+28:base+32], uint32(v))
}

// --- bitmap -----------------------------------------------------------------

func bitSet(mem []byte, bitmapOff uint64, i int) {
	mem[bitmapOff+uint64(i/8)] |= 1 << uint(i%8)
}

func bitClear(mem []byte, bitmapOff uint64, i int) {
	mem[bitmapOff+uint64(i/8)] &^= 1 << uint(i%8)
}

func bitIsSet(mem []byte, bitmapOff uint64, i int) bool {
	return mem[bitmapOff+uint64(i/8)]&(1<<uint(i%8)) != 0
}

// scanFreeFrom returns the index of the first clear bit at or after start,
// wrapping around to 0, or -1 if every bit in [0, n) is set.
func scanFreeFrom(mem []byte, bitmapOff uint64, n, start int) int32 {
	for off := 0; off < n; off++ {
		i := (start + off) % n
		if !bitIsSet(mem, bitmapOff, i) {
			return int32(i)
		}
	}
	return noNextFree
}

// --- slab lifecycle ----------------------------------------------------------

// growSlab requests a fresh block from the buddy region, lays out a new
// slab descriptor, bitmap and object area within it, runs the cache's
// constructor over every object slot (Bonwick slabs are always fully
// constructed, including their free objects), and returns the slab's base
// address.
func (c *Cache) growSlab() (uint64, error) {
	addr, err := c.region.Alloc(c.slabOrder)
	if err != nil {
		c.err = ErrBuddyExhausted
		klog.Error("kmem: cache %q failed to grow a slab: %v", c.name, err)
		return 0, err
	}

	mem := c.region.Bytes(addr, c.slabSize)
	l := computeLayout(c.objPerSlab, c.objSize, c.slabSize)
	objAreaOff := uint64(l.baseObjOff) + uint64(c.colorNext)*8

	// Zero the header and bitmap; the object area is constructed below.
	for i := 0; i < l.bitmapOff+l.bitmapLen; i++ {
		mem[i] = 0
	}

	writeCacheID(mem, 0, c.id)
	writeNextSlab(mem, 0, nilSlab)
	writeFreeCount(mem, 0, c.objPerSlab)
	writeNextFree(mem, 0, 0)
	writeOrder(mem, 0, c.slabOrder)
	writeObjAreaOff(mem, 0, objAreaOff)

	c.colorNext = (c.colorNext + 1) % (c.colorMax + 1)

	if c.ctor != nil {
		for i := 0; i < c.objPerSlab; i++ {
			obj := c.region.Bytes(addr+objAreaOff+uint64(i)*c.objSize, c.objSize)
			c.ctor(obj)
		}
	}

	c.slabCount++
	c.totalObjs += c.objPerSlab
	c.freeObjs += c.objPerSlab
	c.grownSinceShrink = true

	return addr, nil
}

// freeEmptySlab returns a fully-free slab's block to the buddy region. All
// objects in an empty slab are still in the constructed state (they were
// never destructed after construction), so the destructor runs once per
// slot before the memory is released.
func (c *Cache) freeEmptySlab(addr uint64) {
	mem := c.region.Bytes(addr, c.slabSize)
	objAreaOff := readObjAreaOff(mem, 0)
	order := readOrder(mem, 0)

	if c.dtor != nil {
		for i := 0; i < c.objPerSlab; i++ {
			obj := c.region.Bytes(addr+objAreaOff+uint64(i)*c.objSize, c.objSize)
			c.dtor(obj)
		}
	}

	if err := c.region.Free(addr, order); err != nil {
		klog.Error("kmem: cache %q failed to release empty slab at %d: %v", c.name, addr, err)
	}

	c.slabCount--
	c.totalObjs -= c.objPerSlab
	c.freeObjs -= c.objPerSlab
}

// freeUsedSlab is the teardown path for a partial or full slab during
// Destroy: the destructor runs only on objects that are still allocated,
// since free objects in earlier slabs have no pairing guarantee outside
// that context and destroy is a one-shot operation per cache.
func (c *Cache) freeUsedSlab(addr uint64) {
	mem := c.region.Bytes(addr, c.slabSize)
	objAreaOff := readObjAreaOff(mem, 0)
	bitmapOff := uint64(slabHeaderSize)
	order := readOrder(mem, 0)

	if c.dtor != nil {
		for i := 0; i < c.objPerSlab; i++ {
			if !bitIsSet(mem, bitmapOff, i) {
				continue
			}
			obj := c.region.Bytes(addr+objAreaOff+uint64(i)*c.objSize, c.objSize)
			c.dtor(obj)
		}
	}

	if err := c.region.Free(addr, order); err != nil {
		klog.Error("kmem: cache %q failed to release slab at %d during destroy: %v", c.name, addr, err)
	}

	c.slabCount--
	c.totalObjs -= c.objPerSlab
	// freeObjs bookkeeping is irrelevant once the cache is being torn down.
}

// --- list helpers -------------------------------------------------------

// popHead removes and returns the head of the list pointed to by *head, or
// nilSlab if the list is empty.
func popHead(mem []byte, head *uint64) uint64 {
	addr := *head
	if addr == nilSlab {
		return nilSlab
	}
	*head = readNextSlabAt(mem, addr)
	return addr
}

func pushHead(mem []byte, head *uint64, addr uint64) {
	writeNextSlabAt(mem, addr, *head)
	*head = addr
}

// unlink removes addr from the list rooted at *head by linear scan,
// reporting whether it was found. Slab lists are small in practice (a few
// to a few dozen slabs per cache), so this mirrors the buddy allocator's
// own choice to trade O(1) for a simpler, header-only structure.
func unlink(mem []byte, head *uint64, addr uint64) bool {
	if *head == nilSlab {
		return false
	}
	if *head == addr {
		*head = readNextSlabAt(mem, addr)
		return true
	}
	prev := *head
	cur := readNextSlabAt(mem, prev)
	for cur != nilSlab {
		if cur == addr {
			writeNextSlabAt(mem, prev, readNextSlabAt(mem, cur))
			return true
		}
		prev = cur
		cur = readNextSlabAt(mem, cur)
	}
	return false
}

// readNextSlabAt/writeNextSlabAt address the slab's header directly from
// the region rather than a pre-sliced []byte, since list helpers are
// handed bare addresses.
func readNextSlabAt(mem []byte, addr uint64) uint64 {
	return readNextSlab(mem, addr)
}

func writeNextSlabAt(mem []byte, addr, next uint64) {
	writeNextSlab(mem, addr, next)
}

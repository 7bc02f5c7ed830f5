package kmem

import (
	"sync"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/internal/klog"
)

// Registry owns every Cache carved from a single buddy.Region. Lock
// ordering across the whole package is registry -> cache -> buddy: the
// registry lock only ever guards the linked list of caches, never an
// operation that itself blocks on a cache or the region.
type Registry struct {
	mu     sync.Mutex
	region *buddy.Region
	head   *Cache
	nextID uint64
}

// NewRegistry creates a Registry over region. The region must already be
// initialized (Init called) before any cache allocates from it.
func NewRegistry(region *buddy.Region) *Registry {
	return &Registry{region: region}
}

// Region returns the buddy region backing this registry's caches.
func (reg *Registry) Region() *buddy.Region {
	return reg.region
}

// CreateCache builds a new Cache for fixed-size objSize-byte objects,
// links it into the registry, and returns it. A name longer than
// NameMaxLen is rejected with ErrNameTooLong rather than silently
// truncated, since a kernel allocator never papers over a caller's mistake.
func (reg *Registry) CreateCache(name string, objSize uint64, ctor Constructor, dtor Destructor) (*Cache, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.nextID++
	id := reg.nextID

	c, err := newCache(id, reg.region, name, objSize, ctor, dtor)
	if err != nil {
		reg.nextID--
		klog.Error("kmem: registry failed to create cache %q: %v", name, err)
		return nil, err
	}

	c.next = reg.head
	reg.head = c
	klog.Info("kmem: registry created cache %q (id=%d, objSize=%d, slabOrder=%d, objPerSlab=%d)",
		c.name, c.id, c.objSize, c.slabOrder, c.objPerSlab)
	return c, nil
}

// DestroyCache unlinks cache from the registry and tears it down. It is a
// no-op if cache does not belong to this registry.
func (reg *Registry) DestroyCache(cache *Cache) {
	reg.mu.Lock()
	found := false
	if reg.head == cache {
		reg.head = cache.next
		found = true
	} else {
		for cur := reg.head; cur != nil; cur = cur.next {
			if cur.next == cache {
				cur.next = cache.next
				found = true
				break
			}
		}
	}
	reg.mu.Unlock()

	if !found {
		return
	}
	cache.next = nil
	cache.Destroy()
	klog.Info("kmem: registry destroyed cache %q (id=%d)", cache.name, cache.id)
}

// Caches returns a snapshot slice of every live cache, in registration
// order newest-first. Used by ShrinkAll and by diagnostics such as the
// rpc server's Stats.
func (reg *Registry) Caches() []*Cache {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var out []*Cache
	for cur := reg.head; cur != nil; cur = cur.next {
		out = append(out, cur)
	}
	return out
}

// ShrinkAll calls Shrink on every registered cache, returning the total
// number of base blocks released back to the buddy region. Intended for a
// caller reacting to memory pressure, mirroring kmem_reap in spirit.
func (reg *Registry) ShrinkAll() int {
	total := 0
	for _, c := range reg.Caches() {
		total += c.Shrink()
	}
	return total
}

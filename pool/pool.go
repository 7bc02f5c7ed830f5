// Package pool provides a pre-warmed allocation harness over kmem.Facade,
// useful for benchmarking or soak-testing the allocator without paying
// slab-growth cost on the first request of a given size.
package pool

import (
	"math/rand"
	"sync"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
	"github.com/shenjiangwei/kmemalloc/kmem"
)

// Stats tracks how often a request landed on an already-warm size-class
// cache (Hit) versus one created on demand by this request (Miss).
type Stats struct {
	TotalAllocations uint64
	Hits             uint64
	Misses           uint64
	TotalFrees       uint64
}

// Pool wraps a kmem.Facade with pre-warmed size classes and usage
// counters.
type Pool struct {
	facade *kmem.Facade

	mu    sync.Mutex
	warm  map[uint64]bool
	stats Stats
}

// New creates a Pool over facade with no classes pre-warmed.
func New(facade *kmem.Facade) *Pool {
	return &Pool{
		facade: facade,
		warm:   make(map[uint64]bool),
	}
}

// Warm pre-creates the size-class cache for each of sizes and allocates
// count objects from it (growing as many slabs as those need), so the
// first real request of that size never pays slab-growth latency. It allocates and immediately frees, so
// the net effect is an empty, but already-grown, cache.
func (p *Pool) Warm(sizes []uint64, count int) error {
	for _, size := range sizes {
		objs := make([][]byte, 0, count)
		for i := 0; i < count; i++ {
			obj, err := p.facade.Kmalloc(size)
			if err != nil {
				return err
			}
			objs = append(objs, obj)
		}
		for _, obj := range objs {
			if err := p.facade.Kfree(obj); err != nil {
				return err
			}
		}

		p.mu.Lock()
		p.warm[roundToClassSize(size)] = true
		p.mu.Unlock()
	}
	return nil
}

// roundToClassSize mirrors the façade's own size-class rounding so Warm
// can mark the right bucket as warm regardless of the exact size asked
// for.
func roundToClassSize(requested uint64) uint64 {
	classSize := uint64(32)
	for classSize < requested {
		classSize <<= 1
	}
	return classSize
}

// Allocate requests size bytes, recording whether the owning size class
// was already warm.
func (p *Pool) Allocate(size uint64) ([]byte, error) {
	class := roundToClassSize(size)

	p.mu.Lock()
	p.stats.TotalAllocations++
	if p.warm[class] {
		p.stats.Hits++
	} else {
		p.stats.Misses++
		p.warm[class] = true
	}
	p.mu.Unlock()

	return p.facade.Kmalloc(size)
}

// Free returns obj to its owning cache.
func (p *Pool) Free(obj []byte) error {
	p.mu.Lock()
	p.stats.TotalFrees++
	p.mu.Unlock()

	return p.facade.Kfree(obj)
}

// Stats returns a snapshot of the pool's usage counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Report logs a summary of the pool's hit/miss ratio, mirroring the
// end-of-run statistics a stress-test harness prints.
func (p *Pool) Report() {
	s := p.Stats()
	hitRate := 0.0
	if s.TotalAllocations > 0 {
		hitRate = 100 * float64(s.Hits) / float64(s.TotalAllocations)
	}
	klog.Info("pool: %d allocations (%.1f%% hit), %d frees", s.TotalAllocations, hitRate, s.TotalFrees)
}

// RandomSize returns a uniformly distributed size in [min, max), a small
// helper for stress harnesses that want varied request sizes.
func RandomSize(min, max uint64) uint64 {
	if max <= min {
		return min
	}
	return min + uint64(rand.Int63n(int64(max-min)))
}

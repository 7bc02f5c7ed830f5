// Command kmemstress drives the kmem allocator with many concurrent
// allocating/freeing goroutines, either in-process or through the rpc
// façade, and reports throughput and region usage.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"runtime/pprof"
	"sync"
	"time"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/kmem"
	"github.com/shenjiangwei/kmemalloc/pool"
	kmemrpc "github.com/shenjiangwei/kmemalloc/rpc"
)

const serverAddress = "localhost:17171"

// block records an in-flight allocation so a worker can free it later.
type block struct {
	obj  []byte
	size uint64
}

func main() {
	mode := flag.String("mode", "basic", "Test mode: basic, rpc")
	regionMB := flag.Int("region-mb", 64, "Backing region size in MiB")
	workers := flag.Int("workers", 16, "Number of concurrent worker goroutines")
	ops := flag.Int("ops", 200000, "Total allocate/free operations across all workers")
	cpuProfilePath := flag.String("cpuprofile", "", "Write a CPU profile to this path")
	flag.Parse()

	rand.Seed(time.Now().UnixNano())

	if *cpuProfilePath != "" {
		f, err := os.Create(*cpuProfilePath)
		if err != nil {
			log.Fatalf("could not create CPU profile: %v", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatalf("could not start CPU profile: %v", err)
		}
		defer pprof.StopCPUProfile()
	}

	regionBytes := uint64(*regionMB) * 1024 * 1024

	switch *mode {
	case "basic":
		runBasic(regionBytes, *workers, *ops)
	case "rpc":
		runRPC(regionBytes, *workers, *ops)
	default:
		fmt.Printf("Unknown test mode: %s\n", *mode)
		fmt.Println("Available modes: basic, rpc")
		os.Exit(1)
	}
}

func generateRandomSize() uint64 {
	return pool.RandomSize(16, 64*1024)
}

func runBasic(regionBytes uint64, workers, totalOps int) {
	region := buddy.NewRegion(regionBytes, buddy.DefaultBlockSize)
	if _, err := region.Init(); err != nil {
		log.Fatalf("failed to init region: %v", err)
	}
	facade := kmem.NewFacade(region)
	p := pool.New(facade)
	if err := p.Warm([]uint64{64, 256, 1024, 4096, 16384}, 8); err != nil {
		log.Fatalf("failed to warm pool: %v", err)
	}

	runWorkload(totalOps, workers,
		func(size uint64) ([]byte, error) { return p.Allocate(size) },
		func(obj []byte) error { return p.Free(obj) },
	)

	p.Report()
	stats := region.Stats()
	log.Printf("region: %d bytes total, %d free, %d allocated", stats.RegionSize, stats.FreeBytes, stats.AllocBytes)
}

func runRPC(regionBytes uint64, workers, totalOps int) {
	region := buddy.NewRegion(regionBytes, buddy.DefaultBlockSize)
	if _, err := region.Init(); err != nil {
		log.Fatalf("failed to init region: %v", err)
	}
	facade := kmem.NewFacade(region)

	server, err := kmemrpc.NewServer(facade)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}
	go func() {
		if err := server.Start(serverAddress); err != nil {
			log.Printf("server stopped: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	client, err := kmemrpc.NewClient(0, serverAddress)
	if err != nil {
		log.Fatalf("failed to dial server: %v", err)
	}
	defer client.Close()

	handles := struct {
		sync.Mutex
		m map[uint64]bool
	}{m: make(map[uint64]bool)}

	runWorkload(totalOps, workers,
		func(size uint64) ([]byte, error) {
			h, err := client.Allocate(size)
			if err != nil {
				return nil, err
			}
			handles.Lock()
			handles.m[h] = true
			handles.Unlock()
			// The caller's workload loop only needs a non-nil,
			// correctly-sized placeholder to track the "allocation" by
			// size; the real handle lives in the closure below.
			return make([]byte, size), nil
		},
		func(obj []byte) error {
			handles.Lock()
			var h uint64
			for k := range handles.m {
				h = k
				break
			}
			if len(handles.m) > 0 {
				delete(handles.m, h)
			}
			handles.Unlock()
			return client.Free(h)
		},
	)

	stats, err := client.Stats()
	if err != nil {
		log.Fatalf("stats call failed: %v", err)
	}
	log.Printf("region: %d bytes total, %d free, %d allocated, %d size classes",
		stats.RegionBytes, stats.FreeBytes, stats.AllocBytes, stats.CacheCount)
}

// runWorkload spawns workers goroutines that together perform totalOps
// allocate/free operations, 70% allocate and 30% free of an outstanding
// block, mirroring a steady-state allocator workload.
func runWorkload(totalOps, workers int, allocate func(uint64) ([]byte, error), free func([]byte) error) {
	var mu sync.Mutex
	var blocks []block
	var wg sync.WaitGroup

	opsDone := 0
	start := time.Now()

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				if opsDone >= totalOps {
					mu.Unlock()
					return
				}
				opsDone++
				doFree := len(blocks) > 0 && rand.Float64() < 0.3
				var victim block
				if doFree {
					idx := rand.Intn(len(blocks))
					victim = blocks[idx]
					blocks[idx] = blocks[len(blocks)-1]
					blocks = blocks[:len(blocks)-1]
				}
				mu.Unlock()

				if doFree {
					if err := free(victim.obj); err != nil {
						log.Printf("free failed: %v", err)
					}
					continue
				}

				size := generateRandomSize()
				obj, err := allocate(size)
				if err != nil {
					continue
				}
				mu.Lock()
				blocks = append(blocks, block{obj: obj, size: size})
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	log.Printf("completed %d ops across %d workers in %v", totalOps, workers, time.Since(start))
}

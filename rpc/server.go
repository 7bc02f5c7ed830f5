// Package rpc exposes the kmalloc/kfree façade to remote callers over
// net/rpc, standing in for the syscall trampoline a real kernel allocator
// would sit behind: callers never see a raw slab pointer, only an opaque
// handle the server resolves back to the object's []byte.
package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/kmemalloc/internal/klog"
	"github.com/shenjiangwei/kmemalloc/kmem"
)

// Server represents a kmalloc/kfree server backed by a single Facade.
type Server struct {
	facade *kmem.Facade

	mu      sync.Mutex
	nextID  uint64
	handles map[uint64][]byte
}

// AllocRequest requests n bytes from the appropriate size class.
type AllocRequest struct {
	Size uint64
}

// AllocResponse returns an opaque handle for the allocated object, or a
// non-empty Error if the request could not be satisfied.
type AllocResponse struct {
	Handle uint64
	Error  string
}

// FreeRequest releases a previously allocated handle.
type FreeRequest struct {
	Handle uint64
}

// FreeResponse reports whether the free succeeded.
type FreeResponse struct {
	Error string
}

// StatsRequest is empty; Stats takes no arguments.
type StatsRequest struct{}

// StatsResponse summarizes region-wide usage.
type StatsResponse struct {
	RegionBytes uint64
	FreeBytes   uint64
	AllocBytes  uint64
	CacheCount  int
}

// NewServer creates a server backed by the given facade and registers it
// with net/rpc under the name "Server".
func NewServer(facade *kmem.Facade) (*Server, error) {
	if facade == nil {
		return nil, fmt.Errorf("rpc: facade must not be nil")
	}
	s := &Server{
		facade:  facade,
		handles: make(map[uint64][]byte),
	}
	if err := rpc.Register(s); err != nil {
		return nil, fmt.Errorf("rpc: failed to register server: %w", err)
	}
	return s, nil
}

// Start listens on address and serves RPC connections. It returns an error
// only if the listen itself fails; once listening, accept errors are logged
// and the loop keeps accepting, so Start does not return and there is no
// shutdown path.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("rpc: failed to listen on %s: %w", address, err)
	}
	defer listener.Close()

	klog.Info("rpc: server listening on %s", address)

	for {
		conn, err := listener.Accept()
		if err != nil {
			klog.Error("rpc: failed to accept connection: %v", err)
			continue
		}
		go rpc.ServeConn(conn)
	}
}

// Allocate is the RPC-exported Kmalloc trampoline.
func (s *Server) Allocate(req *AllocRequest, resp *AllocResponse) error {
	obj, err := s.facade.Kmalloc(req.Size)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}

	s.mu.Lock()
	s.nextID++
	handle := s.nextID
	s.handles[handle] = obj
	s.mu.Unlock()

	resp.Handle = handle
	return nil
}

// Free is the RPC-exported Kfree trampoline.
func (s *Server) Free(req *FreeRequest, resp *FreeResponse) error {
	s.mu.Lock()
	obj, ok := s.handles[req.Handle]
	if ok {
		delete(s.handles, req.Handle)
	}
	s.mu.Unlock()

	if !ok {
		resp.Error = "rpc: unknown handle"
		return nil
	}

	if err := s.facade.Kfree(obj); err != nil {
		resp.Error = err.Error()
	}
	return nil
}

// Stats is the RPC-exported region usage snapshot.
func (s *Server) Stats(req *StatsRequest, resp *StatsResponse) error {
	regionStats := s.facade.Registry().Region().Stats()
	resp.RegionBytes = regionStats.RegionSize
	resp.FreeBytes = regionStats.FreeBytes
	resp.AllocBytes = regionStats.AllocBytes
	resp.CacheCount = len(s.facade.Registry().Caches())
	return nil
}

package rpc

import (
	"fmt"
	"net/rpc"
	"sync"
)

// Client is a thin handle-based client for a kmalloc/kfree Server.
type Client struct {
	id      int
	client  *rpc.Client
	mu      sync.Mutex
	handles map[uint64]uint64 // handle -> requested size, for bookkeeping only
}

// NewClient dials address and returns a Client identified by id (useful
// when many clients share one server for load-testing).
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpc: failed to connect to %s: %w", address, err)
	}

	return &Client{
		id:      id,
		client:  client,
		handles: make(map[uint64]uint64),
	}, nil
}

// Allocate requests size bytes and returns an opaque handle for Free.
func (c *Client) Allocate(size uint64) (uint64, error) {
	req := &AllocRequest{Size: size}
	resp := &AllocResponse{}

	if err := c.client.Call("Server.Allocate", req, resp); err != nil {
		return 0, fmt.Errorf("rpc: allocate call failed: %w", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("rpc: server error: %s", resp.Error)
	}

	c.mu.Lock()
	c.handles[resp.Handle] = size
	c.mu.Unlock()

	return resp.Handle, nil
}

// Free releases a handle previously returned by Allocate.
func (c *Client) Free(handle uint64) error {
	req := &FreeRequest{Handle: handle}
	resp := &FreeResponse{}

	if err := c.client.Call("Server.Free", req, resp); err != nil {
		return fmt.Errorf("rpc: free call failed: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("rpc: server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.handles, handle)
	c.mu.Unlock()

	return nil
}

// Stats fetches a region usage snapshot from the server.
func (c *Client) Stats() (*StatsResponse, error) {
	resp := &StatsResponse{}
	if err := c.client.Call("Server.Stats", &StatsRequest{}, resp); err != nil {
		return nil, fmt.Errorf("rpc: stats call failed: %w", err)
	}
	return resp, nil
}

// Close closes the client's connection.
func (c *Client) Close() error {
	return c.client.Close()
}

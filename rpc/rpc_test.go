package rpc

import (
	"testing"
	"time"

	"github.com/shenjiangwei/kmemalloc/buddy"
	"github.com/shenjiangwei/kmemalloc/kmem"
)

const serverAddress = "localhost:12345"

func TestRPCClientServer(t *testing.T) {
	region := buddy.NewRegion(256*buddy.DefaultBlockSize, buddy.DefaultBlockSize)
	if _, err := region.Init(); err != nil {
		t.Fatalf("failed to init region: %v", err)
	}
	facade := kmem.NewFacade(region)

	server, err := NewServer(facade)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	go func() {
		if err := server.Start(serverAddress); err != nil {
			t.Logf("server stopped: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	numClients := 5
	clients := make([]*Client, numClients)
	for i := 0; i < numClients; i++ {
		client, err := NewClient(i, serverAddress)
		if err != nil {
			t.Fatalf("failed to create client %d: %v", i, err)
		}
		clients[i] = client
		defer client.Close()
	}

	done := make(chan error, numClients)
	for i, client := range clients {
		go func(id int, c *Client) {
			handle, err := c.Allocate(1024)
			if err != nil {
				done <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
			done <- c.Free(handle)
		}(i, client)
	}

	for i := 0; i < numClients; i++ {
		if err := <-done; err != nil {
			t.Errorf("client operation failed: %v", err)
		}
	}

	stats, err := clients[0].Stats()
	if err != nil {
		t.Fatalf("stats call failed: %v", err)
	}
	if stats.CacheCount == 0 {
		t.Errorf("expected at least one size-class cache to have been created")
	}
}

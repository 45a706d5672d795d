package internal

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// fakeHandle is a torrentHandle entirely driven by a test pushing events
// onto its channel, standing in for the anacrolix-backed Handle so the
// worker state machine can be exercised without a real swarm.
type fakeHandle struct {
	magnetURI string
	events    chan Event
}

func newFakeHandle(magnetURI string) *fakeHandle {
	return &fakeHandle{magnetURI: magnetURI, events: make(chan Event, 8)}
}

func (h *fakeHandle) Events() <-chan Event { return h.events }
func (h *fakeHandle) NumPeers() int        { return 0 }
func (h *fakeHandle) FileName() string     { return "fake.mkv" }
func (h *fakeHandle) Remove()              {}

func (h *fakeHandle) ReadRange(ctx context.Context, start, end int64) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("fake-live-bytes")), nil
}

// push queues an event for the worker to observe. Buffered, so tests can
// queue events before the worker is even dispatched.
func (h *fakeHandle) push(e Event) { h.events <- e }

// fakePeerClient is a channel-driven stand-in for *Client. newHandle is
// invoked the first time Add sees a given magnetURI, letting each test
// control exactly what events that download's handle will emit.
type fakePeerClient struct {
	mu        sync.Mutex
	handles   map[string]*fakeHandle
	newHandle func(magnetURI string) *fakeHandle

	addCount atomic.Int32
	active   atomic.Int32
	peak     atomic.Int32
	started  chan string
	removed  chan string
}

func newFakePeerClient(newHandle func(magnetURI string) *fakeHandle) *fakePeerClient {
	return &fakePeerClient{
		handles:   make(map[string]*fakeHandle),
		newHandle: newHandle,
		started:   make(chan string, 64),
		removed:   make(chan string, 64),
	}
}

func (c *fakePeerClient) Add(ctx context.Context, magnetURI, targetDir string) (torrentHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[magnetURI]; ok {
		return h, nil
	}
	c.addCount.Add(1)
	if n := c.active.Add(1); n > c.peak.Load() {
		c.peak.Store(n)
	}
	h := c.newHandle(magnetURI)
	c.handles[magnetURI] = h
	c.started <- magnetURI
	return h, nil
}

func (c *fakePeerClient) Remove(magnetURI string) {
	c.active.Add(-1)
	c.removed <- magnetURI
}

package channel

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
)

// ErrAppendFailed is returned by a MemoryChannel whose failure switch is on.
var ErrAppendFailed = errors.New("channel append failed")

// MemoryChannel is an in-process Channel for tests and single-node use.
// Delivery is synchronous and FIFO per canvas. FailAppends simulates a
// connectivity outage so retry behavior can be exercised.
type MemoryChannel struct {
	mu          sync.Mutex
	logs        map[string][]Record
	subscribers map[string]map[int]func(Record)
	nextSub     int
	failing     bool
	appendCount int
}

// NewMemoryChannel returns an empty in-memory channel.
func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		logs:        make(map[string][]Record),
		subscribers: make(map[string]map[int]func(Record)),
	}
}

// FailAppends toggles simulated append failures.
func (c *MemoryChannel) FailAppends(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing = fail
}

// AppendCount reports how many successful appends have happened.
func (c *MemoryChannel) AppendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appendCount
}

// Log returns a copy of the canvas log.
func (c *MemoryChannel) Log(canvasID string) []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.logs[canvasID]))
	copy(out, c.logs[canvasID])
	return out
}

// Append stores the record and delivers it synchronously to every
// subscriber, in subscription order.
func (c *MemoryChannel) Append(ctx context.Context, canvasID string, rec Record) (string, error) {
	c.mu.Lock()
	if c.failing {
		c.mu.Unlock()
		return "", ErrAppendFailed
	}
	c.logs[canvasID] = append(c.logs[canvasID], rec)
	c.appendCount++
	id := strconv.Itoa(len(c.logs[canvasID]))

	ids := make([]int, 0, len(c.subscribers[canvasID]))
	for id := range c.subscribers[canvasID] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Record), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subscribers[canvasID][id])
	}
	c.mu.Unlock()

	// Callbacks run outside the lock: a subscriber may append in response.
	for _, fn := range fns {
		fn(rec)
	}
	return id, nil
}

// Subscribe registers fn for future appends on the canvas.
func (c *MemoryChannel) Subscribe(ctx context.Context, canvasID string, fn func(Record)) (Unsubscribe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subscribers[canvasID] == nil {
		c.subscribers[canvasID] = make(map[int]func(Record))
	}
	id := c.nextSub
	c.nextSub++
	c.subscribers[canvasID][id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers[canvasID], id)
	}, nil
}

// Replay walks the stored log oldest-first.
func (c *MemoryChannel) Replay(ctx context.Context, canvasID string, fn func(Record)) error {
	for _, rec := range c.Log(canvasID) {
		fn(rec)
	}
	return nil
}

package engine

import (
	"context"
	"fmt"
	"sync"
)

// Cycle caches generated ids for the lifetime of one write transaction.
//
// The first NextID for a key loads the highest stored id, later calls count
// up from there without touching storage. This keeps ids strictly
// increasing within the transaction even before earlier records are
// written. A new Cycle starts with every transaction, so a cached value
// never outlives the writes it accounts for.
type Cycle struct {
	mu     sync.Mutex
	clocks map[string]*Clock
}

func newCycle() *Cycle {
	return &Cycle{clocks: make(map[string]*Clock)}
}

// NextID returns the next id for key. load is called once per cycle and
// key to find the current maximum (0 when there is none).
func (c *Cycle) NextID(ctx context.Context, key string, load func(context.Context) (int64, error)) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clock, ok := c.clocks[key]
	if !ok {
		start, err := load(ctx)
		if err != nil {
			return 0, fmt.Errorf("load max id for %s: %w", key, err)
		}
		clock = NewClockAt(start)
		c.clocks[key] = clock
	}
	return clock.Next(), nil
}

// Cached reports the last id handed out for key, if the key was loaded.
func (c *Cycle) Cached(key string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clock, ok := c.clocks[key]
	if !ok {
		return 0, false
	}
	return clock.Current(), true
}

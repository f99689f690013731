package store

import "sync"

// opChain serializes operations in arrival order. Each caller takes a
// ticket and runs when every earlier ticket has released, so the chain
// holds exactly one operation at a time.
type opChain struct {
	mu      sync.Mutex
	cond    *sync.Cond
	next    uint64
	serving uint64
}

func newOpChain() *opChain {
	c := &opChain{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// acquire blocks until the caller's ticket is served.
func (c *opChain) acquire() {
	c.mu.Lock()
	ticket := c.next
	c.next++
	for c.serving != ticket {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

// release hands the slot to the next ticket.
func (c *opChain) release() {
	c.mu.Lock()
	c.serving++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// drain waits until every ticket issued before the call has released.
func (c *opChain) drain() {
	c.mu.Lock()
	target := c.next
	for c.serving < target {
		c.cond.Wait()
	}
	c.mu.Unlock()
}

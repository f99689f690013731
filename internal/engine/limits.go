package engine

import "sync"

const (
	// DefaultRecursionLimit caps how deeply sub-events may nest.
	DefaultRecursionLimit = 100
	// DefaultMaxSubEvents caps how many sub-events one event tree may queue.
	DefaultMaxSubEvents = 10000
)

// treeBudget tracks the sub-event quota of one top-level event tree.
//
// Depth alone does not bound a tree: a hook may queue many siblings at every
// level. The quota counts every queued sub-event so runaway fan-out stops
// too. A budget is shared by every Call of the tree and is safe for
// concurrent use by fanned-out hooks.
type treeBudget struct {
	mu       sync.Mutex
	depthCap int
	quota    int
	queued   int
}

func newTreeBudget(depthCap, quota int) *treeBudget {
	return &treeBudget{depthCap: depthCap, quota: quota}
}

// checkDepth validates that a sub-event at depth may run.
func (b *treeBudget) checkDepth(depth int) error {
	if depth > b.depthCap {
		return &RecursionLimitError{Depth: depth, Limit: b.depthCap}
	}
	return nil
}

// take reserves one sub-event from the quota.
func (b *treeBudget) take() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queued++
	if b.queued > b.quota {
		return &RecursionLimitError{Depth: b.queued, Limit: b.quota, Quota: true}
	}
	return nil
}

// Queued returns how many sub-events the tree has queued so far.
func (b *treeBudget) Queued() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}

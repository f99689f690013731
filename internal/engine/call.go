package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

// Phase is the pipeline state of an event.
type Phase int

const (
	PhaseQueued Phase = iota
	PhasePreprocessing
	PhaseReducing
	PhaseApplying
	PhaseDeriving
	PhaseTransacting
	PhaseCommitted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseQueued:
		return "queued"
	case PhasePreprocessing:
		return "preprocessing"
	case PhaseReducing:
		return "reducing"
	case PhaseApplying:
		return "applying"
	case PhaseDeriving:
		return "deriving"
	case PhaseTransacting:
		return "transacting"
	case PhaseCommitted:
		return "committed"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// DispatchOption configures a single dispatch.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	timestamp time.Time
}

// WithTimestamp sets the event timestamp. Top-level events default to the
// orchestrator clock; sub-events default to their parent's timestamp.
func WithTimestamp(ts time.Time) DispatchOption {
	return func(o *dispatchOptions) { o.timestamp = ts }
}

func collectDispatchOptions(opts []DispatchOption) dispatchOptions {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// subQueue collects the sub-events one hook dispatched.
type subQueue struct {
	mu     sync.Mutex
	events []ir.Event
}

func (q *subQueue) add(ev ir.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev)
}

func (q *subQueue) drain() []ir.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Call is the context of one hook invocation: the event being processed,
// its place in the event tree and the transaction it runs in.
//
// A Call is only valid for the duration of the hook it was passed to.
type Call struct {
	orch   *Orchestrator
	tx     *store.Tx
	view   *docstore.View
	cycle  *Cycle
	budget *treeBudget

	event ir.Event
	depth int
	phase Phase
	model string
	subs  *subQueue
}

// child returns a Call for model's hook in phase with its own sub-event
// collector.
func (c *Call) child(model string, phase Phase) *Call {
	next := *c
	next.model = model
	next.phase = phase
	next.subs = &subQueue{}
	return &next
}

// forEvent returns a Call for processing ev one level deeper.
func (c *Call) forEvent(ev ir.Event, depth int) *Call {
	next := *c
	next.event = ev
	next.depth = depth
	next.model = ""
	next.phase = PhaseQueued
	next.subs = &subQueue{}
	return &next
}

// Event returns the event the hook was called for.
func (c *Call) Event() ir.Event { return c.event }

// Depth returns the nesting depth; top-level events are at depth 0.
func (c *Call) Depth() int { return c.depth }

// TopLevel reports whether the event is a logged event rather than a
// sub-event.
func (c *Call) TopLevel() bool { return c.depth == 0 }

// Phase returns the pipeline phase the hook runs in.
func (c *Call) Phase() Phase { return c.phase }

// Model returns the name of the model whose hook is running.
func (c *Call) Model() string { return c.model }

// Cycle returns the id cache of the current transaction.
func (c *Call) Cycle() *Cycle { return c.cycle }

// Querier returns the write transaction. Hooks should prefer Collection.
func (c *Call) Querier() store.Querier { return c.tx }

// View returns the transactional view. It is writable only while applying,
// deriving and transacting.
func (c *Call) View() *docstore.View { return c.view }

// Collection returns a collection bound to the transactional view.
func (c *Call) Collection(name, idColumn string) *docstore.Collection {
	return c.view.Collection(name, idColumn)
}

// ReadView returns a view of committed state, outside the transaction.
func (c *Call) ReadView() (*docstore.View, error) { return c.orch.ReadView() }

// Logger returns the orchestrator logger annotated with the event.
func (c *Call) Logger() *slog.Logger {
	l := c.orch.logger.With("version", c.event.Version, "type", c.event.Type)
	if c.model != "" {
		l = l.With("model", c.model)
	}
	return l
}

// Dispatch queues a sub-event of the current event. Sub-events run after
// the current phase, depth-first in the order they were queued, within the
// same transaction. The returned event is not yet applied.
//
// Sub-events can only be queued while reducing, deriving or transacting.
func (c *Call) Dispatch(ctx context.Context, typ string, payload ir.IRValue, opts ...DispatchOption) (ir.Event, error) {
	if typ == "" {
		return ir.Event{}, fmt.Errorf("dispatch sub-event: type is required")
	}
	if c.phase != PhaseReducing && c.phase != PhaseDeriving && c.phase != PhaseTransacting {
		return ir.Event{}, fmt.Errorf("dispatch sub-event %s: not allowed while %s", typ, c.phase)
	}
	if err := ctx.Err(); err != nil {
		return ir.Event{}, err
	}
	if err := c.budget.take(); err != nil {
		return ir.Event{}, err
	}
	if payload == nil {
		payload = ir.IRNull{}
	}
	o := collectDispatchOptions(opts)
	ts := c.event.Timestamp
	if !o.timestamp.IsZero() {
		ts = o.timestamp.UTC().Truncate(time.Millisecond)
	}
	sub := ir.Event{
		Version:   c.event.Version,
		Type:      typ,
		Timestamp: ts,
		Payload:   payload,
		Origin:    c.event.Origin,
	}
	c.subs.add(sub)
	return sub, nil
}

var _ Dispatcher = (*Call)(nil)

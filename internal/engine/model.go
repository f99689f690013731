package engine

import (
	"context"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

// Model is anything registered with the orchestrator. A model implements
// the subset of hook interfaces below that it needs; hooks run in
// registration order (or are fanned out and merged in that order).
type Model interface {
	Name() string
}

// Initializer prepares storage for a model when it is registered, for
// example by creating its collection.
type Initializer interface {
	Model
	Init(ctx context.Context, q store.Querier) error
}

// Preprocessor may rewrite an event before it is reduced. The returned
// event must keep the version and type of the input.
type Preprocessor interface {
	Model
	Preprocess(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error)
}

// Reducer computes the storage change for an event. It must not write;
// a nil or empty Diff means the event does not concern the model.
type Reducer interface {
	Model
	Reduce(ctx context.Context, c *Call, ev ir.Event) (ir.Diff, error)
}

// Applier writes the Diff its Reduce returned.
type Applier interface {
	Model
	Apply(ctx context.Context, c *Call, ev ir.Event, d ir.Diff) error
}

// Deriver runs after every diff of the event was applied and may write or
// queue further sub-events.
type Deriver interface {
	Model
	Derive(ctx context.Context, c *Call, ev ir.Event, result ir.Result) error
}

// Transactor runs last, once per model, with the full event and result.
type Transactor interface {
	Model
	Transact(ctx context.Context, c *Call, ev ir.Event, result ir.Result) error
}

// Resetter clears a model's derived state before replay.
type Resetter interface {
	Model
	Reset(ctx context.Context, c *Call) error
}

// Dispatcher accepts new events. The Orchestrator appends and waits until
// the event was applied; a Call queues a sub-event of the event it is
// processing and returns it unapplied.
type Dispatcher interface {
	Dispatch(ctx context.Context, typ string, payload ir.IRValue, opts ...DispatchOption) (ir.Event, error)
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

const (
	// DefaultRetryBudget is how many times a storage failure is retried
	// before the orchestrator halts.
	DefaultRetryBudget = 5
	// DefaultRetryBackoff is the backoff unit; attempt n waits n units.
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Orchestrator is the single writer that applies logged events to models.
//
// Thread-safety model:
//   - Dispatch, WaitUntilVersion and the admin methods: safe from any goroutine
//   - Register: before the first event is processed
//   - Hooks: called from the polling goroutine, or fanned out from it
//
// INVARIANTS:
//   - events apply in strictly increasing version order
//   - at most one write transaction exists at a time (writeMu)
//   - model order never changes after registration
type Orchestrator struct {
	log    *store.EventStore
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time
	tel    *telemetry

	retryBudget    int
	retryBackoff   time.Duration
	recursionLimit int
	maxSubEvents   int
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	models []Model
	names  map[string]bool

	// writeMu is held while an event tree is processed and its outcome
	// published, and during replay resets.
	writeMu sync.Mutex

	mu         sync.Mutex
	applied    int64
	target     int64
	continuous bool
	started    bool
	running    bool
	loopDone   chan struct{}
	waiters    map[int64][]chan waitResult
	halted     error
	closed     bool

	ctx    context.Context
	cancel context.CancelFunc
	mail   *mailbox
}

type waitResult struct {
	ev  ir.Event
	err error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRetryBudget sets how many storage failures of one event are retried
// before halting. Default: DefaultRetryBudget.
func WithRetryBudget(n int) Option {
	return func(o *Orchestrator) { o.retryBudget = n }
}

// WithRetryBackoff sets the linear backoff unit. Default: DefaultRetryBackoff.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *Orchestrator) { o.retryBackoff = d }
}

// WithRecursionLimit caps sub-event nesting. Default: DefaultRecursionLimit.
func WithRecursionLimit(n int) Option {
	return func(o *Orchestrator) { o.recursionLimit = n }
}

// WithMaxSubEvents caps the sub-events of one event tree.
// Default: DefaultMaxSubEvents.
func WithMaxSubEvents(n int) Option {
	return func(o *Orchestrator) { o.maxSubEvents = n }
}

// WithNow sets the clock used to timestamp dispatched events.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracerProvider sets the tracer provider. Default: the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) { o.tracerProvider = tp }
}

// WithMeterProvider sets the meter provider. Default: the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

// New creates an orchestrator following log. Processing starts with the
// first StartPolling, StartContinuous, Dispatch or WaitUntilVersion.
func New(ctx context.Context, log *store.EventStore, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		log:            log,
		store:          log.Store(),
		logger:         slog.Default(),
		now:            time.Now,
		retryBudget:    DefaultRetryBudget,
		retryBackoff:   DefaultRetryBackoff,
		recursionLimit: DefaultRecursionLimit,
		maxSubEvents:   DefaultMaxSubEvents,
		names:          make(map[string]bool),
		waiters:        make(map[int64][]chan waitResult),
	}
	for _, opt := range opts {
		opt(o)
	}

	tel, err := newTelemetry(o.tracerProvider, o.meterProvider)
	if err != nil {
		return nil, err
	}
	o.tel = tel

	applied, err := o.store.AppliedVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("load applied version: %w", err)
	}
	o.applied = applied

	o.ctx, o.cancel = context.WithCancel(context.Background())
	o.mail = newMailbox(o.logger)
	return o, nil
}

// Register adds models in order. Initializers run in one transaction.
func (o *Orchestrator) Register(ctx context.Context, models ...Model) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return fmt.Errorf("register models: orchestrator already started")
	}
	seen := make(map[string]bool, len(models))
	for _, m := range models {
		name := m.Name()
		if name == "" {
			o.mu.Unlock()
			return fmt.Errorf("register models: empty model name")
		}
		if o.names[name] || seen[name] {
			o.mu.Unlock()
			return fmt.Errorf("register models: duplicate model %q", name)
		}
		seen[name] = true
	}
	for _, m := range models {
		o.names[m.Name()] = true
	}
	o.models = append(o.models, models...)
	o.mu.Unlock()

	o.writeMu.Lock()
	defer o.writeMu.Unlock()
	err := o.store.WriteTx(ctx, func(tx *store.Tx) error {
		for _, m := range models {
			init, ok := m.(Initializer)
			if !ok {
				continue
			}
			if err := init.Init(ctx, tx); err != nil {
				return fmt.Errorf("init %s: %w", m.Name(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register models: %w", err)
	}
	for _, m := range models {
		o.logger.Debug("model registered", "model", m.Name())
	}
	return nil
}

// Models returns the registered models in registration order.
func (o *Orchestrator) Models() []Model {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Model(nil), o.models...)
}

// Log returns the event log the orchestrator follows.
func (o *Orchestrator) Log() *store.EventStore { return o.log }

type pipelineKey struct{}

func inPipeline(ctx context.Context) bool {
	v, _ := ctx.Value(pipelineKey{}).(bool)
	return v
}

// Dispatch appends an event and blocks until it was applied. A business
// failure returns the applied event together with an *EventFailedError.
func (o *Orchestrator) Dispatch(ctx context.Context, typ string, payload ir.IRValue, opts ...DispatchOption) (ir.Event, error) {
	if inPipeline(ctx) {
		return ir.Event{}, ErrReentrantDispatch
	}
	if typ == "" {
		return ir.Event{}, fmt.Errorf("dispatch: type is required")
	}
	if payload == nil {
		payload = ir.IRNull{}
	}
	do := collectDispatchOptions(opts)
	ts := do.timestamp
	if ts.IsZero() {
		ts = o.now()
	}

	appended, err := o.log.Append(ctx, typ, payload, ts)
	if err != nil {
		return ir.Event{}, &StorageError{Op: "append", Err: err}
	}
	o.logger.Debug("event dispatched", "version", appended.Version, "type", typ)

	ev, err := o.WaitUntilVersion(ctx, appended.Version)
	if err != nil {
		return appended, err
	}
	if ev.Failed() {
		return ev, &EventFailedError{Event: ev}
	}
	return ev, nil
}

var _ Dispatcher = (*Orchestrator)(nil)

// WaitUntilVersion blocks until version v was applied and returns that
// event with its outcome.
func (o *Orchestrator) WaitUntilVersion(ctx context.Context, v int64) (ir.Event, error) {
	if v <= 0 {
		return ir.Event{}, fmt.Errorf("wait until version: invalid version %d", v)
	}
	o.mu.Lock()
	if o.halted != nil {
		err := o.halted
		o.mu.Unlock()
		return ir.Event{}, err
	}
	if o.closed {
		o.mu.Unlock()
		return ir.Event{}, store.ErrClosed
	}
	if o.applied >= v {
		o.mu.Unlock()
		return o.log.Get(ctx, v)
	}
	ch := make(chan waitResult, 1)
	o.waiters[v] = append(o.waiters[v], ch)
	o.ensureLoopLocked()
	o.mu.Unlock()

	select {
	case r := <-ch:
		return r.ev, r.err
	case <-ctx.Done():
		o.removeWaiter(v, ch)
		return ir.Event{}, ctx.Err()
	}
}

func (o *Orchestrator) removeWaiter(v int64, ch chan waitResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	chans := o.waiters[v]
	for i, c := range chans {
		if c == ch {
			chans = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(chans) == 0 {
		delete(o.waiters, v)
	} else {
		o.waiters[v] = chans
	}
}

// Subscribe registers fn for a notification after every applied event.
// Notifications are delivered from a single goroutine in commit order.
func (o *Orchestrator) Subscribe(fn func(Notification)) (unsubscribe func()) {
	return o.mail.subscribe(fn)
}

// AppliedVersion returns the last version this orchestrator applied or
// observed as applied.
func (o *Orchestrator) AppliedVersion() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.applied
}

// CurrentVersion returns the highest version in the log, or the floor if
// that is higher.
func (o *Orchestrator) CurrentVersion(ctx context.Context) (int64, error) {
	return o.log.MaxVersion(ctx)
}

// SetFloorVersion raises the version floor; the next event gets a version
// above v.
func (o *Orchestrator) SetFloorVersion(ctx context.Context, v int64) error {
	return o.log.SetFloorVersion(ctx, v)
}

// ReadView returns a read-only view of committed model state.
func (o *Orchestrator) ReadView() (*docstore.View, error) {
	ro, err := o.store.Reader()
	if err != nil {
		return nil, err
	}
	return docstore.NewView(ro), nil
}

// StartPolling processes events until version target was applied.
func (o *Orchestrator) StartPolling(target int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if target > o.target {
		o.target = target
	}
	o.ensureLoopLocked()
}

// StartContinuous processes events as they are appended until StopPolling.
func (o *Orchestrator) StartContinuous() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.continuous = true
	o.ensureLoopLocked()
}

// StopPolling ends continuous polling and drops the polling target. An
// event already being processed completes, and pending waiters keep the
// loop alive until they are resolved.
func (o *Orchestrator) StopPolling() {
	o.mu.Lock()
	o.continuous = false
	o.target = o.applied
	o.mu.Unlock()
	o.log.CancelWait()
}

// Halted returns the error that halted the orchestrator, if any.
func (o *Orchestrator) Halted() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.halted
}

// Close stops the polling loop, rejects pending waiters with
// store.ErrClosed and flushes notifications. It does not close the store.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	waiters := o.waiters
	o.waiters = make(map[int64][]chan waitResult)
	done := o.loopDone
	o.mu.Unlock()

	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- waitResult{err: store.ErrClosed}
		}
	}
	o.cancel()
	o.log.CancelWait()
	if done != nil {
		<-done
	}
	o.mail.close()
	o.logger.Info("orchestrator closed", "applied_version", o.AppliedVersion())
	return nil
}

// ensureLoopLocked starts the polling goroutine if it isn't running.
// Callers hold o.mu.
func (o *Orchestrator) ensureLoopLocked() {
	o.started = true
	if o.running || o.halted != nil || o.closed {
		return
	}
	o.running = true
	o.loopDone = make(chan struct{})
	go o.run(o.loopDone)
}

// pendingLocked reports whether the loop has work to wait for.
func (o *Orchestrator) pendingLocked() bool {
	return o.continuous || o.target > o.applied || len(o.waiters) > 0
}

// run is the polling loop: wait for the next version, apply it, publish.
// It exits when nothing is pending, on Close, or when halted.
func (o *Orchestrator) run(done chan struct{}) {
	defer close(done)
	o.logger.Debug("polling started")

	for {
		o.mu.Lock()
		if o.halted != nil || o.closed || !o.pendingLocked() {
			o.running = false
			o.mu.Unlock()
			o.logger.Debug("polling stopped")
			return
		}
		after := o.applied
		o.mu.Unlock()

		var next *ir.Event
		err := o.withRetry(o.ctx, after+1, func(ctx context.Context) error {
			ev, err := o.log.WaitForNext(ctx, after, false)
			if err != nil && !errors.Is(err, store.ErrWaitCancelled) && ctx.Err() == nil {
				return &StorageError{Op: "wait", Err: err}
			}
			next = ev
			return nil
		})
		if err == nil && next != nil {
			err = o.applyNext(after, next.Version)
		}
		if err != nil {
			if o.ctx.Err() != nil {
				o.mu.Lock()
				o.running = false
				o.mu.Unlock()
				return
			}
			o.halt(err)
			return
		}
	}
}

// applyNext processes version unless another writer (replay) moved the
// applied version since the loop read it.
func (o *Orchestrator) applyNext(after, version int64) error {
	o.writeMu.Lock()
	defer o.writeMu.Unlock()

	o.mu.Lock()
	stale := o.applied != after
	o.mu.Unlock()
	if stale {
		return nil
	}

	var ev ir.Event
	err := o.withRetry(o.ctx, version, func(ctx context.Context) error {
		var err error
		ev, err = o.processTop(ctx, version)
		return err
	})
	if err != nil {
		return err
	}
	o.publish(ev)
	return nil
}

// publish advances the applied version, resolves waiters and notifies
// subscribers. Waiters for earlier versions load their event from the log.
func (o *Orchestrator) publish(ev ir.Event) {
	o.mu.Lock()
	if ev.Version > o.applied {
		o.applied = ev.Version
	}
	ready := make(map[int64][]chan waitResult)
	for v, chans := range o.waiters {
		if v <= ev.Version {
			ready[v] = chans
			delete(o.waiters, v)
		}
	}
	o.mu.Unlock()

	for v, chans := range ready {
		r := waitResult{ev: ev}
		if v != ev.Version {
			r.ev, r.err = o.log.Get(o.ctx, v)
		}
		for _, ch := range chans {
			ch <- r
		}
	}

	kind := NotifyResult
	if ev.Failed() {
		kind = NotifyError
	}
	o.mail.post(Notification{Kind: kind, Event: ev})
}

// halt stops the orchestrator after an unrecoverable storage failure.
func (o *Orchestrator) halt(cause error) {
	o.mu.Lock()
	o.halted = fmt.Errorf("%w: %w", ErrHalted, cause)
	o.running = false
	waiters := o.waiters
	o.waiters = make(map[int64][]chan waitResult)
	halted := o.halted
	applied := o.applied
	o.mu.Unlock()

	o.logger.Error("orchestrator halted",
		"applied_version", applied,
		"error", cause,
	)
	for _, chans := range waiters {
		for _, ch := range chans {
			ch <- waitResult{err: halted}
		}
	}
}

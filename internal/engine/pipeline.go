package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

// eventSavepoint marks the state before reduce; a failed tree rolls back to it.
const eventSavepoint = "strata_event"

// processTop applies one logged event in its own write transaction and
// returns it with its outcome. Only storage failures are returned as errors;
// business failures are recorded on the event.
func (o *Orchestrator) processTop(ctx context.Context, version int64) (ir.Event, error) {
	ctx = context.WithValue(ctx, pipelineKey{}, true)
	ctx, span := o.tel.startEvent(ctx, version)
	defer span.End()
	started := time.Now()

	tx, err := o.store.BeginWrite(ctx)
	if err != nil {
		failSpan(span, err)
		return ir.Event{}, &StorageError{Op: "begin", Err: err}
	}
	defer tx.Rollback()

	applied, err := store.ReadAppliedVersion(ctx, tx)
	if err != nil {
		return ir.Event{}, &StorageError{Op: "read applied version", Err: err}
	}
	logged, err := store.GetEvent(ctx, tx, version)
	if err != nil {
		return ir.Event{}, &StorageError{Op: "read event", Err: err}
	}
	if applied >= version {
		// Another process applied it first.
		o.logger.Debug("event already applied", "version", version, "type", logged.Type)
		return logged, nil
	}

	root := &Call{
		orch:   o,
		tx:     tx,
		view:   docstore.NewView(tx),
		cycle:  newCycle(),
		budget: newTreeBudget(o.recursionLimit, o.maxSubEvents),
		event:  logged,
		subs:   &subQueue{},
	}

	out, err := o.runTop(ctx, root, logged)
	if err != nil {
		failSpan(span, err)
		return ir.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		failSpan(span, err)
		return ir.Event{}, &StorageError{Op: "commit", Err: err}
	}

	o.tel.finishEvent(ctx, span, out, started)
	if out.Failed() {
		o.logger.Warn("event failed",
			"version", out.Version,
			"type", out.Type,
			"errors", out.Error,
		)
	} else {
		o.logger.Info("event applied",
			"version", out.Version,
			"type", out.Type,
			"models", out.Result.Models(),
			"sub_events", len(out.SubEvents),
		)
	}
	return out, nil
}

// runTop runs the pipeline for a top-level event inside tx. An event whose
// outcome is already in the log (replay) is re-applied without rewriting
// the outcome.
func (o *Orchestrator) runTop(ctx context.Context, root *Call, logged ir.Event) (ir.Event, error) {
	tx := root.tx
	replaying := logged.Done()

	if replaying && logged.Failed() {
		// Its effects were rolled back when it first ran.
		if err := store.SetAppliedVersion(ctx, tx, logged.Version); err != nil {
			return ir.Event{}, &StorageError{Op: "advance version", Err: err}
		}
		return logged, nil
	}

	ev := ir.Event{
		Version:   logged.Version,
		Type:      logged.Type,
		Timestamp: logged.Timestamp,
		Payload:   logged.Payload,
		Origin:    logged.Origin,
	}

	ev, err := o.preprocess(ctx, root, ev)
	if err != nil {
		return ir.Event{}, err
	}
	if !ev.Failed() && !replaying && !ir.Equal(ev.Payload, logged.Payload) {
		if err := o.log.UpdatePayload(ctx, tx, ev.Version, ev.Payload); err != nil {
			return ir.Event{}, &StorageError{Op: "update payload", Err: err}
		}
	}

	if !ev.Failed() {
		if err := tx.Savepoint(ctx, eventSavepoint); err != nil {
			return ir.Event{}, &StorageError{Op: "savepoint", Err: err}
		}
		ev, err = o.process(ctx, root, ev)
		if err != nil {
			return ir.Event{}, err
		}
		if ev.Failed() {
			if err := tx.RollbackTo(ctx, eventSavepoint); err != nil {
				return ir.Event{}, &StorageError{Op: "rollback", Err: err}
			}
		} else if err := tx.Release(ctx, eventSavepoint); err != nil {
			return ir.Event{}, &StorageError{Op: "release", Err: err}
		}
	}
	root.view.SetWritable(false)

	if ev.Failed() {
		if err := store.SetAppliedVersion(ctx, tx, ev.Version); err != nil {
			return ir.Event{}, &StorageError{Op: "advance version", Err: err}
		}
	}

	if replaying {
		if ev.Failed() {
			o.logger.Warn("replayed event failed, keeping logged outcome",
				"version", ev.Version,
				"type", ev.Type,
				"errors", ev.Error,
			)
		}
		return logged, nil
	}
	if err := o.log.WriteOutcome(ctx, tx, ev); err != nil {
		return ir.Event{}, &StorageError{Op: "write outcome", Err: err}
	}
	return ev, nil
}

// preprocess runs every Preprocessor in registration order.
func (o *Orchestrator) preprocess(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error) {
	ctx, span := o.tel.startPhase(ctx, "preprocess", ev)
	defer span.End()
	c.view.SetWritable(false)

	for _, m := range o.models {
		p, ok := m.(Preprocessor)
		if !ok {
			continue
		}
		next, err := p.Preprocess(ctx, c.child(m.Name(), PhasePreprocessing), ev)
		if err != nil {
			if abort := abortError(ctx, "preprocess", err); abort != nil {
				return ev, abort
			}
			return recordFailures(ev, TagPreprocess, map[string]error{m.Name(): err}), nil
		}
		if next.Version != ev.Version || next.Type != ev.Type {
			return ev.WithError(phaseTag(TagPreprocess, m.Name()), "preprocess changed the event version or type"), nil
		}
		ev = next
	}
	return ev, nil
}

// process runs reduce, apply, sub-events, derive and transact for an
// already preprocessed event.
func (o *Orchestrator) process(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error) {
	c.event = ev

	diffs, reduceSubs, failures, err := o.reduce(ctx, c, ev)
	if err != nil {
		return ev, err
	}
	if len(failures) > 0 {
		return recordFailures(ev, TagReduce, failures), nil
	}
	ev = ev.WithEmptyResult()
	for _, m := range o.models {
		if d, ok := diffs[m.Name()]; ok {
			ev = ev.WithResult(m.Name(), d)
		}
	}
	c.event = ev

	failures, err = o.apply(ctx, c, ev)
	if err != nil {
		return ev, err
	}
	if len(failures) > 0 {
		return recordFailures(ev, TagApply, failures), nil
	}
	if c.TopLevel() {
		if err := store.SetAppliedVersion(ctx, c.tx, ev.Version); err != nil {
			if abort := abortError(ctx, "advance version", err); abort != nil {
				return ev, abort
			}
			return ev.WithError(phaseTag(TagApply, "version"), err.Error()), nil
		}
	}

	ev, err = o.runSubs(ctx, c, ev, reduceSubs)
	if err != nil || ev.Failed() {
		return ev, err
	}

	deriveSubs, failures, err := o.derive(ctx, c, ev)
	if err != nil {
		return ev, err
	}
	if len(failures) > 0 {
		return recordFailures(ev, TagDerive, failures), nil
	}

	ev, err = o.runSubs(ctx, c, ev, deriveSubs)
	if err != nil || ev.Failed() {
		return ev, err
	}

	return o.transact(ctx, c, ev)
}

// reduce fans out over every Reducer with writes disabled. It returns the
// non-empty diffs by model, the queued sub-events merged in registration
// order, and every reducer failure.
func (o *Orchestrator) reduce(ctx context.Context, c *Call, ev ir.Event) (map[string]ir.Diff, []ir.Event, map[string]error, error) {
	ctx, span := o.tel.startPhase(ctx, "reduce", ev)
	defer span.End()
	c.view.SetWritable(false)

	type slot struct {
		model string
		call  *Call
		diff  ir.Diff
		err   error
	}
	var slots []*slot
	for _, m := range o.models {
		if _, ok := m.(Reducer); ok {
			slots = append(slots, &slot{model: m.Name(), call: c.child(m.Name(), PhaseReducing)})
		}
	}

	var g errgroup.Group
	for i, m := range reducers(o.models) {
		s := slots[i]
		g.Go(func() error {
			s.diff, s.err = m.Reduce(ctx, s.call, ev)
			return nil
		})
	}
	_ = g.Wait()

	diffs := make(map[string]ir.Diff)
	failures := make(map[string]error)
	var subs []ir.Event
	for _, s := range slots {
		if s.err != nil {
			if abort := abortError(ctx, "reduce", s.err); abort != nil {
				return nil, nil, nil, abort
			}
			failures[s.model] = s.err
			continue
		}
		if s.diff != nil && !ir.IsEmpty(s.diff) {
			diffs[s.model] = s.diff
		}
		subs = append(subs, s.call.subs.drain()...)
	}
	if len(failures) > 0 {
		failSpan(span, &ReduceError{Failures: messages(failures)})
	}
	return diffs, subs, failures, nil
}

// apply fans out over every Applier whose model produced a diff and waits
// for all of them.
func (o *Orchestrator) apply(ctx context.Context, c *Call, ev ir.Event) (map[string]error, error) {
	ctx, span := o.tel.startPhase(ctx, "apply", ev)
	defer span.End()
	c.view.SetWritable(true)

	type slot struct {
		model string
		err   error
	}
	var slots []*slot
	var g errgroup.Group
	for _, m := range o.models {
		a, ok := m.(Applier)
		if !ok {
			continue
		}
		d, ok := ev.Result[m.Name()]
		if !ok {
			continue
		}
		s := &slot{model: m.Name()}
		slots = append(slots, s)
		call := c.child(m.Name(), PhaseApplying)
		g.Go(func() error {
			s.err = a.Apply(ctx, call, ev, d)
			return nil
		})
	}
	_ = g.Wait()

	failures := make(map[string]error)
	for _, s := range slots {
		if s.err == nil {
			continue
		}
		if abort := abortError(ctx, "apply", s.err); abort != nil {
			return nil, abort
		}
		failures[s.model] = s.err
	}
	if len(failures) > 0 {
		failSpan(span, &ApplyError{Phase: TagApply, Failures: messages(failures)})
	}
	return failures, nil
}

// derive fans out over every Deriver and returns their queued sub-events
// merged in registration order.
func (o *Orchestrator) derive(ctx context.Context, c *Call, ev ir.Event) ([]ir.Event, map[string]error, error) {
	ctx, span := o.tel.startPhase(ctx, "derive", ev)
	defer span.End()
	c.view.SetWritable(true)

	type slot struct {
		model string
		call  *Call
		err   error
	}
	var slots []*slot
	var g errgroup.Group
	for _, m := range o.models {
		d, ok := m.(Deriver)
		if !ok {
			continue
		}
		s := &slot{model: m.Name(), call: c.child(m.Name(), PhaseDeriving)}
		slots = append(slots, s)
		g.Go(func() error {
			s.err = d.Derive(ctx, s.call, ev, ev.Result)
			return nil
		})
	}
	_ = g.Wait()

	failures := make(map[string]error)
	var subs []ir.Event
	for _, s := range slots {
		if s.err != nil {
			if abort := abortError(ctx, "derive", s.err); abort != nil {
				return nil, nil, abort
			}
			failures[s.model] = s.err
			continue
		}
		subs = append(subs, s.call.subs.drain()...)
	}
	if len(failures) > 0 {
		failSpan(span, &ApplyError{Phase: TagDerive, Failures: messages(failures)})
	}
	return subs, failures, nil
}

// transact runs every Transactor in registration order and stops at the
// first failure. Sub-events they queue run afterwards, in queue order.
func (o *Orchestrator) transact(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error) {
	ctx, span := o.tel.startPhase(ctx, "transact", ev)
	defer span.End()
	c.view.SetWritable(true)

	var subs []ir.Event
	for _, m := range o.models {
		t, ok := m.(Transactor)
		if !ok {
			continue
		}
		call := c.child(m.Name(), PhaseTransacting)
		if err := t.Transact(ctx, call, ev, ev.Result); err != nil {
			if abort := abortError(ctx, "transact", err); abort != nil {
				return ev, abort
			}
			failSpan(span, &TransactError{Model: m.Name(), Err: err})
			return recordFailures(ev, TagTransact, map[string]error{m.Name(): err}), nil
		}
		subs = append(subs, call.subs.drain()...)
	}
	return o.runSubs(ctx, c, ev, subs)
}

// runSubs runs queued sub-events depth-first in order. The first failing
// sub-event fails the parent with a sub:<index> tag.
func (o *Orchestrator) runSubs(ctx context.Context, c *Call, ev ir.Event, subs []ir.Event) (ir.Event, error) {
	for _, sub := range subs {
		index := len(ev.SubEvents)
		done, err := o.runSub(ctx, c, sub)
		if err != nil {
			return ev, err
		}
		ev = ev.WithSubEvents(done)
		c.event = ev
		if done.Failed() {
			return ev.WithError(subTag(index), fmt.Sprintf("sub-event %s failed", done.Type)), nil
		}
	}
	return ev, nil
}

func (o *Orchestrator) runSub(ctx context.Context, parent *Call, sub ir.Event) (ir.Event, error) {
	depth := parent.depth + 1
	if err := parent.budget.checkDepth(depth); err != nil {
		return sub.WithError(TagRecursion, err.Error()), nil
	}
	c := parent.forEvent(sub, depth)

	sub, err := o.preprocess(ctx, c, sub)
	if err != nil || sub.Failed() {
		return sub, err
	}
	return o.process(ctx, c, sub)
}

// abortError returns the error to abort the whole attempt with, or nil when
// err is a business failure to record on the event.
func abortError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if IsStorageError(err) {
		return err
	}
	if store.IsTransient(err) {
		return &StorageError{Op: op, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// recordFailures adds one error tag per failing model. Recursion limit
// errors are recorded under the recursion tag whatever the phase.
func recordFailures(ev ir.Event, phase string, failures map[string]error) ir.Event {
	for model, err := range failures {
		tag := phaseTag(phase, model)
		if IsRecursionLimit(err) {
			tag = TagRecursion
		}
		ev = ev.WithError(tag, err.Error())
	}
	return ev
}

func messages(failures map[string]error) map[string]string {
	out := make(map[string]string, len(failures))
	for model, err := range failures {
		out[model] = err.Error()
	}
	return out
}

func reducers(models []Model) []Reducer {
	var out []Reducer
	for _, m := range models {
		if r, ok := m.(Reducer); ok {
			out = append(out, r)
		}
	}
	return out
}

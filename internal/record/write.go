package record

import (
	"context"
	"fmt"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
)

// Reader gives access to committed state. Both *engine.Orchestrator and
// *engine.Call implement it.
type Reader interface {
	ReadView() (*docstore.View, error)
}

// Written is the outcome of a record write.
type Written struct {
	// Event is the dispatched event. When the write was queued as a
	// sub-event it has not been applied yet.
	Event ir.Event
	// ID is the record id, as assigned by Preprocess when the write had none.
	ID ir.IRValue
	// Record is the record re-read after the write. It is nil after a
	// remove, with NoReread, for a queued sub-event, or when a later event
	// already removed it.
	Record ir.IRObject
}

// WriteOption configures a single write.
type WriteOption func(*writeOptions)

type writeOptions struct {
	insertOnly bool
	upsert     bool
	noReread   bool
	meta       ir.IRObject
	dispatch   []engine.DispatchOption
}

// InsertOnly makes SetRecord fail with ErrAlreadyExists when the id exists.
func InsertOnly() WriteOption {
	return func(o *writeOptions) { o.insertOnly = true }
}

// Upsert makes UpdateRecord insert the partial when the id is missing.
func Upsert() WriteOption {
	return func(o *writeOptions) { o.upsert = true }
}

// NoReread skips reading the record back after the write.
func NoReread() WriteOption {
	return func(o *writeOptions) { o.noReread = true }
}

// WithMeta attaches caller metadata to the event payload.
func WithMeta(meta ir.IRObject) WriteOption {
	return func(o *writeOptions) { o.meta = meta }
}

// WithDispatchOptions passes options through to Dispatch.
func WithDispatchOptions(opts ...engine.DispatchOption) WriteOption {
	return func(o *writeOptions) { o.dispatch = append(o.dispatch, opts...) }
}

func collectWriteOptions(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SetRecord writes a whole record, replacing the stored one. Fields of the
// stored record missing from obj are removed. A record without an id gets
// one assigned.
func (m *Model) SetRecord(ctx context.Context, d engine.Dispatcher, obj ir.IRObject, opts ...WriteOption) (Written, error) {
	o := collectWriteOptions(opts)
	action := ir.ActionSet
	if o.insertOnly {
		action = ir.ActionInsert
	}
	return m.write(ctx, d, ir.RecordPayload{Action: action, Data: obj.Clone(), Meta: o.meta}, o)
}

// UpdateRecord merges partial into the stored record. The partial must
// carry the id; an explicit null removes a field.
func (m *Model) UpdateRecord(ctx context.Context, d engine.Dispatcher, partial ir.IRObject, opts ...WriteOption) (Written, error) {
	o := collectWriteOptions(opts)
	action := ir.ActionUpdate
	if o.upsert {
		action = ir.ActionUpsert
	}
	return m.write(ctx, d, ir.RecordPayload{Action: action, Data: partial.Clone(), Meta: o.meta}, o)
}

// RemoveRecord deletes the record with the given id. Removing a missing
// record is not an error.
func (m *Model) RemoveRecord(ctx context.Context, d engine.Dispatcher, id ir.IRValue, opts ...WriteOption) (Written, error) {
	o := collectWriteOptions(opts)
	if ir.IsNull(id) {
		return Written{}, fmt.Errorf("remove %s: id is required", m.name)
	}
	o.noReread = true
	return m.write(ctx, d, ir.RecordPayload{Action: ir.ActionRemove, ID: id, Meta: o.meta}, o)
}

func (m *Model) write(ctx context.Context, d engine.Dispatcher, p ir.RecordPayload, o writeOptions) (Written, error) {
	if p.Data != nil {
		if id, ok := p.Data[m.idColumn]; ok && !ir.IsNull(id) {
			p.ID = id
		}
	}

	ev, err := d.Dispatch(ctx, m.name, p.Value(), o.dispatch...)
	if err != nil {
		return Written{Event: ev, ID: p.ID}, fmt.Errorf("%s %s: %w", p.Action, m.name, err)
	}
	out := Written{Event: ev, ID: p.ID}
	if !ev.Done() {
		// Queued as a sub-event.
		return out, nil
	}

	// Preprocess may have assigned the id.
	if logged, err := ir.ParseRecordPayload(ev.Payload); err == nil && logged.HasID() {
		out.ID = logged.ID
	}
	if c, ok := ev.Result[m.name].(ir.Conflict); ok {
		return out, &ConflictError{Model: m.name, ID: out.ID, Reason: c.Reason}
	}
	if o.noReread {
		return out, nil
	}

	r, ok := d.(Reader)
	if !ok {
		return out, nil
	}
	rec, found, err := m.Get(ctx, r, out.ID)
	if err != nil {
		return out, fmt.Errorf("reread %s: %w", m.name, err)
	}
	if found {
		out.Record = rec
	}
	return out, nil
}

package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
)

// Preprocess assigns an id to records written without one and validates
// full records against the schema. The id is written into the payload so a
// replay reuses it.
func (m *Model) Preprocess(ctx context.Context, c *engine.Call, ev ir.Event) (ir.Event, error) {
	if ev.Type != m.name {
		return ev, nil
	}
	p, err := ir.ParseRecordPayload(ev.Payload)
	if err != nil {
		return ev, err
	}
	if !p.HasID() && p.Data != nil {
		if id, ok := p.Data[m.idColumn]; ok && !ir.IsNull(id) {
			p.ID = id
		}
	}

	if !p.HasID() {
		if p.Action == ir.ActionUpdate {
			return ev, fmt.Errorf("%s: update requires an id", m.name)
		}
		if m.noAuto {
			return ev, fmt.Errorf("%s: id is required", m.name)
		}
		id, err := m.assignID(ctx, c, p.Data)
		if err != nil {
			return ev, err
		}
		c.Logger().Debug("assigned record id", "id", ir.ToAny(id))
		p.ID = id
	}
	if _, err := ir.IDKey(p.ID); err != nil {
		return ev, fmt.Errorf("%s: %w", m.name, err)
	}
	p = p.WithID(m.idColumn, p.ID)

	if m.schema != nil && (p.Action == ir.ActionInsert || p.Action == ir.ActionSet) {
		if err := validateRecord(m.schema, p.Data); err != nil {
			return ev, fmt.Errorf("%s: %w", m.name, err)
		}
	}
	return ev.WithPayload(p.Value()), nil
}

func (m *Model) assignID(ctx context.Context, c *engine.Call, data ir.IRObject) (ir.IRValue, error) {
	switch {
	case m.idFunc != nil:
		id, err := m.idFunc(ctx, c, data)
		if err != nil {
			return nil, fmt.Errorf("%s: id function: %w", m.name, err)
		}
		if ir.IsNull(id) {
			return nil, fmt.Errorf("%s: id function returned no id", m.name)
		}
		return id, nil
	case m.idGen != nil:
		return m.idGen.Generate(), nil
	default:
		n, err := m.GetNextID(ctx, c)
		if err != nil {
			return nil, err
		}
		return ir.IRInt(n), nil
	}
}

// GetNextID returns the next integer id. Ids are strictly increasing within
// one transaction even before earlier records are written: the first call
// reads the stored maximum and later calls count up from the cached value.
func (m *Model) GetNextID(ctx context.Context, c *engine.Call) (int64, error) {
	return c.Cycle().NextID(ctx, m.cycleKey(), func(ctx context.Context) (int64, error) {
		v, err := m.collection(c).Max(ctx, m.idColumn)
		if err != nil {
			return 0, err
		}
		switch n := v.(type) {
		case ir.IRNull:
			return 0, nil
		case ir.IRInt:
			return int64(n), nil
		default:
			return 0, fmt.Errorf("%s.%s holds non-integer ids", m.name, m.idColumn)
		}
	})
}

// Reduce compares the write with the stored record:
//
//	remove             existing -> Remove, missing -> no-op
//	insert, set        missing  -> InsertOnly
//	update             missing  -> Conflict(not-found)
//	upsert             missing  -> UpsertUpdate
//	insert             existing -> Conflict(already-exists)
//	set, update, upsert existing -> Update with the changed fields, or no-op
func (m *Model) Reduce(ctx context.Context, c *engine.Call, ev ir.Event) (ir.Diff, error) {
	if ev.Type != m.name {
		return nil, nil
	}
	p, err := ir.ParseRecordPayload(ev.Payload)
	if err != nil {
		return nil, err
	}
	if !p.HasID() {
		return nil, errors.New("record payload has no id")
	}

	prev, found, err := m.collection(c).Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}

	if p.Action == ir.ActionRemove {
		if !found {
			return nil, nil
		}
		return ir.Remove{IDs: []ir.IRValue{p.ID}}, nil
	}

	data := p.WithID(m.idColumn, p.ID).Data
	if !found {
		switch p.Action {
		case ir.ActionUpdate:
			return ir.Conflict{Reason: ir.ConflictNotFound}, nil
		case ir.ActionUpsert:
			return ir.UpsertUpdate{Partials: []ir.IRObject{data}}, nil
		default:
			return ir.InsertOnly{Records: []ir.IRObject{withoutNulls(data)}}, nil
		}
	}
	if p.Action == ir.ActionInsert {
		return ir.Conflict{Reason: ir.ConflictAlreadyExists}, nil
	}

	partial := diffRecord(prev, data, m.idColumn, p.Action == ir.ActionSet)
	if partial == nil {
		return nil, nil
	}
	return ir.Update{Partials: []ir.IRObject{partial}}, nil
}

// Apply writes the diff. Inserts skip the existence check Reduce already
// made.
func (m *Model) Apply(ctx context.Context, c *engine.Call, ev ir.Event, d ir.Diff) error {
	coll := m.collection(c)
	switch v := d.(type) {
	case ir.Remove:
		for _, id := range v.IDs {
			if err := coll.Remove(ctx, id); err != nil {
				return err
			}
		}
	case ir.InsertOnly:
		for _, rec := range v.Records {
			if err := coll.Set(ctx, rec, false); err != nil {
				return err
			}
		}
	case ir.Set:
		for _, rec := range v.Records {
			if err := coll.Set(ctx, rec, false); err != nil {
				return err
			}
		}
	case ir.Update:
		for _, partial := range v.Partials {
			if err := coll.Update(ctx, partial); err != nil {
				return err
			}
		}
	case ir.UpsertUpdate:
		for _, partial := range v.Partials {
			if err := coll.Upsert(ctx, partial); err != nil {
				return err
			}
		}
	case ir.Conflict:
		// Nothing to write.
	default:
		return fmt.Errorf("%s: unsupported diff %T", m.name, d)
	}
	return nil
}

// diffRecord returns the fields of next that differ from prev, plus the id,
// or nil when nothing changed. An explicit null removes a field. With
// replace, fields of prev missing from next are removed too.
func diffRecord(prev, next ir.IRObject, idColumn string, replace bool) ir.IRObject {
	out := ir.IRObject{}
	for _, k := range next.SortedKeys() {
		if k == idColumn {
			continue
		}
		v := next[k]
		old, had := prev[k]
		if ir.IsNull(v) {
			if had && !ir.IsNull(old) {
				out[k] = ir.IRNull{}
			}
			continue
		}
		if !had || !ir.Equal(old, v) {
			out[k] = v
		}
	}
	if replace {
		for _, k := range prev.SortedKeys() {
			if k == idColumn {
				continue
			}
			if _, ok := next[k]; !ok && !ir.IsNull(prev[k]) {
				out[k] = ir.IRNull{}
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	out[idColumn] = next[idColumn]
	return out
}

func withoutNulls(rec ir.IRObject) ir.IRObject {
	out := make(ir.IRObject, len(rec))
	for k, v := range rec {
		if !ir.IsNull(v) {
			out[k] = v
		}
	}
	return out
}

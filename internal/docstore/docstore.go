// Package docstore stores model records as JSON documents in SQLite.
//
// Each model owns a collection backed by table doc_<model> with columns
// (id TEXT PRIMARY KEY, doc TEXT). A View binds collections to one handle:
// the engine's write transaction or the read-only pool. Writes through a
// View fail with ErrReadOnly unless the View is currently writable.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/querysql"
	"github.com/roach88/strata/internal/store"
)

var (
	// ErrReadOnly is returned by writes through a view that is not writable.
	ErrReadOnly = errors.New("view is not writable")
	// ErrNotFound is returned when an update targets a missing record.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when an insert-only write hits an existing id.
	ErrDuplicate = errors.New("record already exists")
)

// View binds collections to a single handle.
type View struct {
	q        store.Querier
	writable atomic.Bool
	compiler *querysql.SQLCompiler
}

// NewView returns a view over q. Views start read-only.
func NewView(q store.Querier) *View {
	return &View{q: q, compiler: querysql.NewSQLCompiler()}
}

// SetWritable enables or disables writes through the view.
func (v *View) SetWritable(on bool) { v.writable.Store(on) }

// Writable reports whether writes are currently allowed.
func (v *View) Writable() bool { return v.writable.Load() }

// Collection returns the named collection bound to this view. Records are
// keyed by idColumn, or by "id" when idColumn is empty.
func (v *View) Collection(name, idColumn string) *Collection {
	if idColumn == "" {
		idColumn = querysql.IDField
	}
	return &Collection{name: name, idColumn: idColumn, view: v}
}

// EnsureCollection creates the table for a collection if it doesn't exist.
func EnsureCollection(ctx context.Context, q store.Querier, name string) error {
	if !queryir.ValidIdent(name) {
		return fmt.Errorf("invalid collection name %q", name)
	}
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id  TEXT PRIMARY KEY,
			doc TEXT NOT NULL
		)`, querysql.TableName(name)))
	if err != nil {
		return fmt.Errorf("ensure collection %s: %w", name, err)
	}
	return nil
}

// Collection is one model's records within a view.
type Collection struct {
	name     string
	idColumn string
	view     *View
}

// Name returns the collection name.
func (c *Collection) Name() string { return c.name }

// IDColumn returns the record field holding the id.
func (c *Collection) IDColumn() string { return c.idColumn }

// Get returns the record with the given id. The boolean is false when no
// such record exists.
func (c *Collection) Get(ctx context.Context, id ir.IRValue) (ir.IRObject, bool, error) {
	recs, err := c.query(ctx, queryir.Select{
		Collection: c.name,
		Filter:     queryir.Eq(c.idColumn, id),
		Limit:      1,
	})
	if err != nil {
		return nil, false, err
	}
	if len(recs) == 0 {
		return nil, false, nil
	}
	return recs[0], true, nil
}

// Search returns every record matching filter, ordered by id.
func (c *Collection) Search(ctx context.Context, filter queryir.Predicate) ([]ir.IRObject, error) {
	return c.query(ctx, queryir.Select{Collection: c.name, Filter: filter})
}

// Exists reports whether any record matches filter.
func (c *Collection) Exists(ctx context.Context, filter queryir.Predicate) (bool, error) {
	recs, err := c.query(ctx, queryir.Select{Collection: c.name, Filter: filter, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// Max returns the largest value of column across the collection, or IRNull
// when the collection is empty.
func (c *Collection) Max(ctx context.Context, column string) (ir.IRValue, error) {
	sqlText, params, err := c.view.compiler.Compile(queryir.MaxOf{Collection: c.name, Field: column})
	if err != nil {
		return nil, fmt.Errorf("max %s.%s: %w", c.name, column, err)
	}
	var raw any
	if err := c.view.q.QueryRowContext(ctx, sqlText, params...).Scan(&raw); err != nil {
		return nil, fmt.Errorf("max %s.%s: %w", c.name, column, err)
	}
	switch v := raw.(type) {
	case nil:
		return ir.IRNull{}, nil
	case int64:
		return ir.IRInt(v), nil
	case string:
		return ir.IRString(v), nil
	case []byte:
		return ir.IRString(v), nil
	default:
		return nil, fmt.Errorf("max %s.%s: unsupported value %T", c.name, column, raw)
	}
}

// Set writes a whole record, replacing any previous one. With insertOnly an
// existing record is an ErrDuplicate error instead.
func (c *Collection) Set(ctx context.Context, record ir.IRObject, insertOnly bool) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	key, body, err := encodeRecord(record, c.idColumn)
	if err != nil {
		return fmt.Errorf("set %s: %w", c.name, err)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`, querysql.TableName(c.name))
	if insertOnly {
		stmt = fmt.Sprintf(`INSERT INTO %s (id, doc) VALUES (?, ?)`, querysql.TableName(c.name))
	}
	if _, err := c.view.q.ExecContext(ctx, stmt, key, body); err != nil {
		if insertOnly && store.IsConstraint(err) {
			return fmt.Errorf("set %s %s: %w", c.name, ir.FormatID(record[c.idColumn]), ErrDuplicate)
		}
		return fmt.Errorf("set %s %s: %w", c.name, ir.FormatID(record[c.idColumn]), err)
	}
	return nil
}

// Update merges partial into the existing record: fields present in
// partial replace the stored ones and IRNull removes a field. A missing
// record is ErrNotFound.
func (c *Collection) Update(ctx context.Context, partial ir.IRObject) error {
	return c.merge(ctx, partial, false)
}

// Upsert merges partial into the existing record or, when there is none,
// inserts partial without its null fields.
func (c *Collection) Upsert(ctx context.Context, partial ir.IRObject) error {
	return c.merge(ctx, partial, true)
}

func (c *Collection) merge(ctx context.Context, partial ir.IRObject, upsert bool) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	id, ok := partial[c.idColumn]
	if !ok || ir.IsNull(id) {
		return fmt.Errorf("update %s: partial has no id", c.name)
	}
	prev, found, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		if !upsert {
			return fmt.Errorf("update %s %s: %w", c.name, ir.FormatID(id), ErrNotFound)
		}
		prev = ir.IRObject{}
	}
	return c.Set(ctx, Merge(prev, partial), false)
}

// Remove deletes the record with the given id. Removing a missing record
// is not an error.
func (c *Collection) Remove(ctx context.Context, id ir.IRValue) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	key, err := ir.IDKey(id)
	if err != nil {
		return fmt.Errorf("remove %s: %w", c.name, err)
	}
	_, err = c.view.q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, querysql.TableName(c.name)), key)
	if err != nil {
		return fmt.Errorf("remove %s %s: %w", c.name, ir.FormatID(id), err)
	}
	return nil
}

// Reset deletes every record in the collection. Used by replay.
func (c *Collection) Reset(ctx context.Context) error {
	if err := c.checkWritable(); err != nil {
		return err
	}
	_, err := c.view.q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, querysql.TableName(c.name)))
	if err != nil {
		return fmt.Errorf("reset %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) checkWritable() error {
	if !c.view.Writable() {
		return fmt.Errorf("write %s: %w", c.name, ErrReadOnly)
	}
	return nil
}

func (c *Collection) query(ctx context.Context, q queryir.Select) ([]ir.IRObject, error) {
	sqlText, params, err := c.view.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	rows, err := c.view.q.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	defer rows.Close()

	records := []ir.IRObject{}
	for rows.Next() {
		var id string
		var doc sql.RawBytes
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c.name, err)
		}
		var rec ir.IRObject
		if err := rec.UnmarshalJSON(doc); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", c.name, id, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", c.name, err)
	}
	return records, nil
}

// Merge returns prev with partial applied: fields in partial replace those
// in prev and IRNull removes the field.
func Merge(prev, partial ir.IRObject) ir.IRObject {
	out := prev.Clone()
	if out == nil {
		out = ir.IRObject{}
	}
	for k, v := range partial {
		if ir.IsNull(v) {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func encodeRecord(record ir.IRObject, idColumn string) (string, string, error) {
	id, ok := record[idColumn]
	if !ok || ir.IsNull(id) {
		return "", "", fmt.Errorf("record has no id")
	}
	key, err := ir.IDKey(id)
	if err != nil {
		return "", "", err
	}
	body, err := ir.MarshalCanonical(record)
	if err != nil {
		return "", "", err
	}
	return key, string(body), nil
}

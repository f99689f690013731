// Package record implements record-level models on top of the engine.
//
// A Model owns one collection. Writes go through SetRecord, UpdateRecord
// and RemoveRecord, which dispatch an event of the model's type with the
// positional payload [action, id, data, meta]. The model's hooks turn that
// event into a minimal diff against the stored record and apply it:
//
//	Preprocess  assign a missing id, validate against the schema
//	Reduce      compare with the stored record, produce a Diff or Conflict
//	Apply       write the Diff to the collection
package record

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/querysql"
	"github.com/roach88/strata/internal/store"
)

// IDFunc computes the id of a record written without one.
type IDFunc func(ctx context.Context, c *engine.Call, data ir.IRObject) (ir.IRValue, error)

// Model is a record model: one entity type stored in one collection.
type Model struct {
	name     string
	idColumn string
	idFunc   IDFunc
	idGen    IDGenerator
	noAuto   bool
	schema   *jsonschema.Schema
	logger   *slog.Logger
}

// Option configures a Model.
type Option func(*Model)

// WithIDColumn sets the record field that holds the id. Default "id".
func WithIDColumn(column string) Option {
	return func(m *Model) { m.idColumn = column }
}

// WithIDFunc assigns missing ids with fn instead of the integer sequence.
func WithIDFunc(fn IDFunc) Option {
	return func(m *Model) { m.idFunc = fn }
}

// WithIDGenerator assigns missing ids from gen instead of the integer
// sequence.
func WithIDGenerator(gen IDGenerator) Option {
	return func(m *Model) { m.idGen = gen }
}

// WithoutAutoID requires every write to carry its id.
func WithoutAutoID() Option {
	return func(m *Model) { m.noAuto = true }
}

// WithSchema validates every full record written with insert or set.
func WithSchema(schema *jsonschema.Schema) Option {
	return func(m *Model) { m.schema = schema }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Model) { m.logger = logger }
}

// New creates a record model. The name is both the event type and the
// collection name.
func New(name string, opts ...Option) (*Model, error) {
	if !queryir.ValidIdent(name) {
		return nil, fmt.Errorf("invalid model name %q", name)
	}
	m := &Model{
		name:     name,
		idColumn: querysql.IDField,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if !queryir.ValidIdent(m.idColumn) {
		return nil, fmt.Errorf("model %s: invalid id column %q", name, m.idColumn)
	}
	if m.idFunc != nil && m.idGen != nil {
		return nil, fmt.Errorf("model %s: id function and id generator are exclusive", name)
	}
	return m, nil
}

// Name returns the model name.
func (m *Model) Name() string { return m.name }

// IDColumn returns the record field holding the id.
func (m *Model) IDColumn() string { return m.idColumn }

// Init creates the model's collection.
func (m *Model) Init(ctx context.Context, q store.Querier) error {
	return docstore.EnsureCollection(ctx, q, m.name)
}

// Reset deletes every record before a replay.
func (m *Model) Reset(ctx context.Context, c *engine.Call) error {
	return m.collection(c).Reset(ctx)
}

// Get reads a record from committed state.
func (m *Model) Get(ctx context.Context, r Reader, id ir.IRValue) (ir.IRObject, bool, error) {
	view, err := r.ReadView()
	if err != nil {
		return nil, false, err
	}
	return view.Collection(m.name, m.idColumn).Get(ctx, id)
}

// Search returns the committed records matching filter.
func (m *Model) Search(ctx context.Context, r Reader, filter queryir.Predicate) ([]ir.IRObject, error) {
	view, err := r.ReadView()
	if err != nil {
		return nil, err
	}
	return view.Collection(m.name, m.idColumn).Search(ctx, filter)
}

func (m *Model) collection(c *engine.Call) *docstore.Collection {
	return c.Collection(m.name, m.idColumn)
}

func (m *Model) cycleKey() string {
	return m.name + "." + m.idColumn
}

var (
	_ engine.Initializer  = (*Model)(nil)
	_ engine.Preprocessor = (*Model)(nil)
	_ engine.Reducer      = (*Model)(nil)
	_ engine.Applier      = (*Model)(nil)
	_ engine.Resetter     = (*Model)(nil)
)

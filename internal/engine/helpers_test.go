package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/store"
)

var testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "engine.db"),
		store.WithOrigin("test-origin"),
		store.WithPollInterval(20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrchestrator(t *testing.T, s *store.Store, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithNow(func() time.Time { return testTime }),
		WithRetryBackoff(time.Millisecond),
	}
	o, err := New(context.Background(), store.NewEventStore(s), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

// tally keeps a running total per key in its collection. Events of type
// "add" carry {"key": string, "n": int}; other types are ignored.
type tally struct {
	name      string
	failApply bool
}

func (m *tally) Name() string { return m.name }

func (m *tally) Init(ctx context.Context, q store.Querier) error {
	return docstore.EnsureCollection(ctx, q, m.name)
}

func (m *tally) Reduce(ctx context.Context, c *Call, ev ir.Event) (ir.Diff, error) {
	if ev.Type != "add" {
		return nil, nil
	}
	p, ok := ev.Payload.(ir.IRObject)
	if !ok {
		return nil, fmt.Errorf("payload is not an object")
	}
	key, _ := p["key"].(ir.IRString)
	n, _ := p["n"].(ir.IRInt)
	prev, found, err := c.Collection(m.name, "").Get(ctx, key)
	if err != nil {
		return nil, err
	}
	total := n
	if found {
		total += prev["total"].(ir.IRInt)
	}
	return ir.Set{Records: []ir.IRObject{{"id": key, "total": total}}}, nil
}

func (m *tally) Apply(ctx context.Context, c *Call, ev ir.Event, d ir.Diff) error {
	if m.failApply {
		return fmt.Errorf("disk full")
	}
	set := d.(ir.Set)
	for _, rec := range set.Records {
		if err := c.Collection(m.name, "").Set(ctx, rec, false); err != nil {
			return err
		}
	}
	return nil
}

func (m *tally) Reset(ctx context.Context, c *Call) error {
	return c.Collection(m.name, "").Reset(ctx)
}

func readTotal(t *testing.T, o *Orchestrator, model, key string) (int64, bool) {
	t.Helper()
	view, err := o.ReadView()
	require.NoError(t, err)
	rec, found, err := view.Collection(model, "").Get(context.Background(), ir.IRString(key))
	require.NoError(t, err)
	if !found {
		return 0, false
	}
	return int64(rec["total"].(ir.IRInt)), true
}

func addPayload(key string, n int64) ir.IRObject {
	return ir.IRObject{"key": ir.IRString(key), "n": ir.IRInt(n)}
}

// hooks is a model built from optional hook functions.
type hooks struct {
	name       string
	preprocess func(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error)
	reduce     func(ctx context.Context, c *Call, ev ir.Event) (ir.Diff, error)
	apply      func(ctx context.Context, c *Call, ev ir.Event, d ir.Diff) error
	derive     func(ctx context.Context, c *Call, ev ir.Event, r ir.Result) error
	transact   func(ctx context.Context, c *Call, ev ir.Event, r ir.Result) error
}

func (h *hooks) Name() string { return h.name }

func (h *hooks) Preprocess(ctx context.Context, c *Call, ev ir.Event) (ir.Event, error) {
	if h.preprocess == nil {
		return ev, nil
	}
	return h.preprocess(ctx, c, ev)
}

func (h *hooks) Reduce(ctx context.Context, c *Call, ev ir.Event) (ir.Diff, error) {
	if h.reduce == nil {
		return nil, nil
	}
	return h.reduce(ctx, c, ev)
}

func (h *hooks) Apply(ctx context.Context, c *Call, ev ir.Event, d ir.Diff) error {
	if h.apply == nil {
		return nil
	}
	return h.apply(ctx, c, ev, d)
}

func (h *hooks) Derive(ctx context.Context, c *Call, ev ir.Event, r ir.Result) error {
	if h.derive == nil {
		return nil
	}
	return h.derive(ctx, c, ev, r)
}

func (h *hooks) Transact(ctx context.Context, c *Call, ev ir.Event, r ir.Result) error {
	if h.transact == nil {
		return nil
	}
	return h.transact(ctx, c, ev, r)
}

// trail records strings from concurrent hooks.
type trail struct {
	mu    sync.Mutex
	items []string
}

func (tr *trail) add(s string) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.items = append(tr.items, s)
}

func (tr *trail) get() []string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]string(nil), tr.items...)
}

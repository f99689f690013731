package testutil

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/store"
)

// Origin is the process origin stamped on events appended by test stores.
const Origin = "test-origin"

// OpenStore opens a store on a fresh file under t.TempDir and closes it
// when the test ends. Polling is fast so tests don't wait long.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	base := []store.Option{
		store.WithOrigin(Origin),
		store.WithPollInterval(10 * time.Millisecond),
	}
	s, err := store.Open(filepath.Join(t.TempDir(), "strata.db"), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewOrchestrator creates an orchestrator over s with a frozen clock at
// Epoch and short retry backoff, registers models, and closes it when the
// test ends.
func NewOrchestrator(t testing.TB, s *store.Store, models []engine.Model, opts ...engine.Option) *engine.Orchestrator {
	t.Helper()
	base := []engine.Option{
		engine.WithNow(NewClock(Epoch, 0).Now),
		engine.WithRetryBackoff(time.Millisecond),
	}
	o, err := engine.New(context.Background(), store.NewEventStore(s), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	require.NoError(t, o.Register(context.Background(), models...))
	return o
}

package record

import (
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/strata/internal/ir"
)

// IDGenerator produces ids for records written without one.
type IDGenerator interface {
	Generate() ir.IRValue
}

// UUIDv7Generator generates time-sortable UUIDv7 string ids.
//
// UUIDv7 embeds a timestamp in the most significant bits, so ids sort by
// creation time. Safe for concurrent use.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() ir.IRValue {
	return ir.IRString(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined ids for tests and golden traces.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics once every id has been used: the test wrote more records than it
// declared.
func (g *FixedGenerator) Generate() ir.IRValue {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return ir.IRString(id)
}

package store

import (
	"path/filepath"
	"testing"
	"time"
)

// createTestStore opens a store in a temporary directory.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	opts = append([]Option{WithOrigin("test-origin"), WithPollInterval(50 * time.Millisecond)}, opts...)
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEventStore returns an event log over a fresh store.
func createTestEventStore(t *testing.T, opts ...Option) *EventStore {
	t.Helper()
	return NewEventStore(createTestStore(t, opts...))
}

var testTime = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

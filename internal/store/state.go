package store

import (
	"context"
	"fmt"
)

// ReadAppliedVersion returns the version of the last top-level event whose
// transaction committed.
func ReadAppliedVersion(ctx context.Context, q Querier) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT value FROM engine_state WHERE key = 'applied_version'`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read applied version: %w", err)
	}
	return v, nil
}

// SetAppliedVersion records v as applied. Callers pass the transaction that
// applies the event so the advance commits with the model writes.
func SetAppliedVersion(ctx context.Context, q Querier, v int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO engine_state (key, value) VALUES ('applied_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, v)
	if err != nil {
		return fmt.Errorf("set applied version: %w", err)
	}
	return nil
}

// AppliedVersion reads the committed applied version through the read-only handle.
func (s *Store) AppliedVersion(ctx context.Context) (int64, error) {
	ro, err := s.Reader()
	if err != nil {
		return 0, err
	}
	return ReadAppliedVersion(ctx, ro)
}

// ReadFloor returns the version floor through q.
func ReadFloor(ctx context.Context, q Querier) (int64, error) {
	return readFloor(ctx, q)
}

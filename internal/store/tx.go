package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// Querier is the subset of *sql.DB, *sql.Tx and *sql.Conn used for reads
// and writes. Both handles and Tx satisfy it.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is a write transaction on the read-write handle with savepoint support.
type Tx struct {
	tx   *sql.Tx
	s    *Store
	done bool
}

// BeginWrite starts a write transaction. Only one write transaction is
// open per store at a time; a second caller blocks until the first
// finishes or ctx ends. SQLITE_BUSY from another process is retried with
// randomized backoff.
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	for attempt := 0; ; attempt++ {
		db, err := s.writer()
		if err != nil {
			return nil, err
		}
		select {
		case s.writeSlot <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		tx, err := db.BeginTx(ctx, nil)
		if err == nil {
			s.trackOpen()
			return &Tx{tx: tx, s: s}, nil
		}
		<-s.writeSlot
		if !IsBusy(err) || attempt >= s.opts.busyRetries {
			return nil, fmt.Errorf("begin write: %w", err)
		}
		s.opts.logger.Debug("database busy, retrying begin", "attempt", attempt+1)
		if err := sleepContext(ctx, busyBackoff(attempt)); err != nil {
			return nil, err
		}
	}
}

// WriteTx runs fn inside a write transaction and commits it. The whole
// transaction is retried when it fails with SQLITE_BUSY.
func (s *Store) WriteTx(ctx context.Context, fn func(*Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := s.writeOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if !IsBusy(err) || attempt >= s.opts.busyRetries {
			return err
		}
		s.opts.logger.Debug("database busy, retrying transaction", "attempt", attempt+1)
		if err := sleepContext(ctx, busyBackoff(attempt)); err != nil {
			return err
		}
	}
}

func (s *Store) writeOnce(ctx context.Context, fn func(*Tx) error) error {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) trackOpen() {
	n := s.openTxs.Add(1)
	for {
		peak := s.maxTxs.Load()
		if n <= peak || s.maxTxs.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (t *Tx) finish() {
	if !t.done {
		t.done = true
		t.s.openTxs.Add(-1)
		<-t.s.writeSlot
	}
}

// ExecContext implements Querier.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Savepoint opens a named savepoint.
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+quoteIdent(name)); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes everything since the savepoint and releases it.
// The enclosing transaction stays open.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO "+quoteIdent(name)); err != nil {
		return fmt.Errorf("rollback to %s: %w", name, err)
	}
	return t.Release(ctx, name)
}

// Release folds the savepoint into the enclosing transaction.
func (t *Tx) Release(ctx context.Context, name string) error {
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+quoteIdent(name)); err != nil {
		return fmt.Errorf("release %s: %w", name, err)
	}
	return nil
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	defer t.finish()
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	defer t.finish()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// busyBackoff returns a randomized delay that grows with the attempt number.
func busyBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 5 * time.Millisecond
	return base + rand.N(base)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	mattn "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTx_SavepointRollback(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteTx(ctx, func(tx *Tx) error {
		if err := SetAppliedVersion(ctx, tx, 1); err != nil {
			return err
		}
		if err := tx.Savepoint(ctx, "event"); err != nil {
			return err
		}
		if err := SetAppliedVersion(ctx, tx, 2); err != nil {
			return err
		}
		return tx.RollbackTo(ctx, "event")
	}))

	v, err := s.AppliedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestTx_SavepointRelease(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WriteTx(ctx, func(tx *Tx) error {
		if err := tx.Savepoint(ctx, "event"); err != nil {
			return err
		}
		if err := SetAppliedVersion(ctx, tx, 3); err != nil {
			return err
		}
		return tx.Release(ctx, "event")
	}))

	v, err := s.AppliedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestWriteTx_RollsBackOnError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WriteTx(ctx, func(tx *Tx) error {
		if err := SetAppliedVersion(ctx, tx, 9); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := s.AppliedVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	current, _ := s.OpenWriteTxs()
	assert.Zero(t, current)
}

func TestReader_DoesNotSeeUncommittedWrites(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginWrite(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, SetAppliedVersion(ctx, tx, 5))

	v, err := s.AppliedVersion(ctx)
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, tx.Commit())
	v, err = s.AppliedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
	assert.NoError(t, tx.Rollback(), "rollback after commit is a no-op")
}

func newMockStore(t *testing.T, retries int) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	o := defaultOptions()
	o.busyRetries = retries
	return &Store{path: "mock", opts: o, rw: db, ro: db, writeSlot: make(chan struct{}, 1)}, mock
}

func TestWriteTx_RetriesBusy(t *testing.T) {
	s, mock := newMockStore(t, 3)
	busy := mattn.Error{Code: mattn.ErrBusy}

	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE engine_state").WillReturnError(busy)
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE engine_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WriteTx(context.Background(), func(tx *Tx) error {
		_, err := tx.ExecContext(context.Background(), "UPDATE engine_state SET value = 1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteTx_GivesUpAfterBusyRetries(t *testing.T) {
	s, mock := newMockStore(t, 1)
	busy := mattn.Error{Code: mattn.ErrLocked}

	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin().WillReturnError(busy)
	mock.ExpectBegin().WillReturnError(busy)

	err := s.WriteTx(context.Background(), func(*Tx) error { return nil })
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	assert.True(t, IsTransient(err))
}

func TestWriteTx_DoesNotRetryOtherErrors(t *testing.T) {
	s, mock := newMockStore(t, 3)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT").WillReturnError(mattn.Error{Code: mattn.ErrConstraint})
	mock.ExpectRollback()

	err := s.WriteTx(context.Background(), func(tx *Tx) error {
		_, err := tx.ExecContext(context.Background(), "INSERT INTO events DEFAULT VALUES")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsConstraint(err))
	assert.False(t, IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		busy       bool
		constraint bool
		transient  bool
	}{
		{"nil", nil, false, false, false},
		{"busy", mattn.Error{Code: mattn.ErrBusy}, true, false, true},
		{"wrapped locked", fmt.Errorf("begin: %w", mattn.Error{Code: mattn.ErrLocked}), true, false, true},
		{"constraint", mattn.Error{Code: mattn.ErrConstraint}, false, true, false},
		{"io", mattn.Error{Code: mattn.ErrIoErr}, false, false, true},
		{"closed store", ErrClosed, false, false, true},
		{"conn done", sql.ErrConnDone, false, false, true},
		{"bad conn", driver.ErrBadConn, false, false, true},
		{"db closed", errors.New("sql: database is closed"), false, false, true},
		{"cancelled", context.Canceled, false, false, false},
		{"plain", errors.New("nope"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.busy, IsBusy(tt.err))
			assert.Equal(t, tt.constraint, IsConstraint(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestDSN(t *testing.T) {
	rw, err := dsn(DriverMattn, "/tmp/x.db", false)
	require.NoError(t, err)
	assert.Contains(t, rw, "_txlock=immediate")
	assert.Contains(t, rw, "_journal_mode=WAL")

	ro, err := dsn(DriverMattn, "/tmp/x.db", true)
	require.NoError(t, err)
	assert.Contains(t, ro, "_query_only=1")
	assert.NotContains(t, ro, "_txlock")

	mod, err := dsn(DriverModernc, "/tmp/x.db", false)
	require.NoError(t, err)
	assert.Contains(t, mod, "_pragma=journal_mode%28WAL%29")
}

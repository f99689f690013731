package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"

	mattn "github.com/mattn/go-sqlite3"
	msqlite "modernc.org/sqlite"
	msqlitelib "modernc.org/sqlite/lib"
)

// Supported database/sql driver names.
const (
	DriverMattn   = "sqlite3" // github.com/mattn/go-sqlite3 (cgo)
	DriverModernc = "sqlite"  // modernc.org/sqlite (pure Go)
)

// dsn builds a connection string that applies the required pragmas on every
// new connection. Read-only handles are query_only and leave journal_mode to
// the read-write handle, which persists WAL in the file.
func dsn(driverName, path string, readOnly bool) (string, error) {
	q := url.Values{}
	switch driverName {
	case DriverMattn:
		q.Set("_busy_timeout", "5000")
		if readOnly {
			q.Set("_query_only", "1")
		} else {
			q.Set("_journal_mode", "WAL")
			q.Set("_synchronous", "NORMAL")
			q.Set("_foreign_keys", "on")
			q.Set("_txlock", "immediate")
		}
	case DriverModernc:
		q.Add("_pragma", "busy_timeout(5000)")
		if readOnly {
			q.Add("_pragma", "query_only(1)")
		} else {
			q.Add("_pragma", "journal_mode(WAL)")
			q.Add("_pragma", "synchronous(NORMAL)")
			q.Add("_pragma", "foreign_keys(1)")
			q.Set("_txlock", "immediate")
		}
	default:
		return "", fmt.Errorf("unsupported sqlite driver %q", driverName)
	}
	return "file:" + path + "?" + q.Encode(), nil
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED from either driver.
func IsBusy(err error) bool {
	var me mattn.Error
	if errors.As(err, &me) {
		return me.Code == mattn.ErrBusy || me.Code == mattn.ErrLocked
	}
	var ce *msqlite.Error
	if errors.As(err, &ce) {
		code := ce.Code() & 0xff
		return code == msqlitelib.SQLITE_BUSY || code == msqlitelib.SQLITE_LOCKED
	}
	return false
}

// IsConstraint reports whether err is a constraint violation from either driver.
func IsConstraint(err error) bool {
	var me mattn.Error
	if errors.As(err, &me) {
		return me.Code == mattn.ErrConstraint
	}
	var ce *msqlite.Error
	if errors.As(err, &ce) {
		return ce.Code()&0xff == msqlitelib.SQLITE_CONSTRAINT
	}
	return false
}

// IsClosed reports whether err comes from a closed handle or connection.
func IsClosed(err error) bool {
	return errors.Is(err, ErrClosed) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, driver.ErrBadConn) ||
		(err != nil && err.Error() == "sql: database is closed")
}

// IsIOError reports whether err is an SQLITE_IOERR family error.
func IsIOError(err error) bool {
	var me mattn.Error
	if errors.As(err, &me) {
		return me.Code == mattn.ErrIoErr
	}
	var ce *msqlite.Error
	if errors.As(err, &ce) {
		return ce.Code()&0xff == msqlitelib.SQLITE_IOERR
	}
	return false
}

// IsTransient reports whether retrying the same operation, possibly after
// reopening the handles, can succeed.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsBusy(err) || IsClosed(err) || IsIOError(err)
}

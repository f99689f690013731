package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - events.origin column and the floor counter
const currentSchemaVersion = 1

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Option configures a Store.
type Option func(*options)

type options struct {
	driver       string
	busyRetries  int
	pollInterval time.Duration
	readConns    int
	origin       string
	logger       *slog.Logger
}

func defaultOptions() options {
	return options{
		driver:       DriverMattn,
		busyRetries:  5,
		pollInterval: time.Second,
		readConns:    4,
		logger:       slog.Default(),
	}
}

// WithDriver selects the database/sql driver: DriverMattn (default) or DriverModernc.
func WithDriver(name string) Option {
	return func(o *options) { o.driver = name }
}

// WithBusyRetries bounds how often a busy write transaction is retried.
func WithBusyRetries(n int) Option {
	return func(o *options) { o.busyRetries = n }
}

// WithPollInterval sets how long WaitForNext sleeps before re-checking the
// log for appends made by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithReadConns sets the size of the read-only connection pool.
func WithReadConns(n int) Option {
	return func(o *options) { o.readConns = n }
}

// WithOrigin overrides the process origin id stamped on appended events.
func WithOrigin(id string) Option {
	return func(o *options) { o.origin = id }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Store provides durable storage for strata event logs.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	path string
	opts options

	mu     sync.RWMutex
	rw     *sql.DB
	ro     *sql.DB
	pin    *sql.Conn
	pinMu  sync.Mutex
	closed bool

	// writeSlot holds a token while a write transaction is open.
	writeSlot chan struct{}
	openTxs   atomic.Int64
	maxTxs    atomic.Int64
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The path must name a file: the read-write and read-only handles are
// separate pools and would not share an in-memory database.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.origin == "" {
		o.origin = newOrigin()
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if path == "" || path == ":memory:" {
		return nil, fmt.Errorf("open store: a database file path is required")
	}

	s := &Store{path: path, opts: o, writeSlot: make(chan struct{}, 1)}
	if err := s.connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) connect() error {
	rwDSN, err := dsn(s.opts.driver, s.path, false)
	if err != nil {
		return err
	}
	rw, err := sql.Open(s.opts.driver, rwDSN)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := rw.Ping(); err != nil {
		rw.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	rw.SetMaxOpenConns(1)
	rw.SetMaxIdleConns(1)

	if err := applySchema(rw); err != nil {
		rw.Close()
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	roDSN, err := dsn(s.opts.driver, s.path, true)
	if err != nil {
		rw.Close()
		return err
	}
	ro, err := sql.Open(s.opts.driver, roDSN)
	if err != nil {
		rw.Close()
		return fmt.Errorf("failed to open read-only database: %w", err)
	}
	if err := ro.Ping(); err != nil {
		rw.Close()
		ro.Close()
		return fmt.Errorf("failed to connect read-only database: %w", err)
	}
	ro.SetMaxOpenConns(s.opts.readConns)
	ro.SetMaxIdleConns(s.opts.readConns)

	s.mu.Lock()
	s.rw, s.ro, s.closed = rw, ro, false
	s.mu.Unlock()
	return nil
}

// Close closes both database handles.
// Should be called when the store is no longer needed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.rw == nil {
		s.closed = true
		return nil
	}
	s.closed = true
	return s.closeHandles()
}

// Reopen closes and reopens both handles. Used after storage failures.
func (s *Store) Reopen() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	err := s.closeHandles()
	s.mu.Unlock()
	if err != nil {
		s.opts.logger.Warn("closing handles before reopen", "error", err)
	}
	if err := s.connect(); err != nil {
		return fmt.Errorf("reopen store: %w", err)
	}
	return nil
}

// closeHandles requires s.mu held.
func (s *Store) closeHandles() error {
	s.pinMu.Lock()
	if s.pin != nil {
		s.pin.Close()
		s.pin = nil
	}
	s.pinMu.Unlock()
	return errors.Join(s.rw.Close(), s.ro.Close())
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Driver returns the database/sql driver name in use.
func (s *Store) Driver() string { return s.opts.driver }

// Origin returns the origin id stamped on events appended by this process.
func (s *Store) Origin() string { return s.opts.origin }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.opts.logger }

// Reader returns the read-only handle. It only ever observes committed state.
func (s *Store) Reader() (Querier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ro, nil
}

func (s *Store) writer() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.rw, nil
}

// withPinned runs fn on a read-only connection that stays the same across
// calls, which connection-scoped pragmas such as data_version require.
func (s *Store) withPinned(ctx context.Context, fn func(*sql.Conn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	s.pinMu.Lock()
	defer s.pinMu.Unlock()
	if s.pin == nil {
		conn, err := s.ro.Conn(ctx)
		if err != nil {
			return fmt.Errorf("pin read connection: %w", err)
		}
		s.pin = conn
	}
	if err := fn(s.pin); err != nil {
		s.pin.Close()
		s.pin = nil
		return err
	}
	return nil
}

// OpenWriteTxs reports the number of write transactions open right now and
// the most ever open at once.
func (s *Store) OpenWriteTxs() (current, peak int64) {
	return s.openTxs.Load(), s.maxTxs.Load()
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// migrateToV1 adds the origin column to logs created before it existed and
// moves the version counter past any events they already hold.
// On a fresh database both steps are no-ops.
func migrateToV1(db *sql.DB) error {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('events') WHERE name = 'origin'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE events ADD COLUMN origin TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	_, err = db.Exec(`
		UPDATE counters
		SET value = MAX(value, (SELECT COALESCE(MAX(version), 0) FROM events))
		WHERE name = 'events'
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value on the
// read-write handle. Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	db, err := s.writer()
	if err != nil {
		return err
	}
	var value string
	if err := db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

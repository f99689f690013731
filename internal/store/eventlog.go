package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/strata/internal/ir"
)

var (
	// ErrWaitCancelled is returned by WaitForNext when CancelWait woke it.
	ErrWaitCancelled = errors.New("wait cancelled")
	// ErrEventNotFound is returned by Get for an unknown version.
	ErrEventNotFound = errors.New("event not found")
	// ErrOutcomeRecorded is returned when an event's outcome was already written.
	ErrOutcomeRecorded = errors.New("event outcome already recorded")
)

// wake is a one-shot broadcast. Waiters hold the current wake and block on
// ch; append and cancel close it and install a fresh one.
// wake is one generation of the waiter broadcast. next is set before ch is
// closed, so a woken waiter moves to the following generation without
// missing a broadcast that lands in between.
type wake struct {
	ch        chan struct{}
	cancelled bool
	next      *wake
}

// EventStore is the append-only, strictly ordered event log.
type EventStore struct {
	s     *Store
	chain *opChain

	wakeMu  sync.Mutex
	wake    *wake
	waiting atomic.Int64

	// gen counts local appends and floor changes; part of the MaxVersion cache key.
	gen     atomic.Int64
	cacheMu sync.Mutex
	cache   versionCache
}

type versionCache struct {
	valid       bool
	dataVersion int64
	gen         int64
	value       int64
}

// NewEventStore returns the event log backed by s.
func NewEventStore(s *Store) *EventStore {
	return &EventStore{
		s:     s,
		chain: newOpChain(),
		wake:  &wake{ch: make(chan struct{})},
	}
}

// Store returns the underlying store.
func (es *EventStore) Store() *Store { return es.s }

// Append durably records a new event and returns it with its version.
//
// The payload is stored as canonical JSON and the returned event carries the
// stored form. The version is taken from the events counter in the same
// transaction as the insert, so a version is never assigned twice. Appends
// from this process run strictly one after another in call order.
func (es *EventStore) Append(ctx context.Context, typ string, payload ir.IRValue, ts time.Time) (ir.Event, error) {
	if typ == "" {
		return ir.Event{}, fmt.Errorf("append event: type is required")
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}
	stored, err := ir.UnmarshalIRValue([]byte(body))
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}
	ts = ts.UTC().Truncate(time.Millisecond)

	es.chain.acquire()
	defer es.chain.release()

	var version int64
	err = es.s.WriteTx(ctx, func(tx *Tx) error {
		err := tx.QueryRowContext(ctx,
			`UPDATE counters SET value = value + 1 WHERE name = 'events' RETURNING value`,
		).Scan(&version)
		if err != nil {
			return fmt.Errorf("next version: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (version, type, timestamp, payload, size, origin)
			VALUES (?, ?, ?, ?, ?, ?)
		`, version, typ, ts.UnixMilli(), body, len(body), es.s.Origin())
		if err != nil {
			return fmt.Errorf("insert event %d: %w", version, err)
		}
		return nil
	})
	if err != nil {
		return ir.Event{}, fmt.Errorf("append event: %w", err)
	}

	es.gen.Add(1)
	es.broadcast(false)

	return ir.Event{
		Version:   version,
		Type:      typ,
		Timestamp: ts,
		Payload:   stored,
		Origin:    es.s.Origin(),
	}, nil
}

// MaxVersion returns max(floor, highest persisted version) after every
// append already started by this process has finished.
//
// The value is cached keyed by PRAGMA data_version, which changes whenever
// any connection commits, and the local append generation.
func (es *EventStore) MaxVersion(ctx context.Context) (int64, error) {
	es.chain.drain()

	es.cacheMu.Lock()
	defer es.cacheMu.Unlock()

	gen := es.gen.Load()
	var value int64
	err := es.s.withPinned(ctx, func(conn *sql.Conn) error {
		var dv int64
		if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&dv); err != nil {
			return err
		}
		if es.cache.valid && es.cache.dataVersion == dv && es.cache.gen == gen {
			value = es.cache.value
			return nil
		}
		err := conn.QueryRowContext(ctx, `
			SELECT MAX(
				(SELECT value FROM counters WHERE name = 'floor'),
				COALESCE((SELECT MAX(version) FROM events), 0)
			)
		`).Scan(&value)
		if err != nil {
			return err
		}
		es.cache = versionCache{valid: true, dataVersion: dv, gen: gen, value: value}
		return nil
	})
	if err != nil {
		es.cache.valid = false
		return 0, fmt.Errorf("max version: %w", err)
	}
	return value, nil
}

// WaitForNext returns the earliest event with a version greater than after.
//
// When no such event exists it returns nil at once if noWait is set.
// Otherwise it suspends until a local append, the poll interval (appends by
// other processes are only seen by polling) or CancelWait, and checks again.
// A cancelled wait returns ErrWaitCancelled; a wait that found nothing
// returns nil, nil.
func (es *EventStore) WaitForNext(ctx context.Context, after int64, noWait bool) (*ir.Event, error) {
	w := es.currentWake()
	ev, err := es.nextAfter(ctx, after)
	if err != nil || ev != nil || noWait {
		return ev, err
	}

	es.waiting.Add(1)
	defer es.waiting.Add(-1)

	timer := time.NewTimer(es.s.opts.pollInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.ch:
			if w.cancelled {
				return nil, ErrWaitCancelled
			}
			w = w.next
			ev, err := es.nextAfter(ctx, after)
			if err != nil || ev != nil {
				return ev, err
			}
		case <-timer.C:
			return es.nextAfter(ctx, after)
		}
	}
}

// CancelWait wakes every current WaitForNext call with ErrWaitCancelled.
// Calls that start afterwards are unaffected.
func (es *EventStore) CancelWait() {
	es.broadcast(true)
}

func (es *EventStore) currentWake() *wake {
	es.wakeMu.Lock()
	defer es.wakeMu.Unlock()
	return es.wake
}

func (es *EventStore) broadcast(cancelled bool) {
	es.wakeMu.Lock()
	w := es.wake
	w.next = &wake{ch: make(chan struct{})}
	w.cancelled = cancelled
	es.wake = w.next
	es.wakeMu.Unlock()
	close(w.ch)
}

func (es *EventStore) nextAfter(ctx context.Context, after int64) (*ir.Event, error) {
	ro, err := es.s.Reader()
	if err != nil {
		return nil, err
	}
	row := ro.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE version > ? ORDER BY version ASC LIMIT 1`, after)
	r, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next event after %d: %w", after, err)
	}
	ev, err := r.event()
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// SetFloorVersion raises the version floor to v and moves the counter so the
// next append receives a version greater than v. Lowering is a no-op.
func (es *EventStore) SetFloorVersion(ctx context.Context, v int64) error {
	if v < 0 {
		return fmt.Errorf("set floor version: negative version %d", v)
	}
	es.chain.acquire()
	defer es.chain.release()

	err := es.s.WriteTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE counters SET value = MAX(value, ?) WHERE name IN ('floor', 'events')`, v)
		return err
	})
	if err != nil {
		return fmt.Errorf("set floor version: %w", err)
	}
	es.gen.Add(1)
	return nil
}

// FloorVersion returns the current version floor.
func (es *EventStore) FloorVersion(ctx context.Context) (int64, error) {
	ro, err := es.s.Reader()
	if err != nil {
		return 0, err
	}
	return readFloor(ctx, ro)
}

func readFloor(ctx context.Context, q Querier) (int64, error) {
	var v int64
	if err := q.QueryRowContext(ctx, `SELECT value FROM counters WHERE name = 'floor'`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read floor: %w", err)
	}
	return v, nil
}

// Get returns the committed event at version.
func (es *EventStore) Get(ctx context.Context, version int64) (ir.Event, error) {
	ro, err := es.s.Reader()
	if err != nil {
		return ir.Event{}, err
	}
	return GetEvent(ctx, ro, version)
}

// GetEvent reads one event through q, which may be a write transaction.
func GetEvent(ctx context.Context, q Querier, version int64) (ir.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE version = ?`, version)
	r, err := scanEventRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Event{}, fmt.Errorf("event %d: %w", version, ErrEventNotFound)
	}
	if err != nil {
		return ir.Event{}, fmt.Errorf("get event %d: %w", version, err)
	}
	return r.event()
}

// List returns up to limit committed events with version > after, in
// version order. A limit <= 0 means no limit.
func (es *EventStore) List(ctx context.Context, after int64, limit int) ([]ir.Event, error) {
	ro, err := es.s.Reader()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := ro.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE version > ? ORDER BY version ASC LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		r, err := scanEventRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev, err := r.event()
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

// WriteOutcome records the event's result, error and sub-events. An outcome
// is written at most once; a second write returns ErrOutcomeRecorded.
func (es *EventStore) WriteOutcome(ctx context.Context, q Querier, ev ir.Event) error {
	result, errs, subs, err := marshalOutcome(ev)
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", ev.Version, err)
	}
	if !result.Valid && !errs.Valid {
		return fmt.Errorf("write outcome %d: event has neither result nor error", ev.Version)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE events SET result = ?, error = ?, sub_events = ?
		WHERE version = ? AND result IS NULL AND error IS NULL
	`, result, errs, subs, ev.Version)
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", ev.Version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write outcome %d: %w", ev.Version, err)
	}
	if n == 0 {
		return fmt.Errorf("write outcome %d: %w", ev.Version, ErrOutcomeRecorded)
	}
	return nil
}

// UpdatePayload stores the preprocessed payload of a pending event.
func (es *EventStore) UpdatePayload(ctx context.Context, q Querier, version int64, payload ir.IRValue) error {
	body, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("update payload %d: %w", version, err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE events SET payload = ?, size = ?
		WHERE version = ? AND result IS NULL AND error IS NULL
	`, body, len(body), version)
	if err != nil {
		return fmt.Errorf("update payload %d: %w", version, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payload %d: %w", version, err)
	}
	if n == 0 {
		return fmt.Errorf("update payload %d: %w", version, ErrOutcomeRecorded)
	}
	return nil
}

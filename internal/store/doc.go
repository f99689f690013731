// Package store provides SQLite-backed durable storage for the strata event log.
//
// The store owns two handles onto one database file:
//   - a read-write handle (single connection) that owns every write
//     transaction, so at most one writer exists per process
//   - a read-only handle (query_only pool) that only ever observes
//     committed state, so readers never block on or see in-flight writes
//
// The EventStore is an append-only log with:
//   - Versions: assigned from the "events" counter inside the append
//     transaction, strictly increasing and never reused
//   - Floor: an administratively raised lower bound for versions
//   - Waiting: WaitForNext suspends until a local append, a poll timeout
//     (to surface writes from other processes) or CancelWait
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL: balance durability/performance
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - _txlock=immediate: write transactions take the lock at BEGIN
//
// Two drivers are supported: "sqlite3" (github.com/mattn/go-sqlite3, cgo)
// and "sqlite" (modernc.org/sqlite, pure Go).
package store

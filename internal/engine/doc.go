// Package engine applies logged events to registered models.
//
// The Orchestrator is the single writer for a database. It follows the
// event log in version order and runs every event through a fixed pipeline
// inside one write transaction:
//
//  1. Preprocess: models rewrite the payload (id assignment, validation).
//     The rewritten payload is stored back in the log.
//  2. Reduce: every Reducer computes a Diff concurrently. Writes are
//     disabled; reducers only read.
//  3. Apply: every Applier writes its Diff. For a top-level event the
//     applied version advances in the same transaction.
//  4. Sub-events queued during reduce run depth-first, in emission order.
//  5. Derive: write-enabled follow-up hooks; their sub-events run after
//     all derivers finished.
//  6. Transact: sequential per-model hooks that see the whole result.
//
// A failure in any phase rolls the transaction back to the savepoint taken
// before reduce, records the error on the event, advances the applied
// version and commits. A failed event never leaves partial writes behind.
//
// Storage failures (busy, closed handle, I/O) are different: the event is
// retried from scratch with linear backoff, reopening the store in between.
// Once the retry budget is spent the orchestrator halts and every waiter
// receives ErrHalted.
//
// Hooks receive a *Call. Dispatching through the Call queues a sub-event of
// the event being processed; dispatching through the Orchestrator from
// inside a hook would wait on itself and is rejected.
package engine

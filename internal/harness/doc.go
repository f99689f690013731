// Package harness runs scenario files against record models.
//
// A scenario declares record models, writes to them, and asserts on the
// event log and the final state. Scenarios are YAML files:
//
//	name: user_lifecycle
//	description: "Users are created, renamed and removed"
//	models:
//	  - name: users
//	    inline_schema: { type: object, required: [name] }
//	setup:
//	  - op: set
//	    model: users
//	    record: { name: ada }
//	flow:
//	  - op: update
//	    model: users
//	    record: { id: 1, name: grace }
//	  - op: insert
//	    model: users
//	    record: { id: 1, name: alan }
//	    expect:
//	      outcome: conflict
//	      reason: already-exists
//	assertions:
//	  - type: trace_contains
//	    event: users
//	    action: update
//	  - type: final_state
//	    model: users
//	    where: { id: 1 }
//	    expect: { name: grace }
//
// # Assertion Types
//
//   - trace_contains: an event of a type, record action and data is logged
//   - trace_order: event types first appear in the given order
//   - trace_count: an event type appears exactly N times
//   - final_state: the record matching where holds the expected fields
//   - record_count: a model holds exactly N records
//
// # Deterministic Testing
//
// Every run opens a fresh database file, stamps events from a clock that
// starts at testutil.Epoch and advances one second per event, and hands
// out the scenario's fixed ids for uuid models. The same scenario always
// produces the same trace, which Snapshot renders as canonical JSON for
// golden comparison.
package harness

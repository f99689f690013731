package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strata/internal/engine"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/record"
	"github.com/roach88/strata/internal/testutil"
)

func recordEvent(version int64, depth int, model string, action ir.Action, id ir.IRValue, data ir.IRObject) TraceEvent {
	p := ir.RecordPayload{Action: action, ID: id, Data: data}
	return TraceEvent{Version: version, Depth: depth, Type: model, Payload: p.Value()}
}

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		recordEvent(1, 0, "users", ir.ActionSet, ir.IRInt(1), ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("ada")}),
		{Version: 2, Depth: 0, Type: "signup", Payload: ir.IRObject{"email": ir.IRString("a@b.c")}},
		recordEvent(2, 1, "users", ir.ActionInsert, ir.IRInt(2), ir.IRObject{"id": ir.IRInt(2), "name": ir.IRString("bob")}),
		recordEvent(3, 0, "audit", ir.ActionSet, ir.IRInt(1), ir.IRObject{"id": ir.IRInt(1)}),
	}
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	tests := []struct {
		name      string
		assertion Assertion
		pass      bool
	}{
		{"type only", Assertion{Event: "signup"}, true},
		{"type and action", Assertion{Event: "users", Action: "insert"}, true},
		{"data subset", Assertion{Event: "users", Action: "set", Data: map[string]any{"name": "ada"}}, true},
		{"data on a later event", Assertion{Event: "users", Data: map[string]any{"name": "bob"}}, true},
		{"absent field as null", Assertion{Event: "users", Data: map[string]any{"email": nil}}, true},
		{"wrong action", Assertion{Event: "users", Action: "remove"}, false},
		{"wrong data", Assertion{Event: "users", Data: map[string]any{"name": "carol"}}, false},
		{"action on a non-record event", Assertion{Event: "signup", Action: "set"}, false},
		{"missing type", Assertion{Event: "orders"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if tt.pass {
				assert.NoError(t, err)
				return
			}
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Type)
			assert.Equal(t, "not found in trace", ae.Actual)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Events: []string{"users", "signup", "audit"}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Events: []string{"users", "audit"}}), "intervening events are allowed")

	err := assertTraceOrder(trace, Assertion{Events: []string{"audit", "users"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Contains(t, ae.Actual, "audit (pos 4) should be before users (pos 1)")

	err = assertTraceOrder(trace, Assertion{Events: []string{"users", "orders"}})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "missing event: orders", ae.Actual)
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "users", Count: 2}), "sub-events count")
	assert.NoError(t, assertTraceCount(trace, Assertion{Event: "orders", Count: 0}))

	err := assertTraceCount(trace, Assertion{Event: "users", Count: 3})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "3 occurrences of users", ae.Expected)
	assert.Equal(t, "2 occurrences", ae.Actual)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceCount,
		Expected: "2 occurrences of users",
		Actual:   "1 occurrences",
		Trace:    sampleTrace()[:3],
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_count")
	assert.Contains(t, msg, "Expected: 2 occurrences of users")
	assert.Contains(t, msg, "Actual: 1 occurrences")
	assert.Contains(t, msg, `  v1 users ["set",1,{"id":1,"name":"ada"},null]`)
	assert.Contains(t, msg, `    v2 users ["insert",2,`, "sub-events are indented")
}

func TestMatchSubset(t *testing.T) {
	rec := ir.IRObject{"id": ir.IRInt(1), "name": ir.IRString("ada"), "tags": ir.IRArray{ir.IRString("x")}}

	assert.Empty(t, matchSubset(rec, map[string]any{"name": "ada"}))
	assert.Empty(t, matchSubset(rec, map[string]any{"tags": []any{"x"}}))
	assert.Empty(t, matchSubset(rec, map[string]any{"age": nil}))
	assert.Empty(t, matchSubset(rec, nil))

	assert.Equal(t, `field "name" = "ada", want "grace"`, matchSubset(rec, map[string]any{"name": "grace"}))
	assert.Equal(t, `field "age" missing, want 3`, matchSubset(rec, map[string]any{"age": 3}))
	assert.Equal(t, `field "name" = "ada", want absent`, matchSubset(rec, map[string]any{"name": nil}))
	assert.Equal(t, "no record", matchSubset(nil, map[string]any{"name": "ada"}))
	assert.Contains(t, matchSubset(rec, map[string]any{"score": 1.5}), "floats are forbidden")
}

func TestEvaluateAssertions_State(t *testing.T) {
	users, err := record.New("users")
	require.NoError(t, err)
	o := testutil.NewOrchestrator(t, testutil.OpenStore(t), []engine.Model{users})
	ctx := context.Background()

	for _, name := range []string{"ada", "ada", "grace"} {
		_, err := users.SetRecord(ctx, o, ir.IRObject{"name": ir.IRString(name)})
		require.NoError(t, err)
	}
	models := map[string]*record.Model{"users": users}

	errs := EvaluateAssertions(ctx, o, models, nil, []Assertion{
		{Type: AssertFinalState, Model: "users", Where: map[string]any{"id": 3}, Expect: map[string]any{"name": "grace"}},
		{Type: AssertFinalState, Model: "users", Where: map[string]any{"name": "grace"}, Expect: map[string]any{"id": 3}},
		{Type: AssertRecordCount, Model: "users", Count: 3},
	})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(ctx, o, models, nil, []Assertion{
		{Type: AssertFinalState, Model: "users", Where: map[string]any{"id": 9}, Expect: map[string]any{}},
		{Type: AssertFinalState, Model: "users", Where: map[string]any{"name": "ada"}, Expect: map[string]any{}},
		{Type: AssertFinalState, Model: "users", Where: map[string]any{"id": 1}, Expect: map[string]any{"name": "bob"}},
		{Type: AssertRecordCount, Model: "users", Count: 1},
		{Type: AssertRecordCount, Model: "orders"},
		{Type: "eventually"},
	})
	require.Len(t, errs, 6)
	assert.Contains(t, errs[0], "record not found")
	assert.Contains(t, errs[1], "2 records matched")
	assert.Contains(t, errs[2], `field "name" = "ada", want "bob"`)
	assert.Contains(t, errs[3], "3 records")
	assert.Contains(t, errs[4], `unknown model "orders"`)
	assert.Contains(t, errs[5], `unknown assertion type "eventually"`)
}

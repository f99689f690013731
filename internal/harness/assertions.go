package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
	"github.com/roach88/strata/internal/record"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  %sv%d %s %s\n",
				strings.Repeat("  ", event.Depth), event.Version, event.Type, formatValue(event.Payload))
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an event of the given
// type, record action and data (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type != assertion.Event {
			continue
		}
		if assertion.Action != "" && string(event.Action()) != assertion.Action {
			continue
		}
		if assertion.Data != nil && matchSubset(event.Data(), assertion.Data) != "" {
			continue
		}
		return nil
	}

	expected := "event " + assertion.Event
	if assertion.Action != "" {
		expected += " with action " + assertion.Action
	}
	if assertion.Data != nil {
		expected += fmt.Sprintf(" with data %v", assertion.Data)
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: expected,
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if event types first appear in the specified
// order. Events don't need to be consecutive.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	positions := make(map[string]int)
	for i, event := range trace {
		if _, seen := positions[event.Type]; !seen {
			positions[event.Type] = i + 1 // 1-indexed for readability
		}
	}

	for _, typ := range assertion.Events {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all events present: %v", assertion.Events),
				Actual:   fmt.Sprintf("missing event: %s", typ),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(assertion.Events); i++ {
		prev := assertion.Events[i-1]
		curr := assertion.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("events in order: %v", assertion.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Trace: trace,
			}
		}
	}
	return nil
}

// assertTraceCount checks if the event type appears exactly Count times,
// sub-events included.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == assertion.Event {
			count++
		}
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Event),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks that exactly one record of the model matches
// Where and that it holds the Expect fields.
func assertFinalState(ctx context.Context, r record.Reader, m *record.Model, assertion Assertion) error {
	where, err := toObject(assertion.Where)
	if err != nil {
		return fmt.Errorf("final_state where: %w", err)
	}
	recs, err := m.Search(ctx, r, queryir.Match(where))
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", m.Name()),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	switch len(recs) {
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("record in %s where %s", m.Name(), formatValue(where)),
			Actual:   "record not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one record in %s where %s", m.Name(), formatValue(where)),
			Actual:   fmt.Sprintf("%d records matched (assertion is ambiguous)", len(recs)),
		}
	}

	if msg := matchSubset(recs[0], assertion.Expect); msg != "" {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s record %s", m.Name(), formatValue(where)),
			Actual:   msg,
		}
	}
	return nil
}

// assertRecordCount checks the number of records the model holds.
func assertRecordCount(ctx context.Context, r record.Reader, m *record.Model, assertion Assertion) error {
	recs, err := m.Search(ctx, r, nil)
	if err != nil {
		return fmt.Errorf("record_count %s: %w", m.Name(), err)
	}
	if len(recs) != assertion.Count {
		return &AssertionError{
			Type:     AssertRecordCount,
			Expected: fmt.Sprintf("%d records in %s", assertion.Count, m.Name()),
			Actual:   fmt.Sprintf("%d records", len(recs)),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the trace and the
// committed state read through r.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, r record.Reader, models map[string]*record.Model, trace []TraceEvent, assertions []Assertion) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(trace, assertion)
		case AssertFinalState, AssertRecordCount:
			m, ok := models[assertion.Model]
			switch {
			case !ok:
				err = fmt.Errorf("assertion[%d]: unknown model %q", i, assertion.Model)
			case assertion.Type == AssertFinalState:
				err = assertFinalState(ctx, r, m, assertion)
			default:
				err = assertRecordCount(ctx, r, m, assertion)
			}
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// matchSubset checks that actual holds every expected field. An expected
// null matches a missing field. Returns "" on a match, otherwise a
// description of the first mismatch in key order.
func matchSubset(actual ir.IRObject, expected map[string]any) string {
	want, err := toObject(expected)
	if err != nil {
		return err.Error()
	}
	if actual == nil && len(want) > 0 {
		return "no record"
	}
	for _, k := range want.SortedKeys() {
		got, ok := actual[k]
		if ir.IsNull(want[k]) {
			if ok && !ir.IsNull(got) {
				return fmt.Sprintf("field %q = %s, want absent", k, formatValue(got))
			}
			continue
		}
		if !ok {
			return fmt.Sprintf("field %q missing, want %s", k, formatValue(want[k]))
		}
		if !ir.Equal(got, want[k]) {
			return fmt.Sprintf("field %q = %s, want %s", k, formatValue(got), formatValue(want[k]))
		}
	}
	return ""
}

// toObject converts decoded YAML into an IRObject.
func toObject(m map[string]any) (ir.IRObject, error) {
	if m == nil {
		return ir.IRObject{}, nil
	}
	v, err := ir.FromAny(m)
	if err != nil {
		return nil, err
	}
	return v.(ir.IRObject), nil
}

func formatValue(v ir.IRValue) string {
	b, err := ir.MarshalIRValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

package harness

import (
	"github.com/roach88/strata/internal/ir"
)

// TraceEvent is one event of the log, flattened in depth-first order so
// sub-events follow their parent.
type TraceEvent struct {
	Version int64             `json:"version"`
	Depth   int               `json:"depth"`
	Type    string            `json:"type"`
	Payload ir.IRValue        `json:"payload"`
	Result  ir.Result         `json:"result,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// Action returns the record action of the event, or "" when the payload is
// not a record payload.
func (e TraceEvent) Action() ir.Action {
	p, err := ir.ParseRecordPayload(e.Payload)
	if err != nil {
		return ""
	}
	return p.Action
}

// Data returns the record data of the event, or nil.
func (e TraceEvent) Data() ir.IRObject {
	p, err := ir.ParseRecordPayload(e.Payload)
	if err != nil {
		return nil
	}
	return p.Data
}

// flattenTrace turns logged events into trace events.
func flattenTrace(events []ir.Event) []TraceEvent {
	trace := []TraceEvent{}
	for _, ev := range events {
		version := ev.Version
		ev.Walk(func(depth int, e ir.Event) {
			trace = append(trace, TraceEvent{
				Version: version,
				Depth:   depth,
				Type:    e.Type,
				Payload: e.Payload,
				Result:  e.Result,
				Errors:  e.Error,
			})
		})
	}
	return trace
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every logged event in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// State contains the final records of every model, sorted by id.
	State map[string][]ir.IRObject `json:"state,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
		State:  make(map[string][]ir.IRObject),
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

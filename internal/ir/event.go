package ir

import (
	"encoding/json"
	"fmt"
	"maps"
	"sort"
	"time"
)

// Event is a versioned fact in the log.
//
// Sub-events share the parent's Version and are nested in emission order.
// Result and Error are written at most once, after the pipeline finishes.
// Events are values: the With* helpers return modified copies.
type Event struct {
	Version   int64
	Type      string
	Timestamp time.Time
	Payload   IRValue
	Result    Result
	Error     map[string]string
	SubEvents []Event
	Origin    string
}

// Failed reports whether any phase recorded an error.
func (e Event) Failed() bool {
	return len(e.Error) > 0
}

// Done reports whether the pipeline has recorded an outcome.
func (e Event) Done() bool {
	return e.Result != nil || e.Failed()
}

// WithPayload returns a copy with the payload replaced.
func (e Event) WithPayload(p IRValue) Event {
	e.Payload = p
	return e
}

// WithResult returns a copy with model's diff recorded.
func (e Event) WithResult(model string, d Diff) Event {
	next := make(Result, len(e.Result)+1)
	maps.Copy(next, e.Result)
	next[model] = d
	e.Result = next
	return e
}

// WithEmptyResult returns a copy whose Result is non-nil, marking a clean
// application even when no model produced a diff.
func (e Event) WithEmptyResult() Event {
	if e.Result == nil {
		e.Result = Result{}
	}
	return e
}

// WithError returns a copy with an error recorded under the phase tag.
func (e Event) WithError(tag, msg string) Event {
	next := make(map[string]string, len(e.Error)+1)
	maps.Copy(next, e.Error)
	next[tag] = msg
	e.Error = next
	return e
}

// WithSubEvents returns a copy with subs appended after existing sub-events.
func (e Event) WithSubEvents(subs ...Event) Event {
	next := make([]Event, 0, len(e.SubEvents)+len(subs))
	next = append(next, e.SubEvents...)
	next = append(next, subs...)
	e.SubEvents = next
	return e
}

// ErrorTags returns the recorded phase tags in sorted order.
func (e Event) ErrorTags() []string {
	tags := make([]string, 0, len(e.Error))
	for tag := range e.Error {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Walk visits e and every nested sub-event depth-first, parents first.
func (e Event) Walk(fn func(depth int, ev Event)) {
	e.walk(0, fn)
}

func (e Event) walk(depth int, fn func(int, Event)) {
	fn(depth, e)
	for _, sub := range e.SubEvents {
		sub.walk(depth+1, fn)
	}
}

type eventJSON struct {
	Version   int64             `json:"version"`
	Type      string            `json:"type"`
	Timestamp string            `json:"timestamp"`
	Payload   json.RawMessage   `json:"payload"`
	Result    *Result           `json:"result,omitempty"`
	Error     map[string]string `json:"error,omitempty"`
	SubEvents []Event           `json:"sub_events,omitempty"`
	Origin    string            `json:"origin,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	payload, err := MarshalIRValue(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event %d payload: %w", e.Version, err)
	}
	out := eventJSON{
		Version:   e.Version,
		Type:      e.Type,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		Error:     e.Error,
		SubEvents: e.SubEvents,
		Origin:    e.Origin,
	}
	if e.Result != nil {
		r := e.Result
		out.Result = &r
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, in.Timestamp)
	if err != nil {
		return fmt.Errorf("event timestamp: %w", err)
	}
	var payload IRValue = IRNull{}
	if len(in.Payload) > 0 {
		payload, err = UnmarshalIRValue(in.Payload)
		if err != nil {
			return fmt.Errorf("event payload: %w", err)
		}
	}
	*e = Event{
		Version:   in.Version,
		Type:      in.Type,
		Timestamp: ts,
		Payload:   payload,
		Error:     in.Error,
		SubEvents: in.SubEvents,
		Origin:    in.Origin,
	}
	if in.Result != nil {
		e.Result = *in.Result
	}
	return nil
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/roach88/strata/internal/ir"
)

// marshalPayload converts a payload to canonical JSON TEXT for storage.
// Uses RFC 8785 canonical JSON for deterministic serialization.
func marshalPayload(v ir.IRValue) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(data), nil
}

// marshalCanonicalJSON encodes v with encoding/json and then canonicalizes
// the result, so equal outcomes always store byte-identical TEXT.
func marshalCanonicalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	out, err := jcs.Transform(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// marshalOutcome encodes the result, error and sub-event columns.
// A nil result or error map is stored as NULL.
func marshalOutcome(ev ir.Event) (result, errs, subs sql.NullString, err error) {
	if ev.Result != nil {
		s, err := marshalCanonicalJSON(ev.Result)
		if err != nil {
			return result, errs, subs, fmt.Errorf("marshal result: %w", err)
		}
		result = sql.NullString{String: s, Valid: true}
	}
	if len(ev.Error) > 0 {
		s, err := marshalCanonicalJSON(ev.Error)
		if err != nil {
			return result, errs, subs, fmt.Errorf("marshal error: %w", err)
		}
		errs = sql.NullString{String: s, Valid: true}
	}
	if len(ev.SubEvents) > 0 {
		data, err := json.Marshal(ev.SubEvents)
		if err != nil {
			return result, errs, subs, fmt.Errorf("marshal sub-events: %w", err)
		}
		subs = sql.NullString{String: string(data), Valid: true}
	}
	return result, errs, subs, nil
}

// eventRow mirrors one row of the events table.
type eventRow struct {
	version   int64
	typ       string
	timestamp int64
	payload   string
	result    sql.NullString
	errs      sql.NullString
	subs      sql.NullString
	origin    string
}

const eventColumns = `version, type, timestamp, payload, result, error, sub_events, origin`

type scanner interface {
	Scan(dest ...any) error
}

func scanEventRow(sc scanner) (eventRow, error) {
	var r eventRow
	err := sc.Scan(&r.version, &r.typ, &r.timestamp, &r.payload, &r.result, &r.errs, &r.subs, &r.origin)
	return r, err
}

// event decodes the stored columns. Integers survive beyond 2^53 because
// ir decodes numbers with json.Number.
func (r eventRow) event() (ir.Event, error) {
	payload, err := ir.UnmarshalIRValue([]byte(r.payload))
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %d payload: %w", r.version, err)
	}
	ev := ir.Event{
		Version:   r.version,
		Type:      r.typ,
		Timestamp: time.UnixMilli(r.timestamp).UTC(),
		Payload:   payload,
		Origin:    r.origin,
	}
	if r.result.Valid {
		var res ir.Result
		if err := json.Unmarshal([]byte(r.result.String), &res); err != nil {
			return ir.Event{}, fmt.Errorf("event %d result: %w", r.version, err)
		}
		ev.Result = res
	}
	if r.errs.Valid {
		if err := json.Unmarshal([]byte(r.errs.String), &ev.Error); err != nil {
			return ir.Event{}, fmt.Errorf("event %d error: %w", r.version, err)
		}
	}
	if r.subs.Valid {
		if err := json.Unmarshal([]byte(r.subs.String), &ev.SubEvents); err != nil {
			return ir.Event{}, fmt.Errorf("event %d sub-events: %w", r.version, err)
		}
	}
	return ev, nil
}

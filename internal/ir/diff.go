package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// DiffKind identifies a Diff variant on the wire.
type DiffKind string

const (
	KindRemove       DiffKind = "remove"
	KindInsertOnly   DiffKind = "insert_only"
	KindSet          DiffKind = "set"
	KindUpdate       DiffKind = "update"
	KindUpsertUpdate DiffKind = "upsert_update"
	KindConflict     DiffKind = "conflict"
)

// ConflictReason is the business rule a Conflict diff reports.
type ConflictReason string

const (
	ConflictAlreadyExists ConflictReason = "already-exists"
	ConflictNotFound      ConflictReason = "not-found"
)

// Diff describes the storage change a model computed for one event.
//
// Diff is a closed union: only the six variants below implement it, and
// decoding rejects unknown kinds and unknown fields.
type Diff interface {
	Kind() DiffKind
	sealedDiff()
}

// Remove deletes records by id.
type Remove struct {
	IDs []IRValue
}

// InsertOnly inserts records that were verified absent.
type InsertOnly struct {
	Records []IRObject
}

// Set replaces whole records.
type Set struct {
	Records []IRObject
}

// Update merges partial records into existing ones. Each partial carries the id.
type Update struct {
	Partials []IRObject
}

// UpsertUpdate merges partial records, inserting them when absent.
type UpsertUpdate struct {
	Partials []IRObject
}

// Conflict is a business-rule rejection. It is a normal outcome, not a failure.
type Conflict struct {
	Reason ConflictReason
}

func (Remove) Kind() DiffKind       { return KindRemove }
func (InsertOnly) Kind() DiffKind   { return KindInsertOnly }
func (Set) Kind() DiffKind          { return KindSet }
func (Update) Kind() DiffKind       { return KindUpdate }
func (UpsertUpdate) Kind() DiffKind { return KindUpsertUpdate }
func (Conflict) Kind() DiffKind     { return KindConflict }

func (Remove) sealedDiff()       {}
func (InsertOnly) sealedDiff()   {}
func (Set) sealedDiff()          {}
func (Update) sealedDiff()       {}
func (UpsertUpdate) sealedDiff() {}
func (Conflict) sealedDiff()     {}

// IsEmpty reports whether applying d would change nothing.
// Conflict is never empty: it is recorded as the model's result.
func IsEmpty(d Diff) bool {
	switch v := d.(type) {
	case nil:
		return true
	case Remove:
		return len(v.IDs) == 0
	case InsertOnly:
		return len(v.Records) == 0
	case Set:
		return len(v.Records) == 0
	case Update:
		return len(v.Partials) == 0
	case UpsertUpdate:
		return len(v.Partials) == 0
	default:
		return false
	}
}

// wire field for each kind; conflict uses "reason".
var diffFields = map[DiffKind]string{
	KindRemove:       "ids",
	KindInsertOnly:   "records",
	KindSet:          "records",
	KindUpdate:       "partials",
	KindUpsertUpdate: "partials",
	KindConflict:     "reason",
}

// MarshalDiff encodes a diff as {"kind": ..., <field>: ...}.
func MarshalDiff(d Diff) ([]byte, error) {
	var body any
	switch v := d.(type) {
	case Remove:
		body = IRArray(v.IDs)
	case InsertOnly:
		body = objectsToArray(v.Records)
	case Set:
		body = objectsToArray(v.Records)
	case Update:
		body = objectsToArray(v.Partials)
	case UpsertUpdate:
		body = objectsToArray(v.Partials)
	case Conflict:
		body = string(v.Reason)
	default:
		return nil, fmt.Errorf("unknown diff type: %T", d)
	}

	field := diffFields[d.Kind()]
	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal diff %s: %w", d.Kind(), err)
	}
	kindJSON, _ := json.Marshal(string(d.Kind()))

	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	buf.Write(kindJSON)
	buf.WriteString(`,"` + field + `":`)
	buf.Write(bodyJSON)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalDiff decodes a diff, rejecting unknown kinds and extra fields.
func UnmarshalDiff(data []byte) (Diff, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal diff: %w", err)
	}

	var kind DiffKind
	if err := json.Unmarshal(raw["kind"], &kind); err != nil {
		return nil, fmt.Errorf("unmarshal diff kind: %w", err)
	}
	field, ok := diffFields[kind]
	if !ok {
		return nil, fmt.Errorf("unknown diff kind %q", kind)
	}
	for k := range raw {
		if k != "kind" && k != field {
			return nil, fmt.Errorf("diff %s: unknown field %q", kind, k)
		}
	}
	body, ok := raw[field]
	if !ok {
		return nil, fmt.Errorf("diff %s: missing field %q", kind, field)
	}

	if kind == KindConflict {
		var reason string
		if err := json.Unmarshal(body, &reason); err != nil {
			return nil, fmt.Errorf("diff conflict reason: %w", err)
		}
		return Conflict{Reason: ConflictReason(reason)}, nil
	}

	var arr IRArray
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("diff %s: %w", kind, err)
	}
	if kind == KindRemove {
		return Remove{IDs: []IRValue(arr)}, nil
	}
	objs, err := arrayToObjects(arr)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", kind, err)
	}
	switch kind {
	case KindInsertOnly:
		return InsertOnly{Records: objs}, nil
	case KindSet:
		return Set{Records: objs}, nil
	case KindUpdate:
		return Update{Partials: objs}, nil
	default:
		return UpsertUpdate{Partials: objs}, nil
	}
}

func objectsToArray(objs []IRObject) IRArray {
	arr := make(IRArray, len(objs))
	for i, o := range objs {
		arr[i] = o
	}
	return arr
}

func arrayToObjects(arr IRArray) ([]IRObject, error) {
	objs := make([]IRObject, len(arr))
	for i, elem := range arr {
		o, ok := elem.(IRObject)
		if !ok {
			return nil, fmt.Errorf("element %d is %T, want object", i, elem)
		}
		objs[i] = o
	}
	return objs, nil
}

// Result maps model name to the diff that model produced for an event.
type Result map[string]Diff

// Models returns the model names in sorted order.
func (r Result) Models() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MarshalJSON implements json.Marshaler with sorted model names.
func (r Result) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.Models() {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, _ := json.Marshal(name)
		buf.Write(key)
		buf.WriteByte(':')
		d, err := MarshalDiff(r[name])
		if err != nil {
			return nil, fmt.Errorf("result %q: %w", name, err)
		}
		buf.Write(d)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Result) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Result, len(raw))
	for name, body := range raw {
		d, err := UnmarshalDiff(body)
		if err != nil {
			return fmt.Errorf("result %q: %w", name, err)
		}
		out[name] = d
	}
	*r = out
	return nil
}

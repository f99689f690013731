package ir

import "fmt"

// Action is the CRUD verb carried by a record event payload.
type Action string

const (
	ActionRemove Action = "remove"
	ActionInsert Action = "insert"
	ActionSet    Action = "set"
	ActionUpdate Action = "update"
	ActionUpsert Action = "upsert"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRemove, ActionInsert, ActionSet, ActionUpdate, ActionUpsert:
		return true
	}
	return false
}

// RecordPayload is the payload of a record event: [action, id, data, meta].
type RecordPayload struct {
	Action Action
	ID     IRValue  // nil or IRNull when not yet assigned
	Data   IRObject // nil for remove
	Meta   IRObject // optional caller metadata
}

// HasID reports whether an id has been assigned.
func (p RecordPayload) HasID() bool {
	return !IsNull(p.ID)
}

// WithID returns a copy with the id set on the payload and inside Data.
func (p RecordPayload) WithID(column string, id IRValue) RecordPayload {
	p.ID = id
	if p.Data != nil {
		data := p.Data.Clone()
		data[column] = id
		p.Data = data
	}
	return p
}

// Value encodes the payload as the positional array stored in the log.
func (p RecordPayload) Value() IRArray {
	arr := IRArray{IRString(p.Action), IRNull{}, IRNull{}, IRNull{}}
	if p.HasID() {
		arr[1] = p.ID
	}
	if p.Data != nil {
		arr[2] = p.Data
	}
	if p.Meta != nil {
		arr[3] = p.Meta
	}
	return arr
}

// ParseRecordPayload decodes a positional record payload.
func ParseRecordPayload(v IRValue) (RecordPayload, error) {
	arr, ok := v.(IRArray)
	if !ok {
		return RecordPayload{}, fmt.Errorf("record payload is %T, want array", v)
	}
	if len(arr) < 2 || len(arr) > 4 {
		return RecordPayload{}, fmt.Errorf("record payload has %d elements, want 2-4", len(arr))
	}

	action, ok := arr[0].(IRString)
	if !ok || !Action(action).Valid() {
		return RecordPayload{}, fmt.Errorf("record payload: invalid action %v", arr[0])
	}
	p := RecordPayload{Action: Action(action)}
	if !IsNull(arr[1]) {
		p.ID = arr[1]
	}
	if len(arr) > 2 && !IsNull(arr[2]) {
		data, ok := arr[2].(IRObject)
		if !ok {
			return RecordPayload{}, fmt.Errorf("record payload: data is %T, want object", arr[2])
		}
		p.Data = data
	}
	if len(arr) > 3 && !IsNull(arr[3]) {
		meta, ok := arr[3].(IRObject)
		if !ok {
			return RecordPayload{}, fmt.Errorf("record payload: meta is %T, want object", arr[3])
		}
		p.Meta = meta
	}
	if p.Action != ActionRemove && p.Data == nil {
		return RecordPayload{}, fmt.Errorf("record payload: %s requires data", p.Action)
	}
	if p.Action == ActionRemove && !p.HasID() {
		return RecordPayload{}, fmt.Errorf("record payload: remove requires an id")
	}
	return p, nil
}

// IDKey renders an id as the primary key of its record. Keys are tagged
// by type so IRInt(1) and IRString("1") stay distinct. Ints are written as
// offset, zero-padded decimals so that keys sort in numeric order, and all
// ints sort before all strings.
func IDKey(id IRValue) (string, error) {
	switch v := id.(type) {
	case IRString:
		return "s:" + string(v), nil
	case IRInt:
		return fmt.Sprintf("i:%020d", uint64(v)^(1<<63)), nil
	default:
		return "", fmt.Errorf("record id must be string or int, got %T", id)
	}
}

// FormatID renders an id for messages: ints in decimal, strings as they are.
func FormatID(id IRValue) string {
	switch v := id.(type) {
	case IRString:
		return string(v)
	case IRInt:
		return fmt.Sprintf("%d", int64(v))
	default:
		return fmt.Sprintf("%v", id)
	}
}

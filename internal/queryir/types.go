package queryir

import "github.com/roach88/strata/internal/ir"

// Query represents an abstract lookup against one collection.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode() // Marker method - seals interface to this package
}

// Predicate represents a filter condition on record fields.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode() // Marker method - seals interface to this package
}

// Select returns the records of a collection that match Filter.
//
// Semantics:
//
//	SELECT id, doc FROM <collection> WHERE <filter> ORDER BY id LIMIT <limit>
//
// A nil Filter matches every record. Limit <= 0 means no limit.
type Select struct {
	Collection string
	Filter     Predicate
	Limit      int
}

func (Select) queryNode() {}

// MaxOf returns the largest value of Field across a collection, or null
// when the collection is empty.
type MaxOf struct {
	Collection string
	Field      string
}

func (MaxOf) queryNode() {}

// Equals represents a field-equals-literal predicate.
//
// Semantics:
//
//	<field> = <value>
//
// Comparing with IRNull is the same as IsNull. Arrays and objects cannot be
// compared.
type Equals struct {
	Field string     // Top-level record field
	Value ir.IRValue // Literal value (constrained to IRValue types)
}

func (Equals) predicateNode() {}

// IsNull matches records where Field is absent or an explicit null.
type IsNull struct {
	Field string
}

func (IsNull) predicateNode() {}

// And represents a conjunction of predicates (all must be true).
// An empty And matches every record.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Eq is shorthand for Equals{Field: field, Value: value}.
func Eq(field string, value ir.IRValue) Predicate {
	return Equals{Field: field, Value: value}
}

// All is shorthand for And{Predicates: preds}.
func All(preds ...Predicate) Predicate {
	return And{Predicates: preds}
}

// Match builds a conjunction of Equals predicates from an object, one per
// key in canonical key order.
func Match(obj ir.IRObject) Predicate {
	preds := make([]Predicate, 0, len(obj))
	for _, k := range obj.SortedKeys() {
		preds = append(preds, Equals{Field: k, Value: obj[k]})
	}
	return And{Predicates: preds}
}

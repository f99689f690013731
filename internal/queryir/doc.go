// Package queryir provides the filter intermediate representation (IR) used
// to look up records in a document collection.
//
// ARCHITECTURE:
//
// Models describe the records they need as a Query; a backend compiles the
// Query for its storage:
//
//	[model code] → [Query IR] → [SQL Backend over JSON documents]
//
// SUPPORTED FRAGMENT:
//
//   - Select(collection, filter, limit) - records matching a filter
//   - MaxOf(collection, field) - the largest value of one field
//   - Predicates: Equals, IsNull, And
//
// The fragment EXCLUDES:
//   - OR predicates (issue two queries)
//   - Range comparisons (not needed by record reducers)
//   - Joins (collections are independent)
//
// SEALED INTERFACES:
//
// Query and Predicate are sealed interfaces using the marker method pattern.
// Only types in this package can implement them, so backends can switch
// exhaustively:
//
//	switch q := query.(type) {
//	case Select:
//	    // Handle select
//	case MaxOf:
//	    // Handle max
//	}
//
// All literal values in predicates use ir.IRValue types (no floats).
package queryir

// Package querysql compiles queryir queries into parameterized SQLite over
// JSON document tables.
package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/queryir"
)

// TablePrefix prefixes every collection's table name.
const TablePrefix = "doc_"

// IDField is the record field stored in the table's primary key column.
const IDField = "id"

// TableName returns the quoted table name for a collection.
func TableName(collection string) string {
	return `"` + TablePrefix + collection + `"`
}

// SQLCompiler compiles QueryIR to parameterized SQL for SQLite.
//
// Records are stored as (id TEXT PRIMARY KEY, doc TEXT) rows; fields other
// than id are read with json_extract.
//
// CRITICAL: Select queries include ORDER BY for deterministic results.
// CRITICAL: All values are parameterized (never interpolated).
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts a query to parameterized SQL.
// Returns (sql, params, error) tuple.
//
// Select yields rows of (id, doc); MaxOf yields one row with a single column.
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if err := queryir.Validate(q); err != nil {
		return "", nil, fmt.Errorf("invalid query: %w", err)
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case queryir.MaxOf:
		return c.compileMax(query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	var whereClause string
	var params []any
	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		whereClause = " WHERE " + filterSQL
		params = filterParams
	}

	// Keys sort ints numerically, then strings bytewise (see ir.IDKey).
	sql := fmt.Sprintf("SELECT id, doc FROM %s%s ORDER BY id COLLATE BINARY ASC",
		TableName(q.Collection), whereClause)
	if q.Limit > 0 {
		sql += " LIMIT ?"
		params = append(params, q.Limit)
	}
	return sql, params, nil
}

func (c *SQLCompiler) compileMax(q queryir.MaxOf) (string, []any, error) {
	sql := fmt.Sprintf("SELECT MAX(%s) FROM %s", fieldExpr(q.Field), TableName(q.Collection))
	return sql, nil, nil
}

// compilePredicate compiles a queryir.Predicate to SQL WHERE clause fragment.
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1 = 1", nil, nil // Always true
	case queryir.Equals:
		return c.compileEquals(pred)
	case queryir.IsNull:
		return c.compileIsNull(pred.Field), nil, nil
	case queryir.And:
		return c.compileAnd(pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// compileEquals compiles an Equals predicate to "field = ?".
// The id field compares against the primary key column.
func (c *SQLCompiler) compileEquals(eq queryir.Equals) (string, []any, error) {
	if ir.IsNull(eq.Value) {
		return c.compileIsNull(eq.Field), nil, nil
	}
	if eq.Field == IDField {
		key, err := ir.IDKey(eq.Value)
		if err != nil {
			return "", nil, fmt.Errorf("convert id: %w", err)
		}
		return "id = ?", []any{key}, nil
	}

	param, err := irValueToParam(eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("convert value: %w", err)
	}
	return fieldExpr(eq.Field) + " = ?", []any{param}, nil
}

// compileIsNull matches absent fields and explicit nulls alike:
// json_extract returns SQL NULL for both.
func (c *SQLCompiler) compileIsNull(field string) string {
	return fieldExpr(field) + " IS NULL"
}

// compileAnd compiles an And predicate to conjunction with AND.
func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1 = 1", nil, nil // Always true (vacuous truth)
	}

	sqlParts := make([]string, 0, len(and.Predicates))
	var allParams []any
	for _, pred := range and.Predicates {
		sql, params, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		sqlParts = append(sqlParts, "("+sql+")")
		allParams = append(allParams, params...)
	}
	return strings.Join(sqlParts, " AND "), allParams, nil
}

// fieldExpr reads a top-level field of the JSON document.
// Field names are validated identifiers, so the path needs no escaping.
func fieldExpr(field string) string {
	return fmt.Sprintf("json_extract(doc, '$.%s')", field)
}

// irValueToParam converts an ir.IRValue to a Go native type for SQL parameter.
// json_extract yields 1/0 for JSON booleans, so booleans bind as integers.
func irValueToParam(v ir.IRValue) (any, error) {
	switch val := v.(type) {
	case ir.IRString:
		return string(val), nil
	case ir.IRInt:
		return int64(val), nil
	case ir.IRBool:
		if val {
			return int64(1), nil
		}
		return int64(0), nil
	case ir.IRArray:
		return nil, fmt.Errorf("IRArray cannot be used as SQL parameter directly")
	case ir.IRObject:
		return nil, fmt.Errorf("IRObject cannot be used as SQL parameter directly")
	default:
		return nil, fmt.Errorf("unsupported IRValue type for SQL parameter: %T", v)
	}
}

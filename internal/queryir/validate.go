package queryir

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/roach88/strata/internal/ir"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdent reports whether name can be used as a collection or field name.
func ValidIdent(name string) bool {
	return identPattern.MatchString(name)
}

// Validate checks that a query only uses safe identifiers and comparable
// values. Every problem found is reported.
//
// Validate is a pure function with no side effects.
func Validate(query Query) error {
	v := &validator{}
	v.validateQuery(query)
	return errors.Join(v.errs...)
}

// validator accumulates problems during traversal.
type validator struct {
	errs []error
}

func (v *validator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addError("nil query")
	case Select:
		v.validateIdent("collection", query.Collection)
		v.validatePredicate(query.Filter)
	case MaxOf:
		v.validateIdent("collection", query.Collection)
		v.validateIdent("field", query.Field)
	default:
		v.addError("unknown query type: %T", q)
	}
}

func (v *validator) validateIdent(kind, name string) {
	if !ValidIdent(name) {
		v.addError("invalid %s name %q", kind, name)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
		// no filter
	case Equals:
		v.validateIdent("field", pred.Field)
		switch pred.Value.(type) {
		case ir.IRArray, ir.IRObject:
			v.addError("field %q compared to %T - only scalars are comparable", pred.Field, pred.Value)
		}
	case IsNull:
		v.validateIdent("field", pred.Field)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	default:
		v.addError("unknown predicate type: %T", p)
	}
}

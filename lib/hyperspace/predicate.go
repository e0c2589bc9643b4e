package hyperspace

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Predicates
// --------------------------------------------------------------------------

// Predicate is the comparison a single search term applies to its attribute.
type Predicate uint8

const (
	PredAny          Predicate = iota // Matches every attribute value
	PredFail                          // Matches nothing
	PredEquals                        // Attribute equals the argument
	PredLessEqual                     // Attribute sorts before or equal to the argument
	PredGreaterEqual                  // Attribute sorts after or equal to the argument
)

func (p Predicate) String() string {
	switch p {
	case PredAny:
		return "ANY"
	case PredFail:
		return "FAIL"
	case PredEquals:
		return "EQUALS"
	case PredLessEqual:
		return "LESS_EQUAL"
	case PredGreaterEqual:
		return "GREATER_EQUAL"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// Term is one predicate applied to one attribute
type Term struct {
	Pred Predicate
	Arg  []byte
}

func Any() Term                  { return Term{Pred: PredAny} }
func Equals(v []byte) Term       { return Term{Pred: PredEquals, Arg: v} }
func LessEqual(v []byte) Term    { return Term{Pred: PredLessEqual, Arg: v} }
func GreaterEqual(v []byte) Term { return Term{Pred: PredGreaterEqual, Arg: v} }

// Accepts evaluates the term against a single attribute value.
func (t Term) Accepts(attr []byte) bool {
	switch t.Pred {
	case PredAny:
		return true
	case PredEquals:
		return bytes.Equal(attr, t.Arg)
	case PredLessEqual:
		return bytes.Compare(attr, t.Arg) <= 0
	case PredGreaterEqual:
		return bytes.Compare(attr, t.Arg) >= 0
	default:
		return false
	}
}

func (t Term) String() string {
	if t.Pred == PredAny || t.Pred == PredFail {
		return t.Pred.String()
	}
	return fmt.Sprintf("%s(%q)", t.Pred, t.Arg)
}

// --------------------------------------------------------------------------
// Terms
// --------------------------------------------------------------------------

// Terms is the predicate matching capability a search needs from the data model.
// Size is the number of attributes the terms address (key included).
type Terms interface {
	Size() int
	Matches(key []byte, value [][]byte) bool
	Equality(dim int) ([]byte, bool)
}

// Search is a conjunction of one term per attribute. Dimension 0 is the key,
// dimension i > 0 is value column i-1.
//
// A Search is immutable once created.
type Search struct {
	terms []Term
}

// NewSearch creates a search from the given terms. Arguments are copied.
func NewSearch(terms ...Term) *Search {
	s := &Search{terms: make([]Term, len(terms))}
	for i, t := range terms {
		s.terms[i] = Term{Pred: t.Pred, Arg: append([]byte(nil), t.Arg...)}
	}
	return s
}

func (s *Search) Size() int {
	return len(s.terms)
}

// Term returns the term for a dimension
func (s *Search) Term(dim int) Term {
	return s.terms[dim]
}

// Matches checks all terms against the key and the value columns.
// Missing columns are treated as empty.
func (s *Search) Matches(key []byte, value [][]byte) bool {
	for dim, t := range s.terms {
		if !t.Accepts(attribute(dim, key, value)) {
			return false
		}
	}
	return true
}

// Equality returns the argument of an equality term for a dimension.
// Only equality terms constrain the hashed coordinate.
func (s *Search) Equality(dim int) ([]byte, bool) {
	if dim < 0 || dim >= len(s.terms) || s.terms[dim].Pred != PredEquals {
		return nil, false
	}
	return s.terms[dim].Arg, true
}

func (s *Search) String() string {
	parts := make([]string, len(s.terms))
	for i, t := range s.terms {
		parts[i] = fmt.Sprintf("%d:%s", i, t)
	}
	return "search[" + strings.Join(parts, ", ") + "]"
}

// attribute returns attribute dim of an object, key is dimension 0
func attribute(dim int, key []byte, value [][]byte) []byte {
	if dim == 0 {
		return key
	}
	if dim-1 < len(value) {
		return value[dim-1]
	}
	return nil
}

// --------------------------------------------------------------------------
// Parsing
// --------------------------------------------------------------------------

var ErrBadExpression = errors.New("bad search expression")

// ParseSearch builds a search over dims attributes from expressions of the form
// "<dim>=<value>", "<dim><=<value>" or "<dim>>=<value>". Unconstrained dimensions
// match anything.
func ParseSearch(dims int, exprs []string) (*Search, error) {
	terms := make([]Term, dims)
	for i := range terms {
		terms[i] = Any()
	}

	for _, expr := range exprs {
		pos := strings.IndexAny(expr, "<>=")
		if pos <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadExpression, expr)
		}

		var op string
		switch rest := expr[pos:]; {
		case strings.HasPrefix(rest, "<="):
			op = "<="
		case strings.HasPrefix(rest, ">="):
			op = ">="
		case strings.HasPrefix(rest, "="):
			op = "="
		default:
			return nil, fmt.Errorf("%w: unknown operator in %q", ErrBadExpression, expr)
		}

		dim, err := strconv.Atoi(expr[:pos])
		if err != nil || dim < 0 || dim >= dims {
			return nil, fmt.Errorf("%w: invalid dimension in %q", ErrBadExpression, expr)
		}

		arg := []byte(expr[pos+len(op):])
		switch op {
		case "=":
			terms[dim] = Equals(arg)
		case "<=":
			terms[dim] = LessEqual(arg)
		case ">=":
			terms[dim] = GreaterEqual(arg)
		}
	}

	return NewSearch(terms...), nil
}

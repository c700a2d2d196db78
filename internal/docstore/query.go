package docstore

import (
	"fmt"
	"regexp"
	"strings"
)

// Op is a filter comparison operator.
type Op string

const (
	Equal          Op = "=="
	NotEqual       Op = "!="
	Less           Op = "<"
	LessOrEqual    Op = "<="
	Greater        Op = ">"
	GreaterOrEqual Op = ">="
)

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

func (d Direction) String() string {
	if d == Desc {
		return "desc"
	}
	return "asc"
}

// Filter restricts a query to documents whose Field compares to Value.
// Documents without the field never match.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Order sorts query results by a field.
type Order struct {
	Field     string
	Direction Direction
}

// Query describes a collection query: filters are ANDed, orders apply in
// sequence, and Limit (when > 0) caps the number of results.
type Query struct {
	Collection string
	Filters    []Filter
	Orders     []Order
	Limit      int
}

// Constraint adds one clause to a Query. Constraints apply in the order given,
// so NewQuery("users", OrderBy("points", Desc), Limit(10)) reads like the
// query it builds.
type Constraint func(*Query)

// NewQuery builds a query over collection from an ordered list of constraints.
func NewQuery(collection string, constraints ...Constraint) Query {
	q := Query{Collection: collection}
	for _, c := range constraints {
		c(&q)
	}
	return q
}

// Where adds a filter clause.
func Where(field string, op Op, value any) Constraint {
	return func(q *Query) {
		q.Filters = append(q.Filters, Filter{Field: field, Op: op, Value: value})
	}
}

// OrderBy adds a sort key.
func OrderBy(field string, dir Direction) Constraint {
	return func(q *Query) {
		q.Orders = append(q.Orders, Order{Field: field, Direction: dir})
	}
}

// Limit caps the result size. Zero means unlimited.
func Limit(n int) Constraint {
	return func(q *Query) {
		q.Limit = n
	}
}

// fieldName matches the field names a query may reference. Field names end up
// inside JSON paths, so anything else is refused rather than escaped.
var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidField reports whether name can be used as a document field in queries.
func ValidField(name string) bool {
	return fieldName.MatchString(name)
}

// Validate checks that the query can be executed.
func (q Query) Validate() error {
	if q.Collection == "" || !fieldName.MatchString(q.Collection) {
		return fmt.Errorf("docstore: invalid collection %q", q.Collection)
	}
	for _, f := range q.Filters {
		if !fieldName.MatchString(f.Field) {
			return fmt.Errorf("docstore: invalid filter field %q", f.Field)
		}
		switch f.Op {
		case Equal, NotEqual, Less, LessOrEqual, Greater, GreaterOrEqual:
		default:
			return fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	for _, o := range q.Orders {
		if !fieldName.MatchString(o.Field) {
			return fmt.Errorf("docstore: invalid order field %q", o.Field)
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("docstore: negative limit %d", q.Limit)
	}
	return nil
}

// String renders the query for logs, e.g. `posts where questionId == "abc" limit 10`.
func (q Query) String() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	for i, f := range q.Filters {
		if i == 0 {
			b.WriteString(" where ")
		} else {
			b.WriteString(" and ")
		}
		fmt.Fprintf(&b, "%s %s %#v", f.Field, f.Op, f.Value)
	}
	for i, o := range q.Orders {
		if i == 0 {
			b.WriteString(" order by ")
		} else {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", o.Field, o.Direction)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " limit %d", q.Limit)
	}
	return b.String()
}

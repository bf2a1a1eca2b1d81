// Package filter composes declarative predicates over a named collection. A Filter is
// evaluated client-side against entities and translated into a gorm query server-side.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"stable-sync-backend/internal/entity"
)

// Op names a predicate operator.
type Op string

const (
	OpEq   Op = "eq"
	OpNeq  Op = "neq"
	OpGt   Op = "gt"
	OpGte  Op = "gte"
	OpLt   Op = "lt"
	OpLte  Op = "lte"
	OpIn   Op = "in"
	OpLike Op = "like"
	OpAnd  Op = "and"
	OpOr   Op = "or"
	OpNot  Op = "not"
)

// Expr is a node in a predicate tree. A nil *Expr matches every entity.
type Expr struct {
	op       Op
	field    string
	value    any
	values   []any
	children []*Expr
}

func Eq(field string, v any) *Expr  { return &Expr{op: OpEq, field: field, value: v} }
func Neq(field string, v any) *Expr { return &Expr{op: OpNeq, field: field, value: v} }
func Gt(field string, v any) *Expr  { return &Expr{op: OpGt, field: field, value: v} }
func Gte(field string, v any) *Expr { return &Expr{op: OpGte, field: field, value: v} }
func Lt(field string, v any) *Expr  { return &Expr{op: OpLt, field: field, value: v} }
func Lte(field string, v any) *Expr { return &Expr{op: OpLte, field: field, value: v} }
func Not(e *Expr) *Expr             { return &Expr{op: OpNot, children: []*Expr{e}} }
func And(es ...*Expr) *Expr         { return &Expr{op: OpAnd, children: compact(es)} }
func Or(es ...*Expr) *Expr          { return &Expr{op: OpOr, children: compact(es)} }

// In matches when the field equals any of vs.
func In(field string, vs ...any) *Expr {
	return &Expr{op: OpIn, field: field, values: vs}
}

// Like is a case-insensitive pattern match where % matches any run of characters.
func Like(field, pattern string) *Expr {
	return &Expr{op: OpLike, field: field, value: pattern}
}

// Filter is the descriptor consumed by the subscription manager and the store.
type Filter struct {
	collection string
	expr       *Expr
}

// For binds an expression to a collection.
func For(collection string, expr *Expr) Filter {
	return Filter{collection: collection, expr: expr}
}

// All matches every entity of a collection.
func All(collection string) Filter {
	return Filter{collection: collection}
}

func (f Filter) Collection() string { return f.collection }

// Match evaluates the filter against an entity.
func (f Filter) Match(e entity.Entity) bool {
	return f.expr.Match(e)
}

// String renders a stable description used in subscription identities.
func (f Filter) String() string {
	return f.collection + "?" + f.expr.String()
}

// Apply narrows a gorm query with the server-side rendition of the filter.
// Predicates on fields that are not plain column names are left to the client-side check.
func (f Filter) Apply(db *gorm.DB) *gorm.DB {
	clause, args, ok := f.expr.sql()
	if !ok || clause == "" {
		return db
	}
	return db.Where(clause, args...)
}

// Match evaluates the expression against an entity.
func (x *Expr) Match(e entity.Entity) bool {
	if x == nil {
		return true
	}
	switch x.op {
	case OpAnd:
		for _, c := range x.children {
			if !c.Match(e) {
				return false
			}
		}
		return true
	case OpOr:
		if len(x.children) == 0 {
			return true
		}
		for _, c := range x.children {
			if c.Match(e) {
				return true
			}
		}
		return false
	case OpNot:
		return !x.children[0].Match(e)
	}

	got, ok := e.Get(x.field)
	if !ok {
		return x.op == OpNeq
	}
	switch x.op {
	case OpEq:
		return equal(got, x.value)
	case OpNeq:
		return !equal(got, x.value)
	case OpIn:
		for _, v := range x.values {
			if equal(got, v) {
				return true
			}
		}
		return false
	case OpLike:
		return like(fmt.Sprint(deref(got)), fmt.Sprint(x.value))
	}

	c, ok := compare(got, x.value)
	if !ok {
		return false
	}
	switch x.op {
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	}
	return false
}

func (x *Expr) String() string {
	if x == nil {
		return "*"
	}
	switch x.op {
	case OpAnd, OpOr, OpNot:
		parts := make([]string, len(x.children))
		for i, c := range x.children {
			parts[i] = c.String()
		}
		return string(x.op) + "(" + strings.Join(parts, ",") + ")"
	case OpIn:
		parts := make([]string, len(x.values))
		for i, v := range x.values {
			parts[i] = fmt.Sprint(deref(v))
		}
		sort.Strings(parts)
		return fmt.Sprintf("%s.in(%s)", x.field, strings.Join(parts, "|"))
	}
	return fmt.Sprintf("%s.%s(%v)", x.field, x.op, deref(x.value))
}

var columnName = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func (x *Expr) sql() (string, []any, bool) {
	if x == nil {
		return "", nil, true
	}
	switch x.op {
	case OpAnd, OpOr:
		var parts []string
		var args []any
		for _, c := range x.children {
			clause, a, ok := c.sql()
			if !ok {
				if x.op == OpOr {
					return "", nil, false
				}
				// A dropped AND branch only widens the query.
				continue
			}
			if clause == "" {
				continue
			}
			parts = append(parts, "("+clause+")")
			args = append(args, a...)
		}
		sep := " AND "
		if x.op == OpOr {
			sep = " OR "
		}
		return strings.Join(parts, sep), args, true
	case OpNot:
		clause, args, ok := x.children[0].sql()
		if !ok || clause == "" {
			return "", nil, false
		}
		return "NOT (" + clause + ")", args, true
	}

	if !columnName.MatchString(x.field) {
		return "", nil, false
	}
	switch x.op {
	case OpEq:
		return x.field + " = ?", []any{x.value}, true
	case OpNeq:
		return x.field + " <> ?", []any{x.value}, true
	case OpGt:
		return x.field + " > ?", []any{x.value}, true
	case OpGte:
		return x.field + " >= ?", []any{x.value}, true
	case OpLt:
		return x.field + " < ?", []any{x.value}, true
	case OpLte:
		return x.field + " <= ?", []any{x.value}, true
	case OpIn:
		return x.field + " IN ?", []any{x.values}, true
	case OpLike:
		return "LOWER(" + x.field + ") LIKE ?", []any{strings.ToLower(fmt.Sprint(x.value))}, true
	}
	return "", nil, false
}

func compact(es []*Expr) []*Expr {
	out := make([]*Expr, 0, len(es))
	for _, e := range es {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

func deref(v any) any {
	switch p := v.(type) {
	case *string:
		if p != nil {
			return *p
		}
	case *bool:
		if p != nil {
			return *p
		}
	case *time.Time:
		if p != nil {
			return *p
		}
	case *float64:
		if p != nil {
			return *p
		}
	}
	return v
}

func equal(a, b any) bool {
	a, b = deref(a), deref(b)
	if c, ok := compare(a, b); ok {
		return c == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// compare orders numbers numerically, times chronologically and strings lexically.
func compare(a, b any) (int, bool) {
	a, b = deref(a), deref(b)
	if fa, ok := entity.ToFloat(a); ok {
		if fb, ok := entity.ToFloat(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			}
			return 0, true
		}
	}
	_, aIsTime := a.(time.Time)
	_, bIsTime := b.(time.Time)
	if aIsTime || bIsTime {
		ta, okA := entity.ToTime(a)
		tb, okB := entity.ToTime(b)
		if !okA || !okB {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		return strings.Compare(sa, sb), true
	}
	ba, okA := a.(bool)
	bb, okB := b.(bool)
	if okA && okB {
		if ba == bb {
			return 0, true
		}
		if !ba {
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// like matches s against a %-wildcard pattern, case-insensitively.
func like(s, pattern string) bool {
	s = strings.ToLower(s)
	parts := strings.Split(strings.ToLower(pattern), "%")
	if len(parts) == 1 {
		return s == parts[0]
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	last := parts[len(parts)-1]
	for _, p := range parts[1 : len(parts)-1] {
		i := strings.Index(s, p)
		if i < 0 {
			return false
		}
		s = s[i+len(p):]
	}
	return strings.HasSuffix(s, last)
}

// Package entity defines the record snapshots and change events that flow through the sync core.
package entity

import (
	"fmt"
	"time"
)

// Collection names known to the sync core.
const (
	Rentals  = "rentals"
	Units    = "units"
	Bookings = "bookings"
)

// Entity is an immutable snapshot of a server-side record.
// Field names match the backing store's column names.
type Entity struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// New creates an entity with a private copy of fields.
func New(id string, fields map[string]any, updatedAt time.Time) Entity {
	return Entity{ID: id, Fields: copyFields(fields), UpdatedAt: updatedAt}
}

// Key returns the entity identifier. It is the default key function for the merge engine.
func Key(e Entity) string {
	return e.ID
}

// With returns a copy of e with patch shallow-merged over its fields.
// A non-empty ID or non-zero UpdatedAt in patch wins.
func (e Entity) With(patch Entity) Entity {
	out := Entity{ID: e.ID, Fields: copyFields(e.Fields), UpdatedAt: e.UpdatedAt}
	if out.Fields == nil {
		out.Fields = make(map[string]any, len(patch.Fields))
	}
	for k, v := range patch.Fields {
		out.Fields[k] = v
	}
	if patch.ID != "" {
		out.ID = patch.ID
	}
	if !patch.UpdatedAt.IsZero() {
		out.UpdatedAt = patch.UpdatedAt
	}
	return out
}

// Get returns the raw value of a field.
func (e Entity) Get(field string) (any, bool) {
	if field == "id" {
		return e.ID, true
	}
	if field == "updated_at" {
		return e.UpdatedAt, true
	}
	v, ok := e.Fields[field]
	return v, ok
}

// String returns a field as a string. Missing fields and nil yield "".
func (e Entity) String(field string) string {
	v, ok := e.Get(field)
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case *string:
		if s == nil {
			return ""
		}
		return *s
	case time.Time:
		return s.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}

// Bool returns a field as a bool.
func (e Entity) Bool(field string) bool {
	v, _ := e.Get(field)
	switch b := v.(type) {
	case bool:
		return b
	case *bool:
		return b != nil && *b
	case string:
		return b == "true" || b == "1"
	case int, int64, float64:
		f, _ := ToFloat(b)
		return f != 0
	}
	return false
}

// Float returns a numeric field as float64.
func (e Entity) Float(field string) (float64, bool) {
	v, ok := e.Get(field)
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// Time returns a time-valued field. RFC3339 strings are parsed.
func (e Entity) Time(field string) (time.Time, bool) {
	v, ok := e.Get(field)
	if !ok {
		return time.Time{}, false
	}
	return ToTime(v)
}

// ToFloat coerces the numeric kinds produced by JSON and SQL scanning.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case *float64:
		if n == nil {
			return 0, false
		}
		return *n, true
	}
	return 0, false
}

// ToTime coerces time.Time, *time.Time and RFC3339 strings.
func ToTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}

func copyFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

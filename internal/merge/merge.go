// Package merge holds pure functions over ordered slices of keyed records. None of them
// mutate their arguments; every call returns a fresh slice so callers can detect change
// by comparing slice headers.
package merge

import (
	"sort"
	"strings"
	"time"
)

// KeyFunc extracts the unique key of a record.
type KeyFunc[T any] func(T) string

// MergeData overwrites existing records with incoming ones by key (last write wins).
// Untouched keys keep their order; new keys are appended in arrival order.
func MergeData[T any](existing, incoming []T, key KeyFunc[T]) []T {
	out := make([]T, 0, len(existing)+len(incoming))
	index := make(map[string]int, len(existing)+len(incoming))
	for _, item := range existing {
		k := key(item)
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	for _, item := range incoming {
		k := key(item)
		if i, ok := index[k]; ok {
			out[i] = item
			continue
		}
		index[k] = len(out)
		out = append(out, item)
	}
	return out
}

// RemoveData drops every record whose key is in keys.
func RemoveData[T any](existing []T, keys []string, key KeyFunc[T]) []T {
	drop := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}
	out := make([]T, 0, len(existing))
	for _, item := range existing {
		if _, ok := drop[key(item)]; !ok {
			out = append(out, item)
		}
	}
	return out
}

// UpdateData replaces the record sharing partial's key with combine(old, partial).
// It is a no-op, apart from the copy, when nothing matches.
func UpdateData[T any](existing []T, partial T, key KeyFunc[T], combine func(old, partial T) T) []T {
	k := key(partial)
	out := make([]T, len(existing))
	copy(out, existing)
	for i, item := range out {
		if key(item) == k {
			out[i] = combine(item, partial)
			break
		}
	}
	return out
}

// Find returns the record with key k.
func Find[T any](data []T, k string, key KeyFunc[T]) (T, bool) {
	for _, item := range data {
		if key(item) == k {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// SortByTimestamp stable-sorts by the time returned from field.
func SortByTimestamp[T any](data []T, field func(T) time.Time, ascending bool) []T {
	out := make([]T, len(data))
	copy(out, data)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := field(out[i]), field(out[j])
		if ascending {
			return a.Before(b)
		}
		return a.After(b)
	})
	return out
}

// FilterBySearch keeps records where any of fields contains term, case-insensitively.
// An empty term returns a copy of data.
func FilterBySearch[T any](data []T, term string, fields ...func(T) string) []T {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		out := make([]T, len(data))
		copy(out, data)
		return out
	}
	out := make([]T, 0, len(data))
	for _, item := range data {
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f(item)), term) {
				out = append(out, item)
				break
			}
		}
	}
	return out
}

// GroupBy partitions data by the stringified value of field, preserving order within groups.
func GroupBy[T any](data []T, field func(T) string) map[string][]T {
	out := make(map[string][]T)
	for _, item := range data {
		k := field(item)
		out[k] = append(out[k], item)
	}
	return out
}

// Page describes one page of a paginated slice.
type Page[T any] struct {
	Items       []T  `json:"items"`
	CurrentPage int  `json:"current_page"`
	TotalPages  int  `json:"total_pages"`
	TotalItems  int  `json:"total_items"`
	HasNext     bool `json:"has_next"`
	HasPrev     bool `json:"has_prev"`
}

// Paginate returns the 1-indexed page. Out-of-range pages yield an empty slice and
// report neither a next nor a previous page.
func Paginate[T any](data []T, page, pageSize int) Page[T] {
	if pageSize <= 0 {
		pageSize = 20
	}
	total := len(data)
	totalPages := (total + pageSize - 1) / pageSize

	p := Page[T]{
		Items:       []T{},
		CurrentPage: page,
		TotalPages:  totalPages,
		TotalItems:  total,
	}
	if page < 1 || page > totalPages {
		return p
	}
	p.HasNext = page < totalPages
	p.HasPrev = page > 1
	start := (page - 1) * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}
	p.Items = make([]T, end-start)
	copy(p.Items, data[start:end])
	return p
}

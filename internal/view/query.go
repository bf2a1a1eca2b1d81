package view

import (
	"time"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/merge"
)

// Query describes a read over a collection snapshot. Zero values mean no search,
// insertion order and the default page size.
type Query struct {
	Search       string
	SearchFields []string
	SortField    string
	Ascending    bool
	Page         int
	PageSize     int
}

// Query searches, sorts and paginates the current snapshot.
func (c *Collection) Query(q Query) merge.Page[entity.Entity] {
	data := c.Snapshot()

	if q.Search != "" {
		fields := make([]func(entity.Entity) string, 0, len(q.SearchFields))
		for _, name := range q.SearchFields {
			fields = append(fields, func(e entity.Entity) string { return e.String(name) })
		}
		data = merge.FilterBySearch(data, q.Search, fields...)
	}
	if q.SortField != "" {
		field := q.SortField
		data = merge.SortByTimestamp(data, func(e entity.Entity) time.Time {
			t, _ := e.Time(field)
			return t
		}, q.Ascending)
	}

	page := q.Page
	if page == 0 {
		page = 1
	}
	return merge.Paginate(data, page, q.PageSize)
}

// GroupBy partitions the snapshot by a field's string value.
func (c *Collection) GroupBy(field string) map[string][]entity.Entity {
	return merge.GroupBy(c.Snapshot(), func(e entity.Entity) string { return e.String(field) })
}

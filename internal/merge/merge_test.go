package merge

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"stable-sync-backend/internal/entity"
)

func ent(id, status string) entity.Entity {
	return entity.New(id, map[string]any{"status": status, "unit_id": "u-" + id}, time.Time{})
}

func ids(data []entity.Entity) []string {
	out := make([]string, len(data))
	for i, e := range data {
		out[i] = e.ID
	}
	return out
}

func combine(old, partial entity.Entity) entity.Entity { return old.With(partial) }

func TestMergeData(t *testing.T) {
	existing := []entity.Entity{ent("a", "ACTIVE"), ent("b", "ACTIVE"), ent("c", "ENDED")}

	t.Run("overwrites by key and appends new keys", func(t *testing.T) {
		out := MergeData(existing, []entity.Entity{ent("d", "ACTIVE"), ent("b", "CANCELLED")}, entity.Key)

		assert.Equal(t, []string{"a", "b", "c", "d"}, ids(out))
		assert.Equal(t, "CANCELLED", out[1].String("status"))
		assert.Equal(t, "ACTIVE", existing[1].String("status"), "input must not be mutated")
	})

	t.Run("no incoming leaves data unchanged", func(t *testing.T) {
		out := MergeData(existing, nil, entity.Key)
		assert.Equal(t, existing, out)
	})

	t.Run("idempotent under duplicate delivery", func(t *testing.T) {
		ev := []entity.Entity{ent("b", "ENDED")}
		once := MergeData(existing, ev, entity.Key)
		twice := MergeData(once, ev, entity.Key)
		assert.Equal(t, once, twice)
	})
}

func TestKeyUniqueness(t *testing.T) {
	var data []entity.Entity
	for i := 0; i < 50; i++ {
		id := strconv.Itoa(i % 7)
		switch i % 3 {
		case 0, 1:
			data = MergeData(data, []entity.Entity{ent(id, "ACTIVE"), ent(strconv.Itoa(i%5), "ENDED")}, entity.Key)
		case 2:
			data = RemoveData(data, []string{id}, entity.Key)
		}

		seen := map[string]bool{}
		for _, e := range data {
			assert.False(t, seen[e.ID], "duplicate key %s after step %d", e.ID, i)
			seen[e.ID] = true
		}
	}
}

func TestRemoveData(t *testing.T) {
	existing := []entity.Entity{ent("a", "ACTIVE"), ent("b", "ACTIVE"), ent("c", "ENDED")}

	out := RemoveData(existing, []string{"b", "zzz"}, entity.Key)

	assert.Equal(t, []string{"a", "c"}, ids(out))
	assert.Len(t, existing, 3)
}

func TestUpdateData(t *testing.T) {
	existing := []entity.Entity{ent("a", "ACTIVE"), ent("b", "ACTIVE")}

	out := UpdateData(existing, entity.Entity{ID: "b", Fields: map[string]any{"status": "ENDED"}}, entity.Key, combine)
	assert.Equal(t, "ENDED", out[1].String("status"))
	assert.Equal(t, "u-b", out[1].String("unit_id"), "shallow merge keeps other fields")
	assert.Equal(t, "ACTIVE", existing[1].String("status"))

	same := UpdateData(existing, entity.Entity{ID: "zzz"}, entity.Key, combine)
	assert.Equal(t, existing, same)
}

func TestSortByTimestamp(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	data := []entity.Entity{
		entity.New("late", nil, base.Add(2*time.Hour)),
		entity.New("tie-1", nil, base),
		entity.New("early", nil, base.Add(-time.Hour)),
		entity.New("tie-2", nil, base),
	}
	updated := func(e entity.Entity) time.Time { return e.UpdatedAt }

	assert.Equal(t, []string{"early", "tie-1", "tie-2", "late"}, ids(SortByTimestamp(data, updated, true)))
	assert.Equal(t, []string{"late", "tie-1", "tie-2", "early"}, ids(SortByTimestamp(data, updated, false)))
	assert.Equal(t, "late", data[0].ID)
}

func TestFilterBySearch(t *testing.T) {
	data := []entity.Entity{
		entity.New("1", map[string]any{"title": "Sunny Paddock", "location": "Utrecht"}, time.Time{}),
		entity.New("2", map[string]any{"title": "Stall Block", "location": "Sunnyvale"}, time.Time{}),
		entity.New("3", map[string]any{"title": "Barn", "location": "Leiden"}, time.Time{}),
	}
	title := func(e entity.Entity) string { return e.String("title") }
	location := func(e entity.Entity) string { return e.String("location") }

	assert.Equal(t, []string{"1", "2"}, ids(FilterBySearch(data, "SUNNY", title, location)))
	assert.Equal(t, []string{"1"}, ids(FilterBySearch(data, "sunny", title)))
	assert.Equal(t, ids(data), ids(FilterBySearch(data, "  ", title)))
}

func TestGroupBy(t *testing.T) {
	data := []entity.Entity{ent("a", "ACTIVE"), ent("b", "ENDED"), ent("c", "ACTIVE")}

	groups := GroupBy(data, func(e entity.Entity) string { return e.String("status") })

	assert.Equal(t, []string{"a", "c"}, ids(groups["ACTIVE"]))
	assert.Equal(t, []string{"b"}, ids(groups["ENDED"]))
}

func TestPaginate(t *testing.T) {
	data := []int{1, 2, 3, 4, 5}

	testCases := []struct {
		name    string
		page    int
		size    int
		items   []int
		pages   int
		hasNext bool
		hasPrev bool
	}{
		{"first page", 1, 2, []int{1, 2}, 3, true, false},
		{"last partial page", 3, 2, []int{5}, 3, false, true},
		{"out of range", 4, 2, []int{}, 3, false, false},
		{"zero page", 0, 2, []int{}, 3, false, false},
		{"negative page", -1, 2, []int{}, 3, false, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := Paginate(data, tc.page, tc.size)
			assert.Equal(t, tc.items, p.Items)
			assert.Equal(t, tc.pages, p.TotalPages)
			assert.Equal(t, 5, p.TotalItems)
			assert.Equal(t, tc.hasNext, p.HasNext)
			assert.Equal(t, tc.hasPrev, p.HasPrev)
		})
	}
}

package filter

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"stable-sync-backend/internal/entity"
)

func TestFilter_Match(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	unit := entity.New("u1", map[string]any{
		"rental_id": "r1",
		"name":      "Box North 3",
		"available": true,
		"price":     450,
		"opened_at": start,
	}, start)

	testCases := []struct {
		name string
		expr *Expr
		want bool
	}{
		{"nil matches all", nil, true},
		{"eq bool", Eq("available", true), true},
		{"eq bool mismatch", Eq("available", false), false},
		{"neq", Neq("rental_id", "r2"), true},
		{"neq on missing field", Neq("missing", "x"), true},
		{"eq on missing field", Eq("missing", "x"), false},
		{"int vs float", Eq("price", 450.0), true},
		{"gt", Gt("price", 400), true},
		{"lte", Lte("price", 449), false},
		{"time gte", Gte("opened_at", start.Add(-time.Hour)), true},
		{"time lt rfc3339 string", Lt("opened_at", "2026-02-01T00:00:00Z"), false},
		{"in", In("rental_id", "r3", "r1"), true},
		{"in miss", In("rental_id", "r3"), false},
		{"like", Like("name", "box%3"), true},
		{"like middle", Like("name", "%NORTH%"), true},
		{"like miss", Like("name", "%south%"), false},
		{"and", And(Eq("available", true), Gt("price", 100)), true},
		{"and short", And(Eq("available", true), Gt("price", 1000)), false},
		{"or", Or(Eq("available", false), Eq("rental_id", "r1")), true},
		{"not", Not(Eq("available", true)), false},
		{"id field", Eq("id", "u1"), true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, For(entity.Units, tc.expr).Match(unit))
		})
	}
}

func TestFilter_String(t *testing.T) {
	a := For(entity.Units, And(Eq("available", true), In("rental_id", "b", "a")))
	b := For(entity.Units, And(Eq("available", true), In("rental_id", "a", "b")))

	assert.Equal(t, a.String(), b.String())
	assert.Equal(t, "units?and(available.eq(true),rental_id.in(a|b))", a.String())
	assert.Equal(t, "bookings?*", All(entity.Bookings).String())
}

func TestFilter_Apply(t *testing.T) {
	sqlDB, _, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	f := For(entity.Units, And(
		Eq("available", true),
		In("rental_id", "r1", "r2"),
		Like("name", "Box%"),
		Eq("Weird Field", "skipped"),
	))

	var rows []map[string]any
	stmt := f.Apply(db.Session(&gorm.Session{DryRun: true}).Table("units")).Find(&rows).Statement

	sql := stmt.SQL.String()
	assert.Contains(t, sql, `available = $1`)
	assert.Contains(t, sql, `rental_id IN ($2,$3)`)
	assert.Contains(t, sql, `LOWER(name) LIKE $4`)
	assert.NotContains(t, sql, "Weird")
	assert.Equal(t, []any{true, "r1", "r2", "box%"}, stmt.Vars)
}

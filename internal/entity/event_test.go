package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	unit := &Entity{ID: "u1", Fields: map[string]any{"available": true}}

	testCases := []struct {
		name    string
		raw     RawEvent
		want    EventType
		wantErr error
	}{
		{name: "insert", raw: RawEvent{EventType: "INSERT", Collection: Units, New: unit}, want: Insert},
		{name: "update lower case", raw: RawEvent{EventType: "update", Collection: Units, New: unit}, want: Update},
		{name: "delete", raw: RawEvent{EventType: "DELETE", Collection: Units, Old: unit}, want: Delete},
		{name: "unknown type", raw: RawEvent{EventType: "UPSERT", New: unit}, wantErr: ErrUnknownEventType},
		{name: "update without entity", raw: RawEvent{EventType: "UPDATE"}, wantErr: ErrMissingEntity},
		{name: "delete without old", raw: RawEvent{EventType: "DELETE", New: unit}, wantErr: ErrMissingEntity},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode(tc.raw)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Type)
			assert.Equal(t, "u1", ev.Key())
			assert.False(t, ev.At.IsZero())
		})
	}
}

func TestChangeEvent_AsDelete(t *testing.T) {
	now := time.Now()
	ev := ChangeEvent{Type: Update, Collection: Units, New: &Entity{ID: "u1"}, At: now}

	del := ev.AsDelete()
	assert.Equal(t, Delete, del.Type)
	assert.Equal(t, "u1", del.Key())
	assert.Nil(t, del.New)
	assert.Equal(t, now, del.At)
}

func TestEntity_WithDoesNotMutate(t *testing.T) {
	orig := New("b1", map[string]any{"status": "ACTIVE", "price": 100}, time.Time{})
	patched := orig.With(Entity{Fields: map[string]any{"status": "ENDED"}})

	assert.Equal(t, "ACTIVE", orig.String("status"))
	assert.Equal(t, "ENDED", patched.String("status"))
	assert.Equal(t, "b1", patched.ID)
	price, ok := patched.Float("price")
	assert.True(t, ok)
	assert.Equal(t, 100.0, price)
}

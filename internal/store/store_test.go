package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/model"
)

// A helper function to create a mock database connection.
func newTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

// newSQLiteDB opens a private in-memory database with the schema migrated.
func newSQLiteDB(t *testing.T) *gorm.DB {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.Rental{}, &model.Unit{}, &model.Booking{}, &model.PushSubscription{}))
	return db
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []entity.ChangeEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev entity.ChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) types() []entity.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]entity.EventType, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Type
	}
	return out
}

func TestGormStore_Load(t *testing.T) {
	now := time.Now()

	testCases := []struct {
		name             string
		filter           filter.Filter
		mockExpectations func(mock sqlmock.Sqlmock)
		expectedIDs      []string
		expectedErr      bool
	}{
		{
			name:   "Filter is pushed down as a where clause",
			filter: filter.For(entity.Units, filter.Eq("available", true)),
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "units" WHERE available = $1 ORDER BY created_at, id`)).
					WithArgs(true).
					WillReturnRows(sqlmock.NewRows([]string{"id", "rental_id", "name", "available", "price", "created_at", "updated_at"}).
						AddRow("u1", "r1", "Box 1", true, 250.0, now, now).
						AddRow("u2", "r1", "Box 2", true, 300.0, now, now))
			},
			expectedIDs: []string{"u1", "u2"},
		},
		{
			name:   "Unfiltered bookings",
			filter: filter.All(entity.Bookings),
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bookings" ORDER BY created_at, id`)).
					WillReturnRows(sqlmock.NewRows([]string{"id", "unit_id", "renter_id", "status", "payment_status", "start_date", "price", "created_at", "updated_at"}).
						AddRow("b1", "u1", "p1", "ACTIVE", "paid", now, 250.0, now, now))
			},
			expectedIDs: []string{"b1"},
		},
		{
			name:   "Database error is returned",
			filter: filter.All(entity.Rentals),
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "rentals"`)).
					WillReturnError(errors.New("connection reset"))
			},
			expectedErr: true,
		},
		{
			name:             "Unknown collection",
			filter:           filter.All("horses"),
			mockExpectations: func(mock sqlmock.Sqlmock) {},
			expectedErr:      true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			store := NewGormStore(gormDB, nil, nil)

			tc.mockExpectations(mock)

			rows, err := store.Load(context.Background(), tc.filter)

			if tc.expectedErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				ids := make([]string, len(rows))
				for i, r := range rows {
					ids[i] = r.ID
				}
				assert.Equal(t, tc.expectedIDs, ids)
			}

			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_FailedWritesPublishNothing(t *testing.T) {
	now := time.Now()

	testCases := []struct {
		name             string
		mockExpectations func(mock sqlmock.Sqlmock)
		write            func(s Store) error
		expectedErr      error
	}{
		{
			name: "Booking on a missing unit",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "units" WHERE id = $1`)).
					WithArgs("u9", Any{}).
					WillReturnRows(sqlmock.NewRows([]string{"id"}))
				mock.ExpectRollback()
			},
			write: func(s Store) error {
				_, err := s.CreateBooking(context.Background(), model.Booking{UnitID: "u9", StartDate: now})
				return err
			},
			expectedErr: ErrNotFound,
		},
		{
			name:             "Update of a protected column",
			mockExpectations: func(mock sqlmock.Sqlmock) {},
			write: func(s Store) error {
				_, err := s.UpdateBooking(context.Background(), "b1", map[string]any{"created_at": now})
				return err
			},
			expectedErr: ErrInvalidField,
		},
		{
			name: "Delete rejected by the database",
			mockExpectations: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bookings" WHERE id = $1`)).
					WithArgs("b1", Any{}).
					WillReturnRows(sqlmock.NewRows([]string{"id", "unit_id", "status", "updated_at"}).
						AddRow("b1", "u1", "ACTIVE", now))
				mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "bookings" WHERE "bookings"."id" = $1`)).
					WithArgs("b1").
					WillReturnError(errors.New("permission denied"))
				mock.ExpectRollback()
			},
			write: func(s Store) error {
				return s.DeleteBooking(context.Background(), "b1")
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			gormDB, mock := newTestDB(t)
			pub := &recordingPublisher{}
			store := NewGormStore(gormDB, pub, nil)

			tc.mockExpectations(mock)

			err := tc.write(store)

			require.Error(t, err)
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
			}
			assert.Empty(t, pub.types())
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestGormStore_BookingLifecycle(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	pub := &recordingPublisher{}
	s := NewGormStore(db, pub, nil)

	rental, err := s.SaveRental(ctx, model.Rental{Title: "Hof Birkenweg", OwnerID: "o1", PricePerMonth: 280, Published: true})
	require.NoError(t, err)
	unit, err := s.SaveUnit(ctx, model.Unit{RentalID: rental.ID, Name: "Box 1", Available: true, Price: 280})
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b, err := s.CreateBooking(ctx, model.Booking{UnitID: unit.ID, RenterID: "p1", StartDate: start, ClientRef: "tmp-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, model.StatusActive, b.Status)
	assert.Equal(t, model.PaymentPending, b.PaymentStatus)

	updated, err := s.UpdateBooking(ctx, b.ID, map[string]any{"payment_status": "paid", "price": 280.0})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPaid, updated.PaymentStatus)
	assert.Equal(t, "tmp-1", updated.ClientRef)
	assert.False(t, updated.UpdatedAt.Before(b.UpdatedAt))

	cancelled, err := s.CancelBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)

	rows, err := s.Load(ctx, filter.For(entity.Bookings, filter.Eq("status", "CANCELLED")))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, b.ID, rows[0].ID)
	assert.Equal(t, "tmp-1", rows[0].String("client_ref"))

	require.NoError(t, s.DeleteBooking(ctx, b.ID))
	assert.ErrorIs(t, s.DeleteBooking(ctx, b.ID), ErrNotFound)

	assert.Equal(t, []entity.EventType{
		entity.Insert, entity.Insert, // rental, unit
		entity.Insert, entity.Update, entity.Update, entity.Delete,
	}, pub.types())

	pub.mu.Lock()
	last := pub.events[len(pub.events)-1]
	pub.mu.Unlock()
	assert.Equal(t, entity.Bookings, last.Collection)
	require.NotNil(t, last.Old)
	assert.Equal(t, b.ID, last.Old.ID)
}

func TestGormStore_CatalogUpserts(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	pub := &recordingPublisher{}
	s := NewGormStore(db, pub, nil)

	r, err := s.SaveRental(ctx, model.Rental{ID: "r1", Title: "Old title", OwnerID: "o1"})
	require.NoError(t, err)
	r.Title = "New title"
	_, err = s.SaveRental(ctx, r)
	require.NoError(t, err)

	u, err := s.SaveUnit(ctx, model.Unit{ID: "u1", RentalID: "r1", Name: "Box", Available: true})
	require.NoError(t, err)
	u, err = s.SetUnitAvailability(ctx, u.ID, false)
	require.NoError(t, err)
	assert.False(t, u.Available)

	_, err = s.SetUnitAvailability(ctx, "missing", true)
	assert.ErrorIs(t, err, ErrNotFound)

	rentals, err := s.Load(ctx, filter.All(entity.Rentals))
	require.NoError(t, err)
	require.Len(t, rentals, 1)
	assert.Equal(t, "New title", rentals[0].String("title"))

	assert.Equal(t, []entity.EventType{entity.Insert, entity.Update, entity.Insert, entity.Update}, pub.types())
}

func TestGormStore_PublishFailureKeepsWrite(t *testing.T) {
	ctx := context.Background()
	db := newSQLiteDB(t)
	s := NewGormStore(db, &recordingPublisher{err: errors.New("nats: connection closed")}, nil)

	_, err := s.SaveRental(ctx, model.Rental{ID: "r1", Title: "Stall am See", OwnerID: "o1"})
	require.NoError(t, err)

	rows, err := s.Load(ctx, filter.All(entity.Rentals))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGormStore_PushSubscriptions(t *testing.T) {
	ctx := context.Background()
	s := NewGormStore(newSQLiteDB(t), nil, nil)

	sub := model.PushSubscription{Endpoint: "https://push.example/abc", P256DH: "key", Auth: "auth", OwnerID: "o1"}
	require.NoError(t, s.SavePushSubscription(ctx, sub))
	sub.Auth = "rotated"
	require.NoError(t, s.SavePushSubscription(ctx, sub))

	got, err := s.GetPushSubscription(ctx, sub.Endpoint)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Auth)

	require.NoError(t, s.DeletePushSubscription(ctx, sub.Endpoint))
	_, err = s.GetPushSubscription(ctx, sub.Endpoint)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Any is a helper for sqlmock to match any argument.
type Any struct{}

// Match satisfies the sqlmock.Argument interface
func (a Any) Match(v driver.Value) bool {
	return true
}

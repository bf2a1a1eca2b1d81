package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/feed"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/model"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidField is returned for a partial update naming a column that may not change.
	ErrInvalidField = errors.New("field cannot be updated")
)

// Store defines the interface for all database operations. Every committed write
// publishes the matching change event.
type Store interface {
	Load(ctx context.Context, f filter.Filter) ([]entity.Entity, error)

	CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	UpdateBooking(ctx context.Context, id string, fields map[string]any) (model.Booking, error)
	CancelBooking(ctx context.Context, id string) (model.Booking, error)
	DeleteBooking(ctx context.Context, id string) error

	SaveRental(ctx context.Context, r model.Rental) (model.Rental, error)
	SaveUnit(ctx context.Context, u model.Unit) (model.Unit, error)
	SetUnitAvailability(ctx context.Context, id string, available bool) (model.Unit, error)

	SavePushSubscription(ctx context.Context, sub model.PushSubscription) error
	GetPushSubscription(ctx context.Context, endpoint string) (model.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) error

	DB() *gorm.DB
}

// gormStore implements the Store interface using GORM.
type gormStore struct {
	db        *gorm.DB
	publisher feed.Publisher
	logger    *zap.Logger
}

// NewGormStore creates a new GORM-backed store. publisher may be nil, in which case
// writes are not announced.
func NewGormStore(db *gorm.DB, publisher feed.Publisher, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &gormStore{db: db, publisher: publisher, logger: logger}
}

func (s *gormStore) DB() *gorm.DB {
	return s.db
}

// Load reads a collection, narrowed server-side by f. The narrowing may be coarser
// than f; callers re-check rows with f.Match.
func (s *gormStore) Load(ctx context.Context, f filter.Filter) ([]entity.Entity, error) {
	q := f.Apply(s.db.WithContext(ctx)).Order("created_at, id")

	switch f.Collection() {
	case entity.Rentals:
		var rows []model.Rental
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load rentals: %w", err)
		}
		return toEntities(rows, model.Rental.ToEntity), nil
	case entity.Units:
		var rows []model.Unit
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load units: %w", err)
		}
		return toEntities(rows, model.Unit.ToEntity), nil
	case entity.Bookings:
		var rows []model.Booking
		if err := q.Find(&rows).Error; err != nil {
			return nil, fmt.Errorf("failed to load bookings: %w", err)
		}
		return toEntities(rows, model.Booking.ToEntity), nil
	}
	return nil, fmt.Errorf("unknown collection %q", f.Collection())
}

func toEntities[T any](rows []T, conv func(T) entity.Entity) []entity.Entity {
	out := make([]entity.Entity, len(rows))
	for i, r := range rows {
		out[i] = conv(r)
	}
	return out
}

// publish announces a committed write. A failed publish does not undo the write;
// subscribers catch up on their next refresh.
func (s *gormStore) publish(ctx context.Context, typ entity.EventType, collection string, e entity.Entity) {
	if s.publisher == nil {
		return
	}
	ev := entity.ChangeEvent{Type: typ, Collection: collection, At: e.UpdatedAt}
	if typ == entity.Delete {
		ev.Old = &e
	} else {
		ev.New = &e
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish change event",
			zap.String("collection", collection), zap.String("id", e.ID), zap.Stringer("type", typ), zap.Error(err))
	}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return fmt.Errorf("failed to fetch %s %s: %w", what, id, err)
}

package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/model"
)

// CreateBooking inserts b under a new durable id. b.ClientRef carries the temporary id
// of the optimistic row it confirms.
func (s *gormStore) CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error) {
	if b.UnitID == "" {
		return model.Booking{}, fmt.Errorf("booking needs a unit_id")
	}
	b.ID = uuid.NewString()
	if b.Status == "" {
		b.Status = model.StatusActive
	}
	if b.PaymentStatus == "" {
		b.PaymentStatus = model.PaymentPending
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model.Unit{}, "id = ?", b.UnitID).Error; err != nil {
			return notFound(err, "unit", b.UnitID)
		}
		if err := tx.Create(&b).Error; err != nil {
			return fmt.Errorf("failed to create booking: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}

	s.publish(ctx, entity.Insert, entity.Bookings, b.ToEntity())
	return b, nil
}

// UpdateBooking applies a partial update. Only BookingColumns may change.
func (s *gormStore) UpdateBooking(ctx context.Context, id string, fields map[string]any) (model.Booking, error) {
	for k := range fields {
		if !slices.Contains(model.BookingColumns, k) {
			return model.Booking{}, fmt.Errorf("%q: %w", k, ErrInvalidField)
		}
	}

	var b model.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&b, "id = ?", id).Error; err != nil {
			return notFound(err, "booking", id)
		}
		updated := model.BookingFromEntity(b.ToEntity().With(entity.Entity{Fields: fields}))
		updated.CreatedAt = b.CreatedAt
		if err := tx.Save(&updated).Error; err != nil {
			return fmt.Errorf("failed to update booking %s: %w", id, err)
		}
		b = updated
		return nil
	})
	if err != nil {
		return model.Booking{}, err
	}

	s.publish(ctx, entity.Update, entity.Bookings, b.ToEntity())
	return b, nil
}

func (s *gormStore) CancelBooking(ctx context.Context, id string) (model.Booking, error) {
	return s.UpdateBooking(ctx, id, map[string]any{"status": string(model.StatusCancelled)})
}

func (s *gormStore) DeleteBooking(ctx context.Context, id string) error {
	var b model.Booking
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&b, "id = ?", id).Error; err != nil {
			return notFound(err, "booking", id)
		}
		if err := tx.Delete(&b).Error; err != nil {
			return fmt.Errorf("failed to delete booking %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.publish(ctx, entity.Delete, entity.Bookings, b.ToEntity())
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/model"
)

// SaveRental upserts a rental, assigning an id when r has none.
func (s *gormStore) SaveRental(ctx context.Context, r model.Rental) (model.Rental, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.UpdatedAt = time.Now().UTC()
	typ, err := s.upsert(ctx, &model.Rental{}, r.ID, &r,
		[]string{"title", "owner_id", "location", "price_per_month", "published", "updated_at"})
	if err != nil {
		return model.Rental{}, fmt.Errorf("failed to save rental %s: %w", r.ID, err)
	}
	s.publish(ctx, typ, entity.Rentals, r.ToEntity())
	return r, nil
}

// SaveUnit upserts a unit, assigning an id when u has none.
func (s *gormStore) SaveUnit(ctx context.Context, u model.Unit) (model.Unit, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.UpdatedAt = time.Now().UTC()
	typ, err := s.upsert(ctx, &model.Unit{}, u.ID, &u,
		[]string{"rental_id", "name", "available", "price", "updated_at"})
	if err != nil {
		return model.Unit{}, fmt.Errorf("failed to save unit %s: %w", u.ID, err)
	}
	s.publish(ctx, typ, entity.Units, u.ToEntity())
	return u, nil
}

// upsert creates or updates row in one transaction and reports which it was.
func (s *gormStore) upsert(ctx context.Context, kind any, id string, row any, columns []string) (entity.EventType, error) {
	typ := entity.Insert
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(kind).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			typ = entity.Update
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).Create(row).Error
	})
	return typ, err
}

// SetUnitAvailability flips a unit's availability flag.
func (s *gormStore) SetUnitAvailability(ctx context.Context, id string, available bool) (model.Unit, error) {
	var u model.Unit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&u, "id = ?", id).Error; err != nil {
			return notFound(err, "unit", id)
		}
		u.Available = available
		if err := tx.Save(&u).Error; err != nil {
			return fmt.Errorf("failed to update unit %s: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return model.Unit{}, err
	}

	s.publish(ctx, entity.Update, entity.Units, u.ToEntity())
	return u, nil
}

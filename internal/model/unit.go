package model

import (
	"time"

	"stable-sync-backend/internal/entity"
)

// Unit is a bookable box inside a rental.
type Unit struct {
	ID        string    `gorm:"primaryKey;size:64"`
	RentalID  string    `gorm:"index;size:64;not null"`
	Name      string    `gorm:"size:128;not null"`
	Available bool      `gorm:"not null;default:true"`
	Price     float64   `gorm:"not null;default:0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`

	// Associations
	Rental Rental `gorm:"constraint:OnDelete:CASCADE"`
}

func (u Unit) ToEntity() entity.Entity {
	return entity.New(u.ID, map[string]any{
		"rental_id": u.RentalID,
		"name":      u.Name,
		"available": u.Available,
		"price":     u.Price,
	}, u.UpdatedAt)
}

func UnitFromEntity(e entity.Entity) Unit {
	price, _ := e.Float("price")
	return Unit{
		ID:        e.ID,
		RentalID:  e.String("rental_id"),
		Name:      e.String("name"),
		Available: e.Bool("available"),
		Price:     price,
		UpdatedAt: e.UpdatedAt,
	}
}

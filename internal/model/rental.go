package model

import (
	"time"

	"stable-sync-backend/internal/entity"
)

// Rental is a stable listing offered by an owner.
type Rental struct {
	ID            string    `gorm:"primaryKey;size:64"`
	Title         string    `gorm:"size:256;not null"`
	OwnerID       string    `gorm:"index;size:64;not null"`
	Location      string    `gorm:"size:256"`
	PricePerMonth float64   `gorm:"not null;default:0"`
	Published     bool      `gorm:"not null;default:false"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`

	// Associations
	Units []Unit `gorm:"foreignKey:RentalID"`
}

// ToEntity converts the row into its change-feed shape.
func (r Rental) ToEntity() entity.Entity {
	return entity.New(r.ID, map[string]any{
		"title":           r.Title,
		"owner_id":        r.OwnerID,
		"location":        r.Location,
		"price_per_month": r.PricePerMonth,
		"published":       r.Published,
	}, r.UpdatedAt)
}

// RentalFromEntity is the inverse of Rental.ToEntity.
func RentalFromEntity(e entity.Entity) Rental {
	price, _ := e.Float("price_per_month")
	return Rental{
		ID:            e.ID,
		Title:         e.String("title"),
		OwnerID:       e.String("owner_id"),
		Location:      e.String("location"),
		PricePerMonth: price,
		Published:     e.Bool("published"),
		UpdatedAt:     e.UpdatedAt,
	}
}

package model

import (
	"time"

	"stable-sync-backend/internal/entity"
)

// BookingStatus is the lifecycle state of a booking.
type BookingStatus string

const (
	StatusActive    BookingStatus = "ACTIVE"
	StatusPending   BookingStatus = "PENDING"
	StatusEnded     BookingStatus = "ENDED"
	StatusCancelled BookingStatus = "CANCELLED"
)

// PaymentStatus tracks the payment of a booking. Payment processing itself lives elsewhere.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentPending PaymentStatus = "pending"
	PaymentFailed  PaymentStatus = "failed"
)

// Booking is a renter's claim on a unit for a date range. A nil EndDate is open-ended.
type Booking struct {
	ID            string        `gorm:"primaryKey;size:64"`
	UnitID        string        `gorm:"index;size:64;not null"`
	RenterID      string        `gorm:"index;size:64;not null"`
	Status        BookingStatus `gorm:"index;size:16;not null"`
	PaymentStatus PaymentStatus `gorm:"size:16;not null;default:pending"`
	StartDate     time.Time     `gorm:"not null"`
	EndDate       *time.Time
	Price         float64   `gorm:"not null;default:0"`
	ClientRef     string    `gorm:"index;size:64"` // temporary id of the optimistic row this booking confirms
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (b Booking) ToEntity() entity.Entity {
	fields := map[string]any{
		"unit_id":        b.UnitID,
		"renter_id":      b.RenterID,
		"status":         string(b.Status),
		"payment_status": string(b.PaymentStatus),
		"start_date":     b.StartDate,
		"price":          b.Price,
	}
	if b.EndDate != nil {
		fields["end_date"] = *b.EndDate
	}
	if b.ClientRef != "" {
		fields["client_ref"] = b.ClientRef
	}
	return entity.New(b.ID, fields, b.UpdatedAt)
}

func BookingFromEntity(e entity.Entity) Booking {
	price, _ := e.Float("price")
	start, _ := e.Time("start_date")
	b := Booking{
		ID:            e.ID,
		UnitID:        e.String("unit_id"),
		RenterID:      e.String("renter_id"),
		Status:        BookingStatus(e.String("status")),
		PaymentStatus: PaymentStatus(e.String("payment_status")),
		StartDate:     start,
		Price:         price,
		ClientRef:     e.String("client_ref"),
		UpdatedAt:     e.UpdatedAt,
	}
	if end, ok := e.Time("end_date"); ok {
		b.EndDate = &end
	}
	return b
}

// BookingColumns lists the fields a partial booking update may touch.
var BookingColumns = []string{"unit_id", "renter_id", "status", "payment_status", "start_date", "end_date", "price"}

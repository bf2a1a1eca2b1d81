package model

import "time"

// PushSubscription holds the information for a browser push subscription that
// receives conflict alerts.
type PushSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	OwnerID   string    `gorm:"index;size:64"`
	CreatedAt time.Time `gorm:"not null"`
}

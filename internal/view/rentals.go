package view

import (
	"context"
	"sync"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/merge"
	"stable-sync-backend/internal/model"
)

// ListingSummary is one rental with the aggregates of the units it embeds.
type ListingSummary struct {
	RentalID       string  `json:"rental_id"`
	Title          string  `json:"title"`
	Location       string  `json:"location"`
	Published      bool    `json:"published"`
	PricePerMonth  float64 `json:"price_per_month"`
	Units          int     `json:"units"`
	AvailableUnits int     `json:"available_units"`
	MinUnitPrice   float64 `json:"min_unit_price"`
	MaxUnitPrice   float64 `json:"max_unit_price"`
}

// RentalStats are the overall aggregates of a rental view.
type RentalStats struct {
	Listings         int     `json:"listings"`
	WithAvailability int     `json:"with_availability"`
	MinPrice         float64 `json:"min_price"`
	MaxPrice         float64 `json:"max_price"`
}

// ComputeListings joins rentals with their units, keeping rental order.
func ComputeListings(rentals []model.Rental, units []model.Unit) ([]ListingSummary, RentalStats) {
	byRental := merge.GroupBy(units, func(u model.Unit) string { return u.RentalID })

	listings := make([]ListingSummary, 0, len(rentals))
	stats := RentalStats{Listings: len(rentals)}
	for i, r := range rentals {
		unitStats := ComputeUnitStats(byRental[r.ID])
		listings = append(listings, ListingSummary{
			RentalID:       r.ID,
			Title:          r.Title,
			Location:       r.Location,
			Published:      r.Published,
			PricePerMonth:  r.PricePerMonth,
			Units:          unitStats.Total,
			AvailableUnits: unitStats.Available,
			MinUnitPrice:   unitStats.MinPrice,
			MaxUnitPrice:   unitStats.MaxPrice,
		})
		if unitStats.Available > 0 {
			stats.WithAvailability++
		}
		if i == 0 || r.PricePerMonth < stats.MinPrice {
			stats.MinPrice = r.PricePerMonth
		}
		if i == 0 || r.PricePerMonth > stats.MaxPrice {
			stats.MaxPrice = r.PricePerMonth
		}
	}
	return listings, stats
}

// RentalView depends on rentals and units. A unit change recomputes the listings
// that embed it without any coupling to a UnitView.
type RentalView struct {
	rentals *Collection
	units   *Collection
	hub

	mu       sync.RWMutex
	listings []ListingSummary
	stats    RentalStats
}

// NewRentalView creates a view over the rentals matching expr and all units.
func NewRentalView(deps Deps, expr *filter.Expr) *RentalView {
	v := &RentalView{
		rentals: deps.collection(filter.For(entity.Rentals, expr)),
		units:   deps.collection(filter.All(entity.Units)),
	}
	v.rentals.OnChange(v.recompute)
	v.units.OnChange(v.recompute)
	v.recompute()
	return v
}

func (v *RentalView) recompute() {
	v.mu.Lock()
	v.listings, v.stats = ComputeListings(toRentals(v.rentals.Snapshot()), toUnits(v.units.Snapshot()))
	v.mu.Unlock()
	v.notify()
}

func (v *RentalView) deps() group { return group{v.rentals, v.units} }

func (v *RentalView) Start(ctx context.Context) error   { return v.deps().start(ctx) }
func (v *RentalView) Stop() error                       { return v.deps().stop() }
func (v *RentalView) Refresh(ctx context.Context) error { return v.deps().refresh(ctx) }
func (v *RentalView) State() State                      { return v.deps().state() }
func (v *RentalView) Err() error                        { return v.deps().err() }
func (v *RentalView) Rentals() *Collection              { return v.rentals }

func (v *RentalView) Listings() []ListingSummary {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.listings
}

func (v *RentalView) Stats() RentalStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.stats
}

func toRentals(items []entity.Entity) []model.Rental {
	out := make([]model.Rental, len(items))
	for i, e := range items {
		out[i] = model.RentalFromEntity(e)
	}
	return out
}

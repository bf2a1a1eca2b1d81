package view

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/metrics"
	"stable-sync-backend/internal/model"
)

// BookingStats are the aggregates of a booking view. OccupancyRate is the percentage
// of units with at least one active booking.
type BookingStats struct {
	Total          int     `json:"total"`
	Active         int     `json:"active"`
	Pending        int     `json:"pending"`
	PendingPayment int     `json:"pending_payment"`
	Ended          int     `json:"ended"`
	Cancelled      int     `json:"cancelled"`
	OccupancyRate  float64 `json:"occupancy_rate"`
	ActiveRevenue  float64 `json:"active_revenue"`
}

// ComputeBookingStats derives BookingStats from the full booking and unit sets.
func ComputeBookingStats(bookings []model.Booking, units []model.Unit) BookingStats {
	stats := BookingStats{Total: len(bookings)}
	occupied := make(map[string]struct{})
	for _, b := range bookings {
		switch b.Status {
		case model.StatusActive:
			stats.Active++
			stats.ActiveRevenue += b.Price
			occupied[b.UnitID] = struct{}{}
			if b.PaymentStatus == model.PaymentPending {
				stats.PendingPayment++
			}
		case model.StatusPending:
			stats.Pending++
		case model.StatusEnded:
			stats.Ended++
		case model.StatusCancelled:
			stats.Cancelled++
		}
	}
	if len(units) > 0 {
		n := 0
		for _, u := range units {
			if _, ok := occupied[u.ID]; ok {
				n++
			}
		}
		stats.OccupancyRate = float64(n) / float64(len(units)) * 100
	}
	return stats
}

// BookingView depends on bookings and units and re-runs conflict detection in full on
// every change.
type BookingView struct {
	bookings *Collection
	units    *Collection
	logger   *zap.Logger
	metrics  *metrics.Metrics
	hub

	mu        sync.RWMutex
	stats     BookingStats
	conflicts []conflict.Report
}

// NewBookingView creates a view over the bookings matching expr and all units.
func NewBookingView(deps Deps, expr *filter.Expr) *BookingView {
	v := &BookingView{
		bookings: deps.collection(filter.For(entity.Bookings, expr)),
		units:    deps.collection(filter.All(entity.Units)),
		logger:   deps.logger(),
		metrics:  deps.Metrics,
	}
	v.bookings.OnChange(v.recompute)
	v.units.OnChange(v.recompute)
	v.recompute()
	return v
}

func (v *BookingView) recompute() {
	// v.mu is held across the snapshot reads so recomputes are serialized.
	v.mu.Lock()
	bookings := toBookings(v.bookings.Snapshot())
	units := toUnits(v.units.Snapshot())
	before := len(v.conflicts)
	v.stats = ComputeBookingStats(bookings, units)
	reports := conflict.Detect(bookings, units)
	v.conflicts = reports
	v.mu.Unlock()

	if before != len(reports) {
		v.logger.Info("booking conflicts changed", zap.Int("before", before), zap.Int("after", len(reports)))
	}
	v.metrics.SetConflicts(conflict.CountByKind(reports))
	v.notify()
}

func (v *BookingView) deps() group { return group{v.bookings, v.units} }

func (v *BookingView) Start(ctx context.Context) error   { return v.deps().start(ctx) }
func (v *BookingView) Stop() error                       { return v.deps().stop() }
func (v *BookingView) Refresh(ctx context.Context) error { return v.deps().refresh(ctx) }
func (v *BookingView) State() State                      { return v.deps().state() }
func (v *BookingView) Err() error                        { return v.deps().err() }
func (v *BookingView) Bookings() *Collection             { return v.bookings }

func (v *BookingView) Stats() BookingStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.stats
}

// Conflicts returns the reports of the latest evaluation.
func (v *BookingView) Conflicts() []conflict.Report {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.conflicts
}

// Records returns the current bookings as typed rows.
func (v *BookingView) Records() []model.Booking {
	return toBookings(v.bookings.Snapshot())
}

func toBookings(items []entity.Entity) []model.Booking {
	out := make([]model.Booking, len(items))
	for i, e := range items {
		out[i] = model.BookingFromEntity(e)
	}
	return out
}

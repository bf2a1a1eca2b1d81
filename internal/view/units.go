package view

import (
	"context"
	"sync"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/model"
)

// UnitStats are the aggregates of a unit view. Prices span available units only.
type UnitStats struct {
	Total             int            `json:"total"`
	Available         int            `json:"available"`
	MinPrice          float64        `json:"min_price"`
	MaxPrice          float64        `json:"max_price"`
	AvailableByRental map[string]int `json:"available_by_rental"`
}

// ComputeUnitStats derives UnitStats from the full unit set.
func ComputeUnitStats(units []model.Unit) UnitStats {
	stats := UnitStats{Total: len(units), AvailableByRental: make(map[string]int)}
	first := true
	for _, u := range units {
		if !u.Available {
			continue
		}
		stats.Available++
		stats.AvailableByRental[u.RentalID]++
		if first || u.Price < stats.MinPrice {
			stats.MinPrice = u.Price
		}
		if first || u.Price > stats.MaxPrice {
			stats.MaxPrice = u.Price
		}
		first = false
	}
	return stats
}

// UnitView is the live availability view over units.
type UnitView struct {
	units *Collection
	hub

	mu    sync.RWMutex
	stats UnitStats
}

// NewUnitView creates a view over the units matching expr. A nil expr selects all units.
func NewUnitView(deps Deps, expr *filter.Expr) *UnitView {
	v := &UnitView{units: deps.collection(filter.For(entity.Units, expr))}
	v.units.OnChange(v.recompute)
	v.recompute()
	return v
}

func (v *UnitView) recompute() {
	v.mu.Lock()
	v.stats = ComputeUnitStats(toUnits(v.units.Snapshot()))
	v.mu.Unlock()
	v.notify()
}

func (v *UnitView) Start(ctx context.Context) error   { return group{v.units}.start(ctx) }
func (v *UnitView) Stop() error                       { return group{v.units}.stop() }
func (v *UnitView) Refresh(ctx context.Context) error { return group{v.units}.refresh(ctx) }
func (v *UnitView) State() State                      { return group{v.units}.state() }
func (v *UnitView) Err() error                        { return group{v.units}.err() }
func (v *UnitView) Units() *Collection                { return v.units }

func (v *UnitView) Stats() UnitStats {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.stats
}

func toUnits(items []entity.Entity) []model.Unit {
	out := make([]model.Unit, len(items))
	for i, e := range items {
		out[i] = model.UnitFromEntity(e)
	}
	return out
}

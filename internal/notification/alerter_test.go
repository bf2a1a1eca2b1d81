package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/model"
	"stable-sync-backend/internal/view"
)

type staticLoader map[string][]entity.Entity

func (l staticLoader) Load(_ context.Context, f filter.Filter) ([]entity.Entity, error) {
	return l[f.Collection()], nil
}

type recordingDispatcher struct {
	mu      sync.Mutex
	reports []conflict.Report
	full    bool
}

func (d *recordingDispatcher) TryDispatch(r conflict.Report) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.full {
		return false
	}
	d.reports = append(d.reports, r)
	return true
}

func (d *recordingDispatcher) units() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for _, r := range d.reports {
		out = append(out, r.UnitID)
	}
	return out
}

var start = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func active(id, unit string) entity.Entity {
	return model.Booking{ID: id, UnitID: unit, Status: model.StatusActive, PaymentStatus: model.PaymentPaid, StartDate: start, UpdatedAt: start}.ToEntity()
}

func upsert(e entity.Entity) entity.ChangeEvent {
	e.UpdatedAt = time.Now()
	return entity.ChangeEvent{Type: entity.Update, Collection: entity.Bookings, New: &e, At: e.UpdatedAt}
}

func newBookingView(t *testing.T, bookings ...entity.Entity) *view.BookingView {
	t.Helper()
	loader := staticLoader{
		entity.Bookings: bookings,
		entity.Units: {
			model.Unit{ID: "u1", Available: true}.ToEntity(),
			model.Unit{ID: "u2", Available: true}.ToEntity(),
		},
	}
	v := view.NewBookingView(view.Deps{Loader: loader, Policy: view.EventDriven()}, nil)
	require.NoError(t, v.Start(context.Background()))
	return v
}

func TestAlerter_OneAlertPerConflictedUnit(t *testing.T) {
	v := newBookingView(t, active("b1", "u1"), active("b2", "u1"))
	d := &recordingDispatcher{}
	a := NewAlerter(v, d, conflict.Critical, 0, nil)

	a.Start()
	assert.Equal(t, []string{"u1"}, d.units(), "two reports on one unit give one alert")

	// A third booking on the same unit is the same conflict.
	v.Bookings().Apply(upsert(active("b3", "u1")))
	assert.Equal(t, []string{"u1"}, d.units())

	v.Bookings().Apply(upsert(active("b4", "u2")))
	v.Bookings().Apply(upsert(active("b5", "u2")))
	assert.Equal(t, []string{"u1", "u2"}, d.units())
}

func TestAlerter_RealertsAfterConflictClears(t *testing.T) {
	v := newBookingView(t, active("b1", "u1"), active("b2", "u1"))
	d := &recordingDispatcher{}
	a := NewAlerter(v, d, conflict.Critical, 0, nil)
	a.Start()

	ended := active("b2", "u1").With(entity.Entity{Fields: map[string]any{"status": string(model.StatusEnded)}})
	v.Bookings().Apply(upsert(ended))
	assert.Empty(t, v.Conflicts())

	v.Bookings().Apply(upsert(active("b2", "u1")))
	assert.Equal(t, []string{"u1", "u1"}, d.units())
}

func TestAlerter_SeverityFloorAndDroppedAlerts(t *testing.T) {
	pending := model.Booking{ID: "b1", UnitID: "u1", Status: model.StatusActive, PaymentStatus: model.PaymentPending, StartDate: start}.ToEntity()
	v := newBookingView(t, pending)
	d := &recordingDispatcher{full: true}
	a := NewAlerter(v, d, conflict.Low, 0, nil)

	a.Start()
	assert.Empty(t, d.units())

	// The dropped alert is retried on the next change.
	d.mu.Lock()
	d.full = false
	d.mu.Unlock()
	v.Bookings().Apply(upsert(active("b7", "u2")))
	assert.Equal(t, []string{"u1"}, d.units())

	a.Stop()
	v.Bookings().Apply(upsert(active("b8", "u2")))
	assert.Equal(t, []string{"u1"}, d.units())
}

func TestAlerter_DebouncedBurstEvaluatesOnce(t *testing.T) {
	v := newBookingView(t, active("b1", "u1"))
	d := &recordingDispatcher{}
	a := NewAlerter(v, d, conflict.Critical, 30*time.Millisecond, nil)
	a.Start()
	defer a.Stop()

	// The conflict on u2 opens and closes inside one quiet window, so only u1 is alerted.
	v.Bookings().Apply(upsert(active("b2", "u1")))
	v.Bookings().Apply(upsert(active("b3", "u2")))
	v.Bookings().Apply(upsert(active("b4", "u2")))
	ended := active("b4", "u2").With(entity.Entity{Fields: map[string]any{"status": string(model.StatusEnded)}})
	v.Bookings().Apply(upsert(ended))
	assert.Empty(t, d.units())

	require.Eventually(t, func() bool { return len(d.units()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"u1"}, d.units())

	a.Stop()
	v.Bookings().Apply(upsert(active("b5", "u2")))
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"u1"}, d.units())
}

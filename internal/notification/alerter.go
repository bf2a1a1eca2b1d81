package notification

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"stable-sync-backend/internal/conflict"
	"stable-sync-backend/internal/eventutil"
	"stable-sync-backend/internal/view"
)

// droppedLogInterval bounds how often a full alert queue is logged.
const droppedLogInterval = 30 * time.Second

// Dispatcher queues a conflict alert without blocking.
type Dispatcher interface {
	TryDispatch(r conflict.Report) bool
}

// Alerter watches a BookingView and dispatches one alert per newly detected conflict
// on a unit. A conflict that clears and reappears is alerted again.
type Alerter struct {
	view   *view.BookingView
	pool   Dispatcher
	floor  conflict.Severity
	logger *zap.Logger

	debounce *eventutil.Debouncer[struct{}]
	dropped  *eventutil.Throttler[conflict.Report]

	mu      sync.Mutex
	active  map[string]struct{}
	started bool
	stopped bool
}

// NewAlerter alerts on reports of at least floor severity. Conflicts are evaluated once
// the view has been quiet for window; a zero window evaluates on every change.
func NewAlerter(v *view.BookingView, pool Dispatcher, floor conflict.Severity, window time.Duration, logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Alerter{view: v, pool: pool, floor: floor, logger: logger, active: make(map[string]struct{})}
	if window > 0 {
		a.debounce = eventutil.Debounce(func(struct{}) { a.check() }, window)
	}
	a.dropped = eventutil.Throttle(func(r conflict.Report) {
		a.logger.Warn("alert queue full; retrying on next change",
			zap.String("kind", string(r.Kind)), zap.String("unit_id", r.UnitID))
	}, droppedLogInterval)
	return a
}

// Start registers with the view and evaluates the current conflicts.
func (a *Alerter) Start() {
	a.mu.Lock()
	first := !a.started
	a.started, a.stopped = true, false
	a.mu.Unlock()
	if first {
		a.view.OnChange(a.changed)
	}
	a.check()
}

func (a *Alerter) Stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	if a.debounce != nil {
		a.debounce.Cancel()
	}
}

func (a *Alerter) changed() {
	if a.debounce != nil {
		a.debounce.Call(struct{}{})
		return
	}
	a.check()
}

func (a *Alerter) check() {
	reports := a.view.Conflicts()

	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return
	}
	current := make(map[string]struct{})
	var fresh []conflict.Report
	for _, r := range reports {
		if r.Severity < a.floor {
			continue
		}
		key := alertKey(r)
		if _, seen := current[key]; seen {
			continue
		}
		current[key] = struct{}{}
		if _, ok := a.active[key]; !ok {
			fresh = append(fresh, r)
		}
	}
	a.active = current
	a.mu.Unlock()

	for _, r := range fresh {
		if !a.pool.TryDispatch(r) {
			// retried on the next change
			a.mu.Lock()
			delete(a.active, alertKey(r))
			a.mu.Unlock()
			a.dropped.Call(r)
			continue
		}
		a.logger.Info("conflict alert queued",
			zap.String("kind", string(r.Kind)), zap.String("unit_id", r.UnitID), zap.Stringer("severity", r.Severity))
	}
}

func alertKey(r conflict.Report) string {
	return string(r.Kind) + "|" + r.UnitID
}

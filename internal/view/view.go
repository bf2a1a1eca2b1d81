package view

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/metrics"
	"stable-sync-backend/internal/subscription"
)

// Deps are what every view builder needs to open its collections.
type Deps struct {
	Loader Loader
	Subs   *subscription.Manager
	Policy RefreshPolicy
	// Coalesce groups feed events arriving within this window into one cache update.
	Coalesce time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

func (d Deps) collection(f filter.Filter) *Collection {
	c := NewCollection(f, d.Loader, d.Subs, d.Policy, d.logger())
	if d.Coalesce > 0 {
		c.CoalesceEvents(d.Coalesce, maxCoalescedEvents)
	}
	return c
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

// hub fans a view's recomputations out to its listeners.
type hub struct {
	mu        sync.Mutex
	listeners []func()
}

// OnChange registers fn to run after every recomputation.
func (h *hub) OnChange(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners = append(h.listeners, fn)
}

func (h *hub) notify() {
	h.mu.Lock()
	listeners := append([]func(){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn()
	}
}

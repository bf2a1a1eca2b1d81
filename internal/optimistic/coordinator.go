// Package optimistic applies booking mutations to the local view before the backing
// store confirms them, and reconciles or rolls them back afterwards.
package optimistic

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/metrics"
	"stable-sync-backend/internal/model"
	"stable-sync-backend/internal/subscription"
	"stable-sync-backend/internal/view"
)

// OptimisticField marks a cached row that the backing store has not confirmed yet.
const OptimisticField = "optimistic"

var (
	// ErrReconcileTimeout means the write succeeded but no confirming change event
	// arrived in time. The optimistic row has been rolled back.
	ErrReconcileTimeout = errors.New("optimistic update not reconciled in time")
	// ErrConflict is returned by Create when conflicting bookings are rejected.
	ErrConflict = errors.New("booking conflicts with an active booking")
	// ErrUnknownBooking is returned for mutations of a booking the view does not hold.
	ErrUnknownBooking = errors.New("booking not in view")
)

// WriteError is a mutation the backing store rejected. The optimistic row has been
// rolled back.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to %s booking: %v", e.Op, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer is the write side of the backing store.
type Writer interface {
	CreateBooking(ctx context.Context, b model.Booking) (model.Booking, error)
	UpdateBooking(ctx context.Context, id string, fields map[string]any) (model.Booking, error)
	CancelBooking(ctx context.Context, id string) (model.Booking, error)
	DeleteBooking(ctx context.Context, id string) error
}

// Options bound the coordinator's waits.
type Options struct {
	WriteTimeout     time.Duration
	ReconcileTimeout time.Duration
	// RejectConflicts makes Create refuse bookings that overlap an active booking
	// on the same unit instead of only reporting the conflict afterwards.
	RejectConflicts bool
}

// Pending describes a mutation that has been applied locally but not yet confirmed.
type Pending struct {
	TempID      string    `json:"temp_id,omitempty"`
	ID          string    `json:"id"`
	Op          string    `json:"op"`
	IssuedAt    time.Time `json:"issued_at"`
	WriteIssued bool      `json:"write_issued"`
}

// seenMark is what the change feed told us last about a booking id.
type seenMark struct {
	updatedAt time.Time
	deleted   bool
}

// Coordinator runs optimistic booking mutations against one BookingView. Every call
// blocks for at most the write timeout plus the reconcile timeout.
type Coordinator struct {
	writer  Writer
	view    *view.BookingView
	subs    *subscription.Manager
	opts    Options
	logger  *zap.Logger
	metrics *metrics.Metrics

	newTempID func() string
	seen      *cache.Cache

	mu      sync.Mutex
	waiters map[string]chan struct{}
	pending map[string]*Pending
	sub     *subscription.Subscription
}

// New creates a Coordinator. Start must be called before mutations can be confirmed.
func New(writer Writer, v *view.BookingView, subs *subscription.Manager, opts Options, logger *zap.Logger, m *metrics.Metrics) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.ReconcileTimeout <= 0 {
		opts.ReconcileTimeout = 5 * time.Second
	}
	return &Coordinator{
		writer:    writer,
		view:      v,
		subs:      subs,
		opts:      opts,
		logger:    logger,
		metrics:   m,
		newTempID: func() string { return "tmp-" + uuid.NewString() },
		seen:      cache.New(opts.ReconcileTimeout, 2*opts.ReconcileTimeout),
		waiters:   make(map[string]chan struct{}),
		pending:   make(map[string]*Pending),
	}
}

// Start listens for confirming change events on the bookings feed.
func (c *Coordinator) Start(ctx context.Context) error {
	sub, err := c.subs.Subscribe(ctx, filter.All(entity.Bookings), subscription.HandlerFuncs{Event: c.observe})
	if err != nil {
		return fmt.Errorf("failed to watch bookings for confirmations: %w", err)
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) Stop() error {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// observe records confirmed ids, including ones that arrive before the write
// response, and wakes any call waiting on them.
func (c *Coordinator) observe(ev entity.ChangeEvent) {
	var mark seenMark
	switch ev.Type {
	case entity.Insert, entity.Update:
		mark = seenMark{updatedAt: ev.New.UpdatedAt}
	case entity.Delete:
		mark = seenMark{deleted: true}
	default:
		return
	}
	id := ev.Key()

	c.mu.Lock()
	c.seen.SetDefault(id, mark)
	ch, ok := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()
	if ok {
		close(ch)
	}
}

// await blocks until confirmed accepts what the feed has seen for id, the reconcile
// timeout passes or ctx is done.
func (c *Coordinator) await(ctx context.Context, id string, confirmed func(seenMark) bool) error {
	timer := time.NewTimer(c.opts.ReconcileTimeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if v, ok := c.seen.Get(id); ok && confirmed(v.(seenMark)) {
			c.mu.Unlock()
			return nil
		}
		ch, ok := c.waiters[id]
		if !ok {
			ch = make(chan struct{})
			c.waiters[id] = ch
		}
		c.mu.Unlock()

		select {
		case <-ch:
		case <-timer.C:
			return ErrReconcileTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) track(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[p.key()] = p
}

func (c *Coordinator) untrack(p *Pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, p.key())
}

func (p *Pending) key() string {
	if p.TempID != "" {
		return p.TempID
	}
	return p.Op + ":" + p.ID
}

// Pending lists unconfirmed mutations, oldest first.
func (c *Coordinator) Pending() []Pending {
	c.mu.Lock()
	out := make([]Pending, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out
}

func (c *Coordinator) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.WriteTimeout)
}

// finish records the outcome of a mutation and maps it to the caller's error.
func (c *Coordinator) finish(op string, err error) error {
	switch {
	case err == nil:
		c.metrics.Optimistic(op, "confirmed")
	case errors.Is(err, ErrReconcileTimeout), errors.Is(err, context.DeadlineExceeded):
		c.metrics.Optimistic(op, "timed_out")
	default:
		c.metrics.Optimistic(op, "rolled_back")
	}
	return err
}

func optimisticRow(e entity.Entity) entity.Entity {
	return e.With(entity.Entity{Fields: map[string]any{OptimisticField: true}})
}

func insertEvent(e entity.Entity) entity.ChangeEvent {
	return entity.ChangeEvent{Type: entity.Insert, Collection: entity.Bookings, New: &e, At: time.Now().UTC()}
}

func updateEvent(e entity.Entity) entity.ChangeEvent {
	return entity.ChangeEvent{Type: entity.Update, Collection: entity.Bookings, New: &e, At: time.Now().UTC()}
}

func deleteEvent(e entity.Entity) entity.ChangeEvent {
	return entity.ChangeEvent{Type: entity.Delete, Collection: entity.Bookings, Old: &e, At: time.Now().UTC()}
}

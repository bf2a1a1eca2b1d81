// Package subscription keeps one logical change-feed channel per (collection, filter)
// pair and fans accepted events out to the handlers attached to it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/eventutil"
	"stable-sync-backend/internal/feed"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/metrics"
)

// Manager owns the registry of logical channels. The zero value is not usable.
type Manager struct {
	transport feed.Transport
	backoff   eventutil.Backoff
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	channels map[string]*logicalChannel
	subs     map[string]*Subscription
	closed   bool
}

// NewManager creates a Manager. backoff is the retry budget for every channel,
// both for the first connect and for reconnects.
func NewManager(transport feed.Transport, backoff eventutil.Backoff, logger *zap.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		transport: transport,
		backoff:   backoff,
		logger:    logger,
		metrics:   m,
		channels:  make(map[string]*logicalChannel),
		subs:      make(map[string]*Subscription),
	}
}

// Subscription is a handler's attachment to a logical channel.
type Subscription struct {
	id        string
	filter    filter.Filter
	createdAt time.Time
	handler   Handler
	lc        *logicalChannel
	m         *Manager

	mu     sync.Mutex
	closed bool
}

func (s *Subscription) ID() string            { return s.id }
func (s *Subscription) Collection() string    { return s.filter.Collection() }
func (s *Subscription) Filter() filter.Filter { return s.filter }
func (s *Subscription) CreatedAt() time.Time  { return s.createdAt }

// State reports Closed once the subscription was released, else its channel's state.
func (s *Subscription) State() State {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Closed
	}
	return s.lc.State()
}

// Unsubscribe releases the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() error {
	return s.m.Close(s.id)
}

// Subscribe attaches h to the logical channel for f, opening it if needed. Opening
// waits for the transport to acknowledge, retrying with backoff; if the budget runs
// out the error wraps ErrDisconnected.
func (m *Manager) Subscribe(ctx context.Context, f filter.Filter, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", f.Collection())
	}
	sub := &Subscription{
		id:        uuid.NewString(),
		filter:    f,
		createdAt: time.Now().UTC(),
		handler:   h,
		m:         m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	key := f.String()
	lc, shared := m.channels[key]
	if !shared {
		lc = m.newChannel(key, f)
		m.channels[key] = lc
	}
	sub.lc = lc
	lc.attach(sub)
	m.subs[sub.id] = sub
	m.mu.Unlock()

	if shared {
		m.logger.Debug("attached to existing channel", zap.String("filter", key), zap.String("subscription_id", sub.id))
		if st := lc.State(); st == Connected {
			safeCall(m.logger, "state", func() { h.OnStateChange(st) })
		}
		return sub, nil
	}

	if err := lc.open(ctx, sub); err != nil {
		m.mu.Lock()
		delete(m.subs, sub.id)
		m.mu.Unlock()
		lc.detach(sub)
		return nil, err
	}
	return sub, nil
}

// Close releases one subscription. When it was the last handler on its channel the
// transport channel is released too, even mid-reconnect. Unknown ids are ignored.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, id)
	lc := sub.lc
	remaining := lc.detach(sub)
	if remaining == 0 && m.channels[lc.key] == lc {
		delete(m.channels, lc.key)
	}
	m.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()

	var err error
	if remaining == 0 {
		err = lc.teardown()
	}
	safeCall(m.logger, "state", func() { sub.handler.OnStateChange(Closed) })
	return err
}

// CloseAll releases every subscription. The manager stays usable.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.subs))
	for id := range m.subs {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Shutdown releases every subscription and rejects new ones.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return m.CloseAll()
}

// Active lists open subscriptions, oldest first.
func (m *Manager) Active() []*Subscription {
	m.mu.Lock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// release forgets a channel that gave up. Its subscriptions stay registered in state
// Disconnected until their owners close them.
func (m *Manager) release(lc *logicalChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[lc.key] == lc {
		delete(m.channels, lc.key)
	}
}

func (m *Manager) newChannel(key string, f filter.Filter) *logicalChannel {
	ctx, cancel := context.WithCancel(context.Background())
	lc := &logicalChannel{
		key:    key,
		filter: f,
		m:      m,
		logger: m.logger.With(zap.String("collection", f.Collection()), zap.String("filter", key)),
		ctx:    ctx,
		cancel: cancel,
		state:  Disconnected,
	}
	m.metrics.StateChange("", Disconnected.String())
	return lc
}

// logicalChannel is the shared transport channel for one (collection, filter) pair.
type logicalChannel struct {
	key    string
	filter filter.Filter
	m      *Manager
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	handlers []*Subscription
	ch       feed.Channel
	closed   bool
}

func (lc *logicalChannel) State() State {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.state
}

func (lc *logicalChannel) attach(s *Subscription) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.handlers = append(lc.handlers, s)
}

func (lc *logicalChannel) detach(s *Subscription) int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for i, h := range lc.handlers {
		if h == s {
			lc.handlers = append(lc.handlers[:i:i], lc.handlers[i+1:]...)
			break
		}
	}
	return len(lc.handlers)
}

func (lc *logicalChannel) snapshot() []*Subscription {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return append([]*Subscription(nil), lc.handlers...)
}

func (lc *logicalChannel) setState(s State) {
	lc.mu.Lock()
	prev := lc.state
	if prev == s || lc.state == Closed {
		lc.mu.Unlock()
		return
	}
	lc.state = s
	handlers := append([]*Subscription(nil), lc.handlers...)
	lc.mu.Unlock()

	lc.m.metrics.StateChange(prev.String(), s.String())
	lc.logger.Info("subscription state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	for _, h := range handlers {
		safeCall(lc.logger, "state", func() { h.handler.OnStateChange(s) })
	}
}

// connect asks the transport for a channel, retrying with the manager's backoff.
func (lc *logicalChannel) connect(ctx context.Context) (feed.Channel, error) {
	b := lc.m.backoff
	onRetry := b.OnRetry
	b.OnRetry = func(attempt int, err error, wait time.Duration) {
		lc.logger.Warn("change-feed subscribe failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		if onRetry != nil {
			onRetry(attempt, err, wait)
		}
	}

	var ch feed.Channel
	err := eventutil.RetryWithBackoff(ctx, b, func(ctx context.Context) error {
		c, err := lc.m.transport.Subscribe(ctx, lc.filter)
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	return ch, err
}

// adopt installs a fresh transport channel unless the logical channel was torn down
// while it was being obtained, in which case the channel is released at once.
func (lc *logicalChannel) adopt(ch feed.Channel) bool {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		if err := lc.m.transport.Unsubscribe(ch); err != nil {
			lc.logger.Warn("failed to release late channel", zap.Error(err))
		}
		return false
	}
	lc.ch = ch
	lc.mu.Unlock()
	return true
}

// open connects the channel for opener. When opener's ctx ends first, handlers that
// attached in the meantime are told the channel is gone.
func (lc *logicalChannel) open(ctx context.Context, opener *Subscription) error {
	lc.setState(Connecting)

	connectCtx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(lc.ctx, stop)
	defer unhook()

	ch, err := lc.connect(connectCtx)
	if err != nil {
		if lc.ctx.Err() != nil {
			return ErrClosed
		}
		lc.m.release(lc)
		lc.setState(Disconnected)
		if ctx.Err() != nil {
			lc.cancel()
			lc.notifyErrorExcept(opener, fmt.Errorf("%w: %s: %w", ErrDisconnected, lc.filter.Collection(), err))
			return err
		}
		lc.m.metrics.RetryExhausted(lc.filter.Collection())
		terminal := fmt.Errorf("%w: %s: %w", ErrDisconnected, lc.filter.Collection(), err)
		lc.logger.Error("change-feed subscribe gave up", zap.Error(err))
		lc.notifyError(terminal)
		return terminal
	}
	if !lc.adopt(ch) {
		return ErrClosed
	}
	lc.setState(Connected)
	go lc.run(ch)
	return nil
}

func (lc *logicalChannel) run(ch feed.Channel) {
	for {
		select {
		case <-lc.ctx.Done():
			return
		case raw := <-ch.Events():
			lc.dispatch(raw)
		case cause := <-ch.Done():
			lc.drain(ch)
			next, ok := lc.reconnect(cause)
			if !ok {
				return
			}
			ch = next
		}
	}
}

// drain delivers whatever the dropped channel had already buffered.
func (lc *logicalChannel) drain(ch feed.Channel) {
	for {
		select {
		case raw := <-ch.Events():
			lc.dispatch(raw)
		default:
			return
		}
	}
}

func (lc *logicalChannel) reconnect(cause error) (feed.Channel, bool) {
	if lc.ctx.Err() != nil {
		return nil, false
	}
	lc.m.metrics.Reconnect(lc.filter.Collection())
	lc.logger.Warn("change-feed channel dropped, reconnecting", zap.Error(cause))
	lc.setState(Reconnecting)

	ch, err := lc.connect(lc.ctx)
	if err != nil {
		if lc.ctx.Err() != nil {
			return nil, false
		}
		lc.m.release(lc)
		lc.mu.Lock()
		lc.ch = nil
		lc.mu.Unlock()
		lc.setState(Disconnected)
		lc.m.metrics.RetryExhausted(lc.filter.Collection())
		lc.logger.Error("change-feed reconnect gave up", zap.Error(err))
		lc.notifyError(fmt.Errorf("%w: %s: %w", ErrDisconnected, lc.filter.Collection(), err))
		return nil, false
	}
	if !lc.adopt(ch) {
		return nil, false
	}
	lc.setState(Connected)
	return ch, true
}

func (lc *logicalChannel) notifyError(err error) {
	lc.notifyErrorExcept(nil, err)
}

func (lc *logicalChannel) notifyErrorExcept(skip *Subscription, err error) {
	for _, h := range lc.snapshot() {
		if h == skip {
			continue
		}
		safeCall(lc.logger, "error", func() { h.handler.OnError(err) })
	}
}

// dispatch validates a raw event, re-checks it against the filter and hands it to
// every attached handler in order. An update whose entity no longer matches is
// delivered as a delete.
func (lc *logicalChannel) dispatch(raw entity.RawEvent) {
	collection := lc.filter.Collection()
	if raw.Collection == "" {
		raw.Collection = collection
	}
	if raw.Collection != collection {
		lc.m.metrics.EventRejected(collection, "collection")
		return
	}
	ev, err := entity.Decode(raw)
	if err != nil {
		lc.logger.Warn("dropping malformed change event", zap.Error(err))
		lc.m.metrics.EventRejected(collection, "malformed")
		return
	}

	switch ev.Type {
	case entity.Insert:
		if !lc.filter.Match(*ev.New) {
			lc.m.metrics.EventRejected(collection, "filtered")
			return
		}
	case entity.Update:
		if !lc.filter.Match(*ev.New) {
			ev = ev.AsDelete()
		}
	case entity.Delete:
	default:
		lc.m.metrics.EventRejected(collection, "type")
		return
	}

	for _, h := range lc.snapshot() {
		safeCall(lc.logger, "event", func() { h.handler.OnEvent(ev) })
	}
	lc.m.metrics.EventDelivered(collection, ev.Type.String())
}

// teardown stops the read loop and releases the transport channel.
func (lc *logicalChannel) teardown() error {
	lc.mu.Lock()
	if lc.closed {
		lc.mu.Unlock()
		return nil
	}
	lc.closed = true
	ch := lc.ch
	lc.ch = nil
	prev := lc.state
	lc.state = Closed
	lc.mu.Unlock()

	lc.cancel()
	lc.m.metrics.StateChange(prev.String(), Closed.String())
	lc.logger.Info("subscription channel closed")
	if ch == nil {
		return nil
	}
	if err := lc.m.transport.Unsubscribe(ch); err != nil {
		return fmt.Errorf("failed to release %s channel: %w", lc.filter.Collection(), err)
	}
	return nil
}

// Package view builds live, read-only snapshots of collections and the aggregates
// derived from them.
package view

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/eventutil"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/merge"
	"stable-sync-backend/internal/subscription"
)

const (
	reconnectLoadTimeout = 30 * time.Second
	maxCoalescedEvents   = 256
)

// State is the load state of a collection.
type State int

const (
	Idle State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// LoadError reports a failed bulk load. The collection is left in state Failed.
type LoadError struct {
	Collection string
	Err        error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.Collection, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Loader reads the current contents of a collection from the backing store.
type Loader interface {
	Load(ctx context.Context, f filter.Filter) ([]entity.Entity, error)
}

// Collection is the cache of one filtered collection. Its snapshot is replaced, never
// mutated, so callers may hold on to a snapshot and compare it by identity.
type Collection struct {
	filter filter.Filter
	loader Loader
	subs   *subscription.Manager
	policy RefreshPolicy
	logger *zap.Logger

	refreshMu sync.Mutex

	mu         sync.RWMutex
	items      []entity.Entity
	state      State
	err        error
	buffering  bool
	buffered   []step
	stale      bool
	sub        *subscription.Subscription
	cancelPoll context.CancelFunc
	listeners  []func()

	events *eventutil.Batcher[entity.ChangeEvent]
}

// NewCollection creates an idle collection. Start loads it.
func NewCollection(f filter.Filter, loader Loader, subs *subscription.Manager, policy RefreshPolicy, logger *zap.Logger) *Collection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collection{
		filter:    f,
		loader:    loader,
		subs:      subs,
		policy:    policy,
		logger:    logger.With(zap.String("collection", f.Collection())),
		items:     []entity.Entity{},
		buffering: true,
	}
}

// CoalesceEvents makes feed events wait up to window, or until maxPending are queued,
// and applies them in one cache update. Call it before Start.
func (c *Collection) CoalesceEvents(window time.Duration, maxPending int) {
	c.events = eventutil.NewBatcher(c.applyAll, window, maxPending)
}

func (c *Collection) Name() string          { return c.filter.Collection() }
func (c *Collection) Filter() filter.Filter { return c.filter }

// Start subscribes to the change feed (or starts polling) and performs the first load.
// A failed load is returned as a *LoadError.
func (c *Collection) Start(ctx context.Context) error {
	if c.policy.Polling() || c.subs == nil {
		err := c.Refresh(ctx)
		if c.policy.Polling() {
			pollCtx, cancel := context.WithCancel(context.Background())
			c.mu.Lock()
			c.cancelPoll = cancel
			c.mu.Unlock()
			go c.poll(pollCtx, c.policy.Interval())
		}
		return err
	}

	sub, err := c.subs.Subscribe(ctx, c.filter, c)
	if err != nil {
		c.fail(err)
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return c.Refresh(ctx)
}

// Stop releases the subscription or stops polling.
func (c *Collection) Stop() error {
	c.mu.Lock()
	sub, cancel := c.sub, c.cancelPoll
	c.sub, c.cancelPoll = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c.events != nil {
		c.events.Clear()
	}
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// Refresh reloads the collection and replaces the cache wholesale. Change events that
// arrive while the load is in flight are applied on top of the loaded rows.
func (c *Collection) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	c.state = Loading
	c.buffering = true
	c.buffered = nil
	c.mu.Unlock()
	c.notify()

	items, err := c.loader.Load(ctx, c.filter)

	c.mu.Lock()
	buffered := c.buffered
	c.buffered = nil
	c.buffering = false
	if err != nil {
		loadErr := &LoadError{Collection: c.filter.Collection(), Err: err}
		c.state = Failed
		c.err = loadErr
		c.mu.Unlock()
		c.logger.Error("failed to load collection", zap.Error(err))
		c.notify()
		return loadErr
	}
	if items == nil {
		items = []entity.Entity{}
	}
	for _, st := range buffered {
		items = st(items)
	}
	c.items = items
	c.state = Ready
	c.err = nil
	c.mu.Unlock()

	c.logger.Debug("collection loaded", zap.Int("items", len(items)), zap.Int("replayed", len(buffered)))
	c.notify()
	return nil
}

func (c *Collection) poll(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("poll refresh failed", zap.Error(err))
			}
			timer.Reset(interval)
		}
	}
}

// Apply merges ev into the cache. The optimistic coordinator uses it for local
// changes; change events from the feed take the same path.
func (c *Collection) Apply(ev entity.ChangeEvent) {
	c.applyAll([]entity.ChangeEvent{ev})
}

func (c *Collection) applyAll(evs []entity.ChangeEvent) {
	c.mu.Lock()
	for _, ev := range evs {
		c.items = applyEvent(c.items, ev)
		if c.buffering {
			c.buffered = append(c.buffered, func(items []entity.Entity) []entity.Entity { return applyEvent(items, ev) })
		}
	}
	c.mu.Unlock()
	c.notify()
}

// Revert puts prior back under id, or removes id when prior is nil. Unlike Apply it
// ignores timestamps, so a rollback always wins over the optimistic row it undoes.
func (c *Collection) Revert(id string, prior *entity.Entity) {
	c.mu.Lock()
	c.items = revertItem(c.items, id, prior)
	if c.buffering {
		c.buffered = append(c.buffered, func(items []entity.Entity) []entity.Entity { return revertItem(items, id, prior) })
	}
	c.mu.Unlock()
	c.notify()
}

// OnEvent implements subscription.Handler.
func (c *Collection) OnEvent(ev entity.ChangeEvent) {
	if c.policy.Polling() {
		return
	}
	if c.events != nil {
		c.events.Add(ev)
		return
	}
	c.Apply(ev)
}

// OnStateChange implements subscription.Handler. A channel that comes back after a
// reconnect may have missed events, so the collection reloads.
func (c *Collection) OnStateChange(s subscription.State) {
	switch s {
	case subscription.Reconnecting:
		if c.events != nil {
			c.events.Flush()
		}
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
	case subscription.Connected:
		c.mu.Lock()
		stale := c.stale
		c.stale = false
		c.mu.Unlock()
		if !stale {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), reconnectLoadTimeout)
		defer cancel()
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("refresh after reconnect failed", zap.Error(err))
		}
	}
}

// OnError implements subscription.Handler.
func (c *Collection) OnError(err error) {
	c.logger.Error("change feed lost", zap.Error(err))
	c.fail(err)
}

func (c *Collection) fail(err error) {
	c.mu.Lock()
	c.state = Failed
	c.err = err
	c.mu.Unlock()
	c.notify()
}

// Snapshot returns the current rows. The slice must not be modified.
func (c *Collection) Snapshot() []entity.Entity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.items
}

func (c *Collection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Collection) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Get returns the row with the given id.
func (c *Collection) Get(id string) (entity.Entity, bool) {
	return merge.Find(c.Snapshot(), id, entity.Key)
}

// OnChange registers fn to run after every cache or state change.
func (c *Collection) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Collection) notify() {
	c.mu.RLock()
	listeners := append([]func(){}, c.listeners...)
	c.mu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// applyEvent folds one change event into items. An insert or update that carries a
// client_ref retires the optimistic row with that id in the same step. Updates older
// than the cached row are ignored.
func applyEvent(items []entity.Entity, ev entity.ChangeEvent) []entity.Entity {
	switch ev.Type {
	case entity.Insert, entity.Update:
		incoming := *ev.New
		if cur, ok := merge.Find(items, incoming.ID, entity.Key); ok && isStale(cur, incoming) {
			return items
		}
		out := items
		if ref := incoming.String("client_ref"); ref != "" && ref != incoming.ID {
			out = merge.RemoveData(out, []string{ref}, entity.Key)
		}
		return merge.MergeData(out, []entity.Entity{incoming}, entity.Key)
	case entity.Delete:
		return merge.RemoveData(items, []string{ev.Old.ID}, entity.Key)
	}
	return items
}

// step is one cache mutation recorded during a load and replayed over the loaded rows.
type step func([]entity.Entity) []entity.Entity

func revertItem(items []entity.Entity, id string, prior *entity.Entity) []entity.Entity {
	if prior == nil {
		return merge.RemoveData(items, []string{id}, entity.Key)
	}
	return merge.MergeData(items, []entity.Entity{*prior}, entity.Key)
}

func isStale(cur, incoming entity.Entity) bool {
	if cur.UpdatedAt.IsZero() || incoming.UpdatedAt.IsZero() {
		return false
	}
	return incoming.UpdatedAt.Before(cur.UpdatedAt)
}

// group runs a set of collections as one unit.
type group []*Collection

func (g group) start(ctx context.Context) error {
	var errs []error
	for _, c := range g {
		if err := c.Start(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g group) stop() error {
	var errs []error
	for _, c := range g {
		if err := c.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g group) refresh(ctx context.Context) error {
	var errs []error
	for _, c := range g {
		if err := c.Refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// state is the least ready state among the collections.
func (g group) state() State {
	out := Ready
	for _, c := range g {
		switch s := c.State(); {
		case s == Failed:
			return Failed
		case s == Loading:
			out = Loading
		case s == Idle && out != Loading:
			out = Idle
		}
	}
	return out
}

func (g group) err() error {
	for _, c := range g {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

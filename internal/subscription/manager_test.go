package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/eventutil"
	"stable-sync-backend/internal/feed"
	"stable-sync-backend/internal/filter"
	"stable-sync-backend/internal/merge"
)

type recorder struct {
	mu     sync.Mutex
	events []entity.ChangeEvent
	states []State
	errs   []error
}

func (r *recorder) OnEvent(ev entity.ChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) OnStateChange(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) count(s State) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.states {
		if st == s {
			n++
		}
	}
	return n
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// cache folds the recorded events the way a view would and returns id -> available.
func (r *recorder) cache() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Entity
	for _, ev := range r.events {
		switch ev.Type {
		case entity.Insert, entity.Update:
			out = merge.MergeData(out, []entity.Entity{*ev.New}, entity.Key)
		case entity.Delete:
			out = merge.RemoveData(out, []string{ev.Old.ID}, entity.Key)
		}
	}
	snapshot := make(map[string]bool, len(out))
	for _, e := range out {
		snapshot[e.ID] = e.Bool("available")
	}
	return snapshot
}

var testBackoff = eventutil.Backoff{MaxRetries: 3, InitialDelay: 5 * time.Millisecond, Multiplier: 2}

func unit(id string, available bool) *entity.Entity {
	e := entity.New(id, map[string]any{"available": available, "rental_id": "r1"}, time.Now())
	return &e
}

func publish(t *testing.T, b *feed.Broker, typ entity.EventType, e *entity.Entity) {
	t.Helper()
	ev := entity.ChangeEvent{Type: typ, Collection: entity.Units, At: time.Now()}
	if typ == entity.Delete {
		ev.Old = e
	} else {
		ev.New = e
	}
	require.NoError(t, b.Publish(context.Background(), ev))
}

func TestManager_FilteredUpdateBecomesDelete(t *testing.T) {
	broker := feed.NewBroker(16)
	m := NewManager(broker, testBackoff, nil, nil)
	rec := &recorder{}

	f := filter.For(entity.Units, filter.Eq("available", true))
	sub, err := m.Subscribe(context.Background(), f, rec)
	require.NoError(t, err)
	assert.Equal(t, Connected, sub.State())

	publish(t, broker, entity.Insert, unit("u1", true))
	publish(t, broker, entity.Insert, unit("u2", false))
	publish(t, broker, entity.Update, unit("u1", false))

	require.Eventually(t, func() bool { return rec.eventCount() == 2 }, time.Second, 5*time.Millisecond)

	rec.mu.Lock()
	first, second := rec.events[0], rec.events[1]
	rec.mu.Unlock()
	assert.Equal(t, entity.Insert, first.Type)
	assert.Equal(t, "u1", first.Key())
	assert.Equal(t, entity.Delete, second.Type, "update that stops matching is delivered as a delete")
	assert.Equal(t, "u1", second.Key())
	assert.Empty(t, rec.cache())
}

func TestManager_SharesChannelPerFilter(t *testing.T) {
	broker := feed.NewBroker(16)
	m := NewManager(broker, testBackoff, nil, nil)
	f := filter.For(entity.Units, filter.Eq("available", true))

	a, b := &recorder{}, &recorder{}
	subA, err := m.Subscribe(context.Background(), f, a)
	require.NoError(t, err)
	subB, err := m.Subscribe(context.Background(), f, b)
	require.NoError(t, err)
	_, err = m.Subscribe(context.Background(), filter.All(entity.Units), &recorder{})
	require.NoError(t, err)

	assert.Equal(t, 2, broker.ChannelCount())
	assert.Len(t, m.Active(), 3)

	publish(t, broker, entity.Insert, unit("u1", true))
	require.Eventually(t, func() bool { return a.eventCount() == 1 && b.eventCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, subA.Unsubscribe())
	assert.Equal(t, Closed, subA.State())
	assert.Equal(t, Connected, subB.State())
	assert.Equal(t, 2, broker.ChannelCount())

	require.NoError(t, m.Close(subB.ID()))
	require.NoError(t, m.Close(subB.ID()))
	assert.Equal(t, 1, broker.ChannelCount())

	require.NoError(t, m.CloseAll())
	assert.Equal(t, 0, broker.ChannelCount())
	assert.Empty(t, m.Active())
}

func TestManager_ReconnectRecovery(t *testing.T) {
	run := func(t *testing.T, disconnects int) map[string]bool {
		broker := feed.NewBroker(16)
		m := NewManager(broker, testBackoff, nil, nil)
		rec := &recorder{}
		_, err := m.Subscribe(context.Background(), filter.All(entity.Units), rec)
		require.NoError(t, err)

		publish(t, broker, entity.Insert, unit("u1", true))
		publish(t, broker, entity.Insert, unit("u2", true))
		for i := 0; i < disconnects; i++ {
			broker.FailNextSubscribes(1)
			require.Equal(t, 1, broker.Disconnect(entity.Units))
			want := i + 2
			require.Eventually(t, func() bool { return rec.count(Connected) == want }, time.Second, 5*time.Millisecond)
		}
		publish(t, broker, entity.Update, unit("u1", false))
		publish(t, broker, entity.Delete, unit("u2", true))
		publish(t, broker, entity.Insert, unit("u3", true))

		require.Eventually(t, func() bool { return rec.eventCount() == 5 }, time.Second, 5*time.Millisecond)
		assert.Empty(t, rec.errors())
		require.NoError(t, m.CloseAll())
		return rec.cache()
	}

	reference := run(t, 0)
	recovered := run(t, 3)
	assert.Equal(t, reference, recovered)
	assert.Equal(t, map[string]bool{"u1": false, "u3": true}, recovered)
}

func TestManager_RetryExhaustionIsTerminal(t *testing.T) {
	broker := feed.NewBroker(16)
	m := NewManager(broker, testBackoff, nil, nil)
	rec := &recorder{}
	sub, err := m.Subscribe(context.Background(), filter.All(entity.Units), rec)
	require.NoError(t, err)

	broker.FailNextSubscribes(testBackoff.MaxRetries + 1)
	broker.Disconnect(entity.Units)

	require.Eventually(t, func() bool { return len(rec.errors()) == 1 }, time.Second, 5*time.Millisecond)
	err = rec.errors()[0]
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, eventutil.ErrRetriesExhausted)
	assert.ErrorIs(t, err, feed.ErrChannelDropped)
	assert.Equal(t, Disconnected, sub.State())

	// A fresh subscription on the same pair opens a new channel.
	again, err := m.Subscribe(context.Background(), filter.All(entity.Units), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, Connected, again.State())
	require.NoError(t, m.CloseAll())
}

func TestManager_InitialSubscribeFailure(t *testing.T) {
	broker := feed.NewBroker(16)
	broker.FailNextSubscribes(testBackoff.MaxRetries + 1)
	m := NewManager(broker, testBackoff, nil, nil)

	_, err := m.Subscribe(context.Background(), filter.All(entity.Bookings), &recorder{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDisconnected))
	assert.Empty(t, m.Active())
}

func TestManager_CancelledOpenerReleasesSharedChannel(t *testing.T) {
	broker := feed.NewBroker(16)
	broker.FailNextSubscribes(1000)
	slow := eventutil.Backoff{MaxRetries: 50, InitialDelay: 20 * time.Millisecond, Multiplier: 1}
	m := NewManager(broker, slow, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	opener := &recorder{}
	opened := make(chan error, 1)
	go func() {
		_, err := m.Subscribe(ctx, filter.All(entity.Units), opener)
		opened <- err
	}()
	require.Eventually(t, func() bool { return len(m.Active()) == 1 }, time.Second, 5*time.Millisecond)

	joined := &recorder{}
	sub, err := m.Subscribe(context.Background(), filter.All(entity.Units), joined)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sub.State() == Connecting }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-opened:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("opener did not return after cancel")
	}

	require.Len(t, joined.errors(), 1)
	assert.ErrorIs(t, joined.errors()[0], ErrDisconnected)
	assert.Empty(t, opener.errors())
	assert.Equal(t, Disconnected, sub.State())
	assert.Equal(t, 0, broker.ChannelCount())

	// The pair is free again for a fresh channel.
	broker.FailNextSubscribes(0)
	again, err := m.Subscribe(context.Background(), filter.All(entity.Units), &recorder{})
	require.NoError(t, err)
	assert.Equal(t, Connected, again.State())
	require.NoError(t, m.CloseAll())
}

func TestManager_CloseDuringReconnectReleasesChannel(t *testing.T) {
	broker := feed.NewBroker(16)
	slow := eventutil.Backoff{MaxRetries: 50, InitialDelay: 20 * time.Millisecond, Multiplier: 1}
	m := NewManager(broker, slow, nil, nil)
	rec := &recorder{}
	sub, err := m.Subscribe(context.Background(), filter.All(entity.Units), rec)
	require.NoError(t, err)

	broker.FailNextSubscribes(1000)
	broker.Disconnect(entity.Units)
	require.Eventually(t, func() bool { return sub.State() == Reconnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, Closed, sub.State())

	broker.FailNextSubscribes(0)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, broker.ChannelCount())
	assert.Empty(t, rec.errors())
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(feed.NewBroker(4), testBackoff, nil, nil)
	require.NoError(t, m.Shutdown())
	_, err := m.Subscribe(context.Background(), filter.All(entity.Units), &recorder{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	broker := feed.NewBroker(16)
	m := NewManager(broker, testBackoff, nil, nil)
	var mu sync.Mutex
	var seen []string
	h := HandlerFuncs{Event: func(ev entity.ChangeEvent) {
		mu.Lock()
		seen = append(seen, ev.Key())
		mu.Unlock()
		if ev.Key() == "u1" {
			panic("boom")
		}
	}}
	_, err := m.Subscribe(context.Background(), filter.All(entity.Units), h)
	require.NoError(t, err)

	publish(t, broker, entity.Insert, unit("u1", true))
	publish(t, broker, entity.Insert, unit("u2", true))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, m.CloseAll())
}

package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
)

// Broker is an in-process transport and publisher. It delivers every event of a
// collection to every channel on that collection and leaves filtering to the consumer.
type Broker struct {
	buffer int

	mu             sync.Mutex
	channels       map[string]*memChannel
	failSubscribes int
	closed         bool
}

// NewBroker creates a Broker whose channels buffer up to buffer events.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broker{buffer: buffer, channels: make(map[string]*memChannel)}
}

type memChannel struct {
	id         string
	collection string
	events     chan entity.RawEvent
	done       chan error
	quit       chan struct{}
	once       sync.Once
}

func (c *memChannel) ID() string                     { return c.id }
func (c *memChannel) Collection() string             { return c.collection }
func (c *memChannel) Events() <-chan entity.RawEvent { return c.events }
func (c *memChannel) Done() <-chan error             { return c.done }

func (c *memChannel) stop(err error) {
	c.once.Do(func() {
		if err != nil {
			c.done <- err
		}
		close(c.quit)
	})
}

// Subscribe opens a channel on f's collection.
func (b *Broker) Subscribe(ctx context.Context, f filter.Filter) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.failSubscribes > 0 {
		b.failSubscribes--
		return nil, fmt.Errorf("subscribe %s: %w", f.Collection(), ErrChannelDropped)
	}

	ch := &memChannel{
		id:         uuid.NewString(),
		collection: f.Collection(),
		events:     make(chan entity.RawEvent, b.buffer),
		done:       make(chan error, 1),
		quit:       make(chan struct{}),
	}
	b.channels[ch.id] = ch
	return ch, nil
}

// Unsubscribe releases a channel. Unknown or already released channels are ignored.
func (b *Broker) Unsubscribe(ch Channel) error {
	if ch == nil {
		return nil
	}
	b.mu.Lock()
	mc, ok := b.channels[ch.ID()]
	delete(b.channels, ch.ID())
	b.mu.Unlock()

	if ok {
		mc.stop(nil)
	}
	return nil
}

// Publish fans ev out to every channel on its collection, in call order.
func (b *Broker) Publish(ctx context.Context, ev entity.ChangeEvent) error {
	raw := entity.Encode(ev)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	var targets []*memChannel
	for _, ch := range b.channels {
		if ch.collection == ev.Collection {
			targets = append(targets, ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch.events <- raw:
		case <-ch.quit:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Disconnect drops every channel on collection as a transport failure would.
// It returns the number of channels dropped.
func (b *Broker) Disconnect(collection string) int {
	b.mu.Lock()
	var dropped []*memChannel
	for id, ch := range b.channels {
		if ch.collection == collection {
			dropped = append(dropped, ch)
			delete(b.channels, id)
		}
	}
	b.mu.Unlock()

	for _, ch := range dropped {
		ch.stop(ErrChannelDropped)
	}
	return len(dropped)
}

// FailNextSubscribes makes the next n Subscribe calls fail.
func (b *Broker) FailNextSubscribes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failSubscribes = n
}

// ChannelCount reports the number of open channels.
func (b *Broker) ChannelCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Close drops every channel and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	b.closed = true
	channels := b.channels
	b.channels = make(map[string]*memChannel)
	b.mu.Unlock()

	for _, ch := range channels {
		ch.stop(ErrClosed)
	}
	return nil
}

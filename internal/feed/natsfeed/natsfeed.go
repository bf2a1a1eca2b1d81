// Package natsfeed carries change events over NATS subjects, one subject per collection.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/feed"
	"stable-sync-backend/internal/filter"
)

const (
	connectWait   = 5 * time.Second
	maxReconnects = 5
	reconnectWait = 2 * time.Second
)

// Connect dials NATS with bounded client-side reconnects. The subscription manager owns
// the longer retry budget on top of this.
func Connect(url, name string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.Timeout(connectWait),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// Subject returns the subject carrying a collection's events.
func Subject(prefix, collection string) string {
	if prefix == "" {
		return collection
	}
	return prefix + "." + collection
}

// Marshal encodes an event in its transport shape.
func Marshal(ev entity.ChangeEvent) ([]byte, error) {
	return json.Marshal(entity.Encode(ev))
}

// Unmarshal decodes a transport payload. collection fills in a missing collection name.
func Unmarshal(data []byte, collection string) (entity.RawEvent, error) {
	var raw entity.RawEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return entity.RawEvent{}, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if raw.Collection == "" {
		raw.Collection = collection
	}
	return raw, nil
}

// Transport implements feed.Transport on a NATS connection. A connection-level
// disconnect drops every open channel so subscribers run their own reconnect.
type Transport struct {
	conn   *nats.Conn
	prefix string
	buffer int
	logger *zap.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

// New creates a Transport and hooks the connection's disconnect handler.
func New(conn *nats.Conn, prefix string, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		conn:     conn,
		prefix:   prefix,
		buffer:   256,
		logger:   logger,
		channels: make(map[string]*channel),
	}
	conn.SetDisconnectErrHandler(func(_ *nats.Conn, err error) {
		t.logger.Warn("NATS disconnected", zap.Error(err))
		t.dropAll()
	})
	conn.SetReconnectHandler(func(nc *nats.Conn) {
		t.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
	})
	conn.SetClosedHandler(func(_ *nats.Conn) {
		t.logger.Info("NATS connection closed")
		t.dropAll()
	})
	return t
}

type channel struct {
	id         string
	collection string
	sub        *nats.Subscription
	events     chan entity.RawEvent
	done       chan error
	quit       chan struct{}
	once       sync.Once
}

func (c *channel) ID() string                     { return c.id }
func (c *channel) Collection() string             { return c.collection }
func (c *channel) Events() <-chan entity.RawEvent { return c.events }
func (c *channel) Done() <-chan error             { return c.done }

func (c *channel) stop(err error) {
	c.once.Do(func() {
		if err != nil {
			c.done <- err
		}
		close(c.quit)
	})
}

// Subscribe opens a channel on the collection's subject. NATS has no server-side
// predicate support, so every event of the collection is delivered.
func (t *Transport) Subscribe(ctx context.Context, f filter.Filter) (feed.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.conn.IsConnected() {
		return nil, fmt.Errorf("subscribe %s: %w", f.Collection(), feed.ErrChannelDropped)
	}

	ch := &channel{
		id:         uuid.NewString(),
		collection: f.Collection(),
		events:     make(chan entity.RawEvent, t.buffer),
		done:       make(chan error, 1),
		quit:       make(chan struct{}),
	}
	subject := Subject(t.prefix, f.Collection())
	sub, err := t.conn.Subscribe(subject, func(msg *nats.Msg) {
		raw, err := Unmarshal(msg.Data, ch.collection)
		if err != nil {
			t.logger.Warn("dropping malformed change event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		select {
		case ch.events <- raw:
		case <-ch.quit:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to NATS subject %s: %w", subject, err)
	}
	ch.sub = sub

	t.mu.Lock()
	t.channels[ch.id] = ch
	t.mu.Unlock()
	return ch, nil
}

// Unsubscribe releases a channel. It is safe to call more than once.
func (t *Transport) Unsubscribe(c feed.Channel) error {
	if c == nil {
		return nil
	}
	t.mu.Lock()
	ch, ok := t.channels[c.ID()]
	delete(t.channels, c.ID())
	t.mu.Unlock()
	if !ok {
		return nil
	}
	ch.stop(nil)
	if err := ch.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return fmt.Errorf("failed to unsubscribe from NATS: %w", err)
	}
	return nil
}

func (t *Transport) dropAll() {
	t.mu.Lock()
	channels := t.channels
	t.channels = make(map[string]*channel)
	t.mu.Unlock()

	for _, ch := range channels {
		_ = ch.sub.Unsubscribe()
		ch.stop(feed.ErrChannelDropped)
	}
}

// Publisher implements feed.Publisher on a NATS connection.
type Publisher struct {
	conn   *nats.Conn
	prefix string
}

// NewPublisher creates a Publisher.
func NewPublisher(conn *nats.Conn, prefix string) (*Publisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("NATS connection cannot be nil")
	}
	return &Publisher{conn: conn, prefix: prefix}, nil
}

// Publish sends ev on its collection's subject.
func (p *Publisher) Publish(ctx context.Context, ev entity.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event for %s: %w", ev.Collection, err)
	}
	subject := Subject(p.prefix, ev.Collection)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish change event to NATS subject %s: %w", subject, err)
	}
	return nil
}

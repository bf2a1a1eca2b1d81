// Package feed defines the change-feed transport contract and an in-process broker.
package feed

import (
	"context"
	"errors"

	"stable-sync-backend/internal/entity"
	"stable-sync-backend/internal/filter"
)

var (
	// ErrChannelDropped is reported on Channel.Done when the transport loses the channel.
	ErrChannelDropped = errors.New("change-feed channel dropped")
	ErrClosed         = errors.New("change-feed transport closed")
)

// Channel is one live subscription on the transport. Events arrive in transport order.
type Channel interface {
	ID() string
	Collection() string
	Events() <-chan entity.RawEvent
	// Done yields an error when the transport drops the channel. It is never
	// signalled for an explicit Unsubscribe.
	Done() <-chan error
}

// Transport opens and releases channels. Server-side filtering may be coarser than the
// filter it is given; consumers re-check every entity.
type Transport interface {
	Subscribe(ctx context.Context, f filter.Filter) (Channel, error)
	Unsubscribe(ch Channel) error
}

// Publisher emits confirmed change events after the backing store commits.
type Publisher interface {
	Publish(ctx context.Context, ev entity.ChangeEvent) error
}

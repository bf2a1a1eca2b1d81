package subscription

import (
	"errors"

	"go.uber.org/zap"

	"stable-sync-backend/internal/entity"
)

var (
	// ErrClosed is returned by a Manager that no longer accepts subscriptions.
	ErrClosed = errors.New("subscription manager closed")
	// ErrDisconnected is the terminal error handlers receive once the retry budget is spent.
	ErrDisconnected = errors.New("subscription disconnected")
)

// State is the connection state of a logical channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Reconnecting:
		return "RECONNECTING"
	case Closed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// Handler receives a subscription's events in transport arrival order. Calls for one
// logical channel never overlap, so a handler runs to completion before the next event.
type Handler interface {
	OnEvent(ev entity.ChangeEvent)
	OnStateChange(s State)
	OnError(err error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Event func(entity.ChangeEvent)
	State func(State)
	Error func(error)
}

func (h HandlerFuncs) OnEvent(ev entity.ChangeEvent) {
	if h.Event != nil {
		h.Event(ev)
	}
}

func (h HandlerFuncs) OnStateChange(s State) {
	if h.State != nil {
		h.State(s)
	}
}

func (h HandlerFuncs) OnError(err error) {
	if h.Error != nil {
		h.Error(err)
	}
}

// safeCall runs a handler callback and keeps a panicking handler from taking down
// the channel's read loop.
func safeCall(logger *zap.Logger, what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("subscription handler panicked", zap.String("callback", what), zap.Any("panic", r))
		}
	}()
	fn()
}

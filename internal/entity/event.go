package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrUnknownEventType = errors.New("unknown change event type")
	ErrMissingEntity    = errors.New("change event is missing its entity")
)

// EventType tags the variant of a ChangeEvent.
type EventType int

const (
	Insert EventType = iota + 1
	Update
	Delete
)

func (t EventType) String() string {
	switch t {
	case Insert:
		return "INSERT"
	case Update:
		return "UPDATE"
	case Delete:
		return "DELETE"
	}
	return "UNKNOWN"
}

// ParseEventType accepts the transport's spelling of an event type, case-insensitively.
func ParseEventType(s string) (EventType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "INSERT":
		return Insert, nil
	case "UPDATE":
		return Update, nil
	case "DELETE":
		return Delete, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// RawEvent is the loosely typed payload delivered by a change-feed transport.
type RawEvent struct {
	EventType  string    `json:"eventType"`
	Collection string    `json:"collection"`
	New        *Entity   `json:"new"`
	Old        *Entity   `json:"old"`
	At         time.Time `json:"at"`
}

// ChangeEvent is a validated insert, update or delete of one entity in one collection.
// Insert and Update always carry New; Delete always carries Old.
type ChangeEvent struct {
	Type       EventType
	Collection string
	New        *Entity
	Old        *Entity
	At         time.Time
}

// Decode validates a raw transport payload into a ChangeEvent.
func Decode(raw RawEvent) (ChangeEvent, error) {
	typ, err := ParseEventType(raw.EventType)
	if err != nil {
		return ChangeEvent{}, err
	}
	ev := ChangeEvent{Type: typ, Collection: raw.Collection, New: raw.New, Old: raw.Old, At: raw.At}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	switch typ {
	case Insert, Update:
		if raw.New == nil || raw.New.ID == "" {
			return ChangeEvent{}, fmt.Errorf("%w: %s on %s", ErrMissingEntity, typ, raw.Collection)
		}
	case Delete:
		if raw.Old == nil || raw.Old.ID == "" {
			return ChangeEvent{}, fmt.Errorf("%w: %s on %s", ErrMissingEntity, typ, raw.Collection)
		}
	}
	return ev, nil
}

// Encode converts an event back into its transport shape.
func Encode(ev ChangeEvent) RawEvent {
	return RawEvent{
		EventType:  ev.Type.String(),
		Collection: ev.Collection,
		New:        ev.New,
		Old:        ev.Old,
		At:         ev.At,
	}
}

// Key returns the identifier of the entity the event is about.
func (ev ChangeEvent) Key() string {
	switch ev.Type {
	case Insert, Update:
		return ev.New.ID
	case Delete:
		return ev.Old.ID
	}
	return ""
}

// AsDelete converts an insert or update into a delete of the same entity.
// The subscription manager uses it when an entity stops matching a filter.
func (ev ChangeEvent) AsDelete() ChangeEvent {
	if ev.Type == Delete {
		return ev
	}
	old := ev.Old
	if old == nil {
		old = ev.New
	}
	return ChangeEvent{Type: Delete, Collection: ev.Collection, Old: old, At: ev.At}
}

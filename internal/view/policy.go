package view

import "time"

// RefreshPolicy selects how a view stays current: from the change feed, or by
// reloading on a fixed interval when the feed is unavailable.
type RefreshPolicy struct {
	interval time.Duration
}

// EventDriven keeps views current from change events.
func EventDriven() RefreshPolicy { return RefreshPolicy{} }

// Poll reloads views every interval and ignores the change feed.
func Poll(interval time.Duration) RefreshPolicy { return RefreshPolicy{interval: interval} }

func (p RefreshPolicy) Polling() bool           { return p.interval > 0 }
func (p RefreshPolicy) Interval() time.Duration { return p.interval }

func (p RefreshPolicy) String() string {
	if p.Polling() {
		return "poll(" + p.interval.String() + ")"
	}
	return "event"
}

// Package eventutil provides the throttling, debouncing, batching and retry primitives
// shared by every subscription.
package eventutil

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Throttler invokes fn at most once per interval. Calls inside the window are coalesced
// into one trailing call carrying the latest argument.
type Throttler[T any] struct {
	fn      func(T)
	limiter *rate.Limiter

	mu      sync.Mutex
	latest  T
	pending bool
	timer   *time.Timer
	stopped bool
}

// Throttle wraps fn in a Throttler.
func Throttle[T any](fn func(T), interval time.Duration) *Throttler[T] {
	return &Throttler[T]{
		fn:      fn,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Call requests an invocation with v.
func (t *Throttler[T]) Call(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	if t.pending {
		t.latest = v
		t.mu.Unlock()
		return
	}
	if t.limiter.Allow() {
		t.mu.Unlock()
		t.fn(v)
		return
	}

	// The reservation holds the next token for the trailing call.
	r := t.limiter.Reserve()
	t.latest = v
	t.pending = true
	t.timer = time.AfterFunc(r.Delay(), t.fire)
	t.mu.Unlock()
}

func (t *Throttler[T]) fire() {
	t.mu.Lock()
	if t.stopped || !t.pending {
		t.mu.Unlock()
		return
	}
	v := t.latest
	t.pending = false
	t.mu.Unlock()
	t.fn(v)
}

// Stop drops any pending trailing call. Later calls are ignored.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.pending = false
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Debouncer invokes fn only after delay has elapsed with no further calls.
type Debouncer[T any] struct {
	fn    func(T)
	delay time.Duration

	mu     sync.Mutex
	latest T
	timer  *time.Timer
	seq    uint64
}

// Debounce wraps fn in a Debouncer.
func Debounce[T any](fn func(T), delay time.Duration) *Debouncer[T] {
	return &Debouncer[T]{fn: fn, delay: delay}
}

// Call records v and restarts the quiet period.
func (d *Debouncer[T]) Call(v T) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.latest = v
	d.seq++
	seq := d.seq
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if seq != d.seq {
			d.mu.Unlock()
			return
		}
		v := d.latest
		d.timer = nil
		d.mu.Unlock()
		d.fn(v)
	})
}

// Cancel drops a pending invocation.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

package eventutil

import (
	"sync"
	"time"
)

// Batcher accumulates items and hands them to a processor in arrival order, either when
// maxBatchSize items are buffered or when delay has passed since the first unflushed item.
type Batcher[T any] struct {
	processor    func([]T)
	delay        time.Duration
	maxBatchSize int

	flushMu sync.Mutex // keeps batches in order

	mu      sync.Mutex
	items   []T
	pending [][]T // cut batches waiting for the processor, oldest first
	timer   *time.Timer
}

// NewBatcher creates a Batcher. A maxBatchSize below 1 disables the size trigger.
func NewBatcher[T any](processor func([]T), delay time.Duration, maxBatchSize int) *Batcher[T] {
	return &Batcher[T]{
		processor:    processor,
		delay:        delay,
		maxBatchSize: maxBatchSize,
	}
}

// Add buffers an item. A full buffer is cut into a batch before the lock is released,
// so no batch ever exceeds maxBatchSize.
func (b *Batcher[T]) Add(item T) {
	b.mu.Lock()
	b.items = append(b.items, item)
	full := b.maxBatchSize > 0 && len(b.items) >= b.maxBatchSize
	switch {
	case full:
		b.cutLocked()
	case len(b.items) == 1:
		b.timer = time.AfterFunc(b.delay, b.Flush)
	}
	b.mu.Unlock()

	if full {
		b.drain()
	}
}

// Flush processes everything buffered so far. It is a no-op on an empty buffer.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	b.cutLocked()
	b.mu.Unlock()
	b.drain()
}

// Clear discards buffered items without processing them.
func (b *Batcher[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopTimerLocked()
	b.items = nil
	b.pending = nil
}

// Len reports the number of buffered items.
func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.items)
	for _, batch := range b.pending {
		n += len(batch)
	}
	return n
}

func (b *Batcher[T]) cutLocked() {
	b.stopTimerLocked()
	if len(b.items) == 0 {
		return
	}
	b.pending = append(b.pending, b.items)
	b.items = nil
}

func (b *Batcher[T]) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// drain hands pending batches to the processor one at a time, oldest first.
func (b *Batcher[T]) drain() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		b.mu.Lock()
		if len(b.pending) == 0 {
			b.mu.Unlock()
			return
		}
		batch := b.pending[0]
		b.pending = b.pending[1:]
		b.mu.Unlock()

		b.processor(batch)
	}
}

// Package batch provides a size/interval batcher with a bounded intake queue.
package batch

import (
	"sync"
	"time"
)

// Batcher collects items through a bounded queue and flushes them in batches
// by size or time threshold. A single worker goroutine drains the queue and
// runs flushFn, so a slow sink fills the queue instead of spawning work.
type Batcher[T any] struct {
	ch       chan T
	kick     chan chan struct{}
	maxSize  int
	interval time.Duration
	flushFn  func([]T)

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// New creates a batcher that calls flushFn when maxSize items accumulate or
// interval elapses with items pending, whichever comes first. queueSize bounds
// how many items may wait for the worker; adds beyond that are rejected.
func New[T any](maxSize, queueSize int, interval time.Duration, flushFn func([]T)) *Batcher[T] {
	if queueSize < maxSize {
		queueSize = maxSize
	}
	b := &Batcher[T]{
		ch:       make(chan T, queueSize),
		kick:     make(chan chan struct{}),
		maxSize:  maxSize,
		interval: interval,
		flushFn:  flushFn,
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Add queues an item for the next batch. Returns false when the item was
// rejected because the batcher is stopped or the queue is full; callers
// decide how to account for the drop.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		return false
	}
	select {
	case b.ch <- item:
		return true
	default:
		return false
	}
}

// Len reports the number of items waiting for the worker.
func (b *Batcher[T]) Len() int {
	return len(b.ch)
}

// Flush drains the queue and flushes pending items, blocking until the
// flush callback has run. Holding the lock keeps Stop from closing the
// queue while the worker services the request.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	done := make(chan struct{})
	b.kick <- done
	<-done
}

// Stop flushes remaining items, waits for the worker to finish, and prevents
// future adds.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.ch)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Batcher[T]) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	var items []T
	flush := func() {
		if len(items) == 0 {
			return
		}
		b.flushFn(items)
		items = nil
	}

	for {
		select {
		case item, ok := <-b.ch:
			if !ok {
				items = b.drain(items)
				flush()
				return
			}
			items = append(items, item)
			if len(items) >= b.maxSize {
				flush()
			}
		case done := <-b.kick:
			items = b.drain(items)
			flush()
			close(done)
		case <-ticker.C:
			flush()
		}
	}
}

// drain appends whatever is already queued without blocking.
func (b *Batcher[T]) drain(items []T) []T {
	for {
		select {
		case item, ok := <-b.ch:
			if !ok {
				return items
			}
			items = append(items, item)
		default:
			return items
		}
	}
}

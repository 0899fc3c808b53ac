package batch

import (
	"sync"
	"testing"
	"time"
)

func TestBatcher(t *testing.T) {
	t.Run("size_threshold_triggers_flush", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := New[int](3, 100, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)
		b.Add(3)
		b.Flush() // blocks until the worker has run the callback

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 flush, got %d", len(batches))
		}
		if len(batches[0]) != 3 || batches[0][0] != 1 || batches[0][1] != 2 || batches[0][2] != 3 {
			t.Errorf("flushed items = %v, want [1 2 3]", batches[0])
		}
	})

	t.Run("under_threshold_no_flush_until_forced", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := New[int](10, 100, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)

		time.Sleep(50 * time.Millisecond)

		mu.Lock()
		if len(batches) != 0 {
			mu.Unlock()
			t.Fatal("expected no flush under threshold")
		}
		mu.Unlock()

		b.Flush()

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 || len(batches[0]) != 2 {
			t.Fatalf("after Flush batches = %v, want one batch [1 2]", batches)
		}
	})

	t.Run("time_based_flush", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := New[int](100, 100, 50*time.Millisecond, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})
		defer b.Stop()

		b.Add(1)
		b.Add(2)

		// Wait for ticker-based flush
		time.Sleep(150 * time.Millisecond)

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 time-based flush, got %d", len(batches))
		}
		if len(batches[0]) != 2 || batches[0][0] != 1 || batches[0][1] != 2 {
			t.Errorf("flushed items = %v, want [1 2]", batches[0])
		}
	})

	t.Run("stop_flushes_remaining_and_blocks_adds", func(t *testing.T) {
		var mu sync.Mutex
		var batches [][]int

		b := New[int](100, 100, time.Hour, func(items []int) {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
		})

		b.Add(10)
		b.Add(20)
		b.Stop()

		if b.Add(30) {
			t.Error("Add after Stop should report rejection")
		}

		mu.Lock()
		defer mu.Unlock()
		if len(batches) != 1 {
			t.Fatalf("expected 1 flush on stop, got %d", len(batches))
		}
		if len(batches[0]) != 2 || batches[0][0] != 10 || batches[0][1] != 20 {
			t.Errorf("flushed items = %v, want [10 20]", batches[0])
		}
	})

	t.Run("full_queue_rejects_adds", func(t *testing.T) {
		release := make(chan struct{})
		entered := make(chan struct{}, 1)
		var mu sync.Mutex
		var total int

		// The first flush parks the worker so the queue can fill behind it.
		b := New[int](2, 4, time.Hour, func(items []int) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			mu.Lock()
			defer mu.Unlock()
			total += len(items)
		})

		b.Add(0)
		b.Add(1)
		<-entered

		for i := 2; i < 6; i++ {
			if !b.Add(i) {
				t.Fatalf("Add(%d) rejected before queue was full", i)
			}
		}
		if got := b.Len(); got != 4 {
			t.Fatalf("Len() = %d, want 4", got)
		}
		if b.Add(99) {
			t.Error("Add should reject when queue is full")
		}

		close(release)
		b.Stop()

		mu.Lock()
		defer mu.Unlock()
		if total != 6 {
			t.Errorf("flushed %d items, want 6 (rejected item excluded)", total)
		}
	})
}

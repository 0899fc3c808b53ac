package tcpserver

import (
	"sync"
	"testing"
)

func TestRequestCycleWellFormed(t *testing.T) {
	for i, req := range requestCycle {
		if len(req) != 12 {
			t.Errorf("request %d is %d bytes, want 12", i, len(req))
		}
		if req[6] != 0x01 || req[7] != 0x03 {
			t.Errorf("request %d missing 0103 function marker: % X", i, req)
		}
	}
}

func TestCycleRoundRobin(t *testing.T) {
	var c cycle
	want := []int{0, 1, 2, 0, 1, 2}
	for i, w := range want {
		if got := c.next(); got != w {
			t.Fatalf("call %d: next() = %d, want %d", i, got, w)
		}
	}
}

func TestCycleSharedAcrossClients(t *testing.T) {
	var c cycle

	const clients = 3
	const perClient = 10
	counts := make([]int, len(requestCycle))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				idx := c.next()
				mu.Lock()
				counts[idx]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 30 draws from a shared 3-slot rotation land exactly 10 on each index.
	for idx, n := range counts {
		if n != clients*perClient/len(requestCycle) {
			t.Fatalf("index %d drawn %d times, counts %v", idx, n, counts)
		}
	}
}

// Package bus distributes events to named subscriber groups. The ingest
// pipeline, the TCP server and the liveness tracker publish here; WebSocket
// handlers subscribe. An optional Redis bridge shares groups across
// processes.
package bus

import (
	"sync"
	"sync/atomic"
)

// Group and event type names used across the service.
const (
	GroupTelemetry = "telemetry"
	GroupTCP       = "tcp_telemetry"

	TypeTelemetryMessage = "telemetry.message"
	TypeTCPMessage       = "tcp.message"
	TypeDeviceStatus     = "device.status"
)

// Event is the envelope published to a group. Subscribers that relay to
// WebSocket clients forward only Message; Type routes within the bus.
type Event struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
}

type subscriber struct {
	group string
	ch    chan Event
}

// Hub is an in-process group broadcaster. Publish never blocks: events to
// slow subscribers are dropped and counted.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]subscriber
	nextID      uint64
	forward     func(group string, e Event)

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[uint64]subscriber),
	}
}

// Subscribe registers a subscriber on a group and returns its channel and a
// cancel function. The channel is buffered; subscribers that fall more than
// 64 events behind lose events.
func (h *Hub) Subscribe(group string) (<-chan Event, func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subscribers[id] = subscriber{group: group, ch: ch}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, id)
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the group and hands it to
// the forwarder when one is attached.
func (h *Hub) Publish(group string, e Event) {
	h.deliver(group, e)

	h.mu.RLock()
	fn := h.forward
	h.mu.RUnlock()
	if fn != nil {
		fn(group, e)
	}
}

// Inject delivers an event locally without forwarding. The Redis bridge uses
// it for events that arrived from another process.
func (h *Hub) Inject(group string, e Event) {
	h.deliver(group, e)
}

func (h *Hub) deliver(group string, e Event) {
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subscribers {
		if sub.group != group {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			// Drop if subscriber is slow
			h.dropped.Add(1)
		}
	}
}

// SetForwarder attaches a hook invoked for every locally published event.
func (h *Hub) SetForwarder(fn func(group string, e Event)) {
	h.mu.Lock()
	h.forward = fn
	h.mu.Unlock()
}

// Subscribers reports how many subscribers a group currently has.
func (h *Hub) Subscribers(group string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subscribers {
		if sub.group == group {
			n++
		}
	}
	return n
}

// Published reports the number of events delivered to the hub.
func (h *Hub) Published() uint64 { return h.published.Load() }

// Dropped reports the number of events discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

package tcpserver

import "sync"

// Heartbeat is the exact ASCII announcement sent by solar gateways.
const Heartbeat = "GWCCCL0001"

// requestCycle holds the three canonical register reads, rotated across all
// connected clients: current block, power block, energy counters. Indices 0
// and 1 decode as big-endian float32 vectors, index 2 as big-endian int64.
var requestCycle = [3][]byte{
	{0x01, 0x26, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x0B, 0xB7, 0x00, 0x0A},
	{0x01, 0x6E, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x0B, 0xED, 0x00, 0x06},
	{0x01, 0xB6, 0x00, 0x00, 0x00, 0x06, 0x01, 0x03, 0x0C, 0x83, 0x00, 0x08},
}

// cycle hands out request indices round-robin. The index is shared across
// connections so all clients collectively rotate through 0, 1, 2.
type cycle struct {
	mu  sync.Mutex
	idx int
}

func (c *cycle) next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.idx
	c.idx = (c.idx + 1) % len(requestCycle)
	return i
}

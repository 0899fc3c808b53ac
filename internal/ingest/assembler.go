package ingest

import "time"

type assemblerKey struct {
	topic string
	batch string // str(payload.time); "" when absent
}

type fragmentBuffer struct {
	fields  map[string]any
	updated time.Time
}

// Assembler merges fragmented MQTT payloads. Fragments of one logical
// packet share (topic, time); the fragment carrying isend == "1" completes
// the packet. Buffers are owned by the single ingest worker, so no locking.
type Assembler struct {
	buffers map[assemblerKey]*fragmentBuffer
	ttl     time.Duration
	now     func() time.Time
}

func NewAssembler(ttl time.Duration) *Assembler {
	return &Assembler{
		buffers: make(map[assemblerKey]*fragmentBuffer),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Feed merges one decoded payload. The returned value is the assembled
// payload when the packet is complete, and done reports completeness.
// Payloads without an isend marker are not fragments and pass through
// as-is. A pending packet returns (nil, false).
func (a *Assembler) Feed(topic string, payload any) (any, bool) {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload, true
	}
	isend, present := m["isend"]
	if !present || isend == nil {
		return m, true
	}

	key := assemblerKey{topic: topic, batch: stringify(m["time"])}
	now := a.now()

	buf := a.buffers[key]
	if buf != nil && now.Sub(buf.updated) > a.ttl {
		delete(a.buffers, key)
		buf = nil
	}
	if buf == nil {
		buf = &fragmentBuffer{fields: make(map[string]any, len(m))}
		a.buffers[key] = buf
	}
	for k, v := range m {
		buf.fields[k] = v
	}
	buf.updated = now

	if stringify(isend) != "1" {
		return nil, false
	}
	delete(a.buffers, key)
	return buf.fields, true
}

// Sweep discards buffers idle past the TTL and returns how many were
// dropped.
func (a *Assembler) Sweep() int {
	cutoff := a.now().Add(-a.ttl)
	dropped := 0
	for key, buf := range a.buffers {
		if buf.updated.Before(cutoff) {
			delete(a.buffers, key)
			dropped++
		}
	}
	return dropped
}

// Pending reports how many partial packets are buffered.
func (a *Assembler) Pending() int {
	return len(a.buffers)
}

package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/bus"
	"github.com/cccl/gp-engine/internal/store"
)

// Store is the slice of the document store the pipeline writes through.
type Store interface {
	Insert(ctx context.Context, collection string, doc map[string]any) error
}

// Broadcaster pushes events to realtime subscribers.
type Broadcaster interface {
	Publish(group string, ev bus.Event)
}

// Liveness records device heartbeats.
type Liveness interface {
	Touch(ctx context.Context, topic, deviceID string) error
}

// Options configures the ingest pipeline. Zero values fall back to
// production defaults.
type Options struct {
	QueueSize     int           // bounded envelope queue (default 10000)
	DropOnFull    bool          // drop newest vs block the broker callback
	BufferTTL     time.Duration // reassembly buffer expiry (default 5m)
	SweepInterval time.Duration // reassembly sweep cadence (default 1m)
	FanoutWorkers int           // parallel fanout pool size (default 4)
	FanoutTimeout time.Duration // per-message fanout wait (default 200ms)

	RequiredTopics    map[string]bool // payload must carry time and isend
	DeviceIDTopics    map[string]bool // device_id must be non-empty
	DefaultCollection string          // primary collection for unrecognised topics
	TelemetryGroup    string          // broadcast group for ingested messages

	Rules     *Rules // optional hot-reloaded field rules
	Store     Store
	Broadcast Broadcaster
	Liveness  Liveness // nil disables heartbeat tracking
	Log       zerolog.Logger
}

// opCap bounds a single store or broadcast operation. The fanout deadline
// only bounds how long the worker waits; the operation itself keeps running
// so a slow store still receives the write.
const opCap = 10 * time.Second

// drainGrace bounds how long shutdown spends on already-queued envelopes.
const drainGrace = 5 * time.Second

type fanoutTask struct {
	run  func(ctx context.Context) error
	done chan<- error
}

// Pipeline is the MQTT ingest path: a bounded envelope queue consumed by a
// single worker that decodes, reassembles, normalises and validates, then
// fans out to the store, the broadcast bus and the liveness tracker.
type Pipeline struct {
	opts Options
	log  zerolog.Logger

	queue chan Envelope
	tasks chan fanoutTask

	assembler *Assembler
	validator *Validator

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup // worker + stats loop
	pool    sync.WaitGroup // fanout workers
	stopped atomic.Bool

	// Stats
	received     atomic.Uint64
	processed    atomic.Uint64
	invalid      atomic.Uint64
	dropped      atomic.Uint64
	fanoutErrors atomic.Uint64
	swept        atomic.Uint64
	pending      atomic.Int64
	lastMessage  atomic.Int64 // unix seconds
}

func NewPipeline(opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BufferTTL <= 0 {
		opts.BufferTTL = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.FanoutWorkers <= 0 {
		opts.FanoutWorkers = 4
	}
	if opts.FanoutTimeout <= 0 {
		opts.FanoutTimeout = 200 * time.Millisecond
	}
	if opts.DefaultCollection == "" {
		opts.DefaultCollection = store.CollTelemetryEvents
	}
	if opts.TelemetryGroup == "" {
		opts.TelemetryGroup = bus.GroupTelemetry
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:      opts,
		log:       opts.Log.With().Str("component", "ingest").Logger(),
		queue:     make(chan Envelope, opts.QueueSize),
		tasks:     make(chan fanoutTask, opts.FanoutWorkers*2),
		assembler: NewAssembler(opts.BufferTTL),
		validator: NewValidator(opts.RequiredTopics, opts.DeviceIDTopics, opts.Rules),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the fanout pool, the worker and the stats loop.
func (p *Pipeline) Start() {
	for i := 0; i < p.opts.FanoutWorkers; i++ {
		p.pool.Add(1)
		go p.fanoutWorker()
	}
	p.wg.Add(2)
	go p.worker()
	go p.statsLoop()

	p.log.Info().
		Int("queue_capacity", p.opts.QueueSize).
		Int("fanout_workers", p.opts.FanoutWorkers).
		Dur("fanout_timeout", p.opts.FanoutTimeout).
		Bool("drop_on_full", p.opts.DropOnFull).
		Msg("ingest pipeline started")
}

// Stop drains queued envelopes within a grace period, then shuts the worker
// and the fanout pool down.
func (p *Pipeline) Stop() {
	p.stopped.Store(true)
	p.cancel()
	p.wg.Wait()
	close(p.tasks)
	p.pool.Wait()

	p.log.Info().
		Uint64("received", p.received.Load()).
		Uint64("processed", p.processed.Load()).
		Uint64("dropped", p.dropped.Load()).
		Uint64("invalid", p.invalid.Load()).
		Msg("ingest pipeline stopped")
}

// HandleMessage enqueues a raw broker delivery. Shape matches the MQTT
// client's message callback.
func (p *Pipeline) HandleMessage(topic string, payload []byte, qos byte, retained bool) {
	if p.stopped.Load() {
		return
	}
	env := Envelope{
		Topic:      topic,
		QoS:        qos,
		Retained:   retained,
		Payload:    payload,
		ReceivedAt: time.Now(),
	}
	p.received.Add(1)

	if p.opts.DropOnFull {
		select {
		case p.queue <- env:
		default:
			p.dropped.Add(1)
			p.log.Debug().Str("topic", topic).Msg("ingest queue full, message dropped")
		}
		return
	}
	select {
	case p.queue <- env:
	case <-p.ctx.Done():
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()

	sweep := time.NewTicker(p.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.drainQueue()
			return

		case <-sweep.C:
			if n := p.assembler.Sweep(); n > 0 {
				p.swept.Add(uint64(n))
				p.log.Debug().Int("buffers", n).Msg("expired reassembly buffers dropped")
			}
			p.pending.Store(int64(p.assembler.Pending()))

		case env := <-p.queue:
			p.handle(env)
		}
	}
}

// drainQueue processes envelopes already queued at shutdown, bounded by a
// grace deadline.
func (p *Pipeline) drainQueue() {
	deadline := time.Now().Add(drainGrace)
	for time.Now().Before(deadline) {
		select {
		case env := <-p.queue:
			p.handle(env)
		default:
			return
		}
	}
}

func (p *Pipeline) handle(env Envelope) {
	p.lastMessage.Store(env.ReceivedAt.Unix())

	payload := ParsePayload(env.Payload)

	assembled, done := p.assembler.Feed(env.Topic, payload)
	p.pending.Store(int64(p.assembler.Pending()))
	if !done {
		return
	}

	if m, ok := assembled.(map[string]any); ok {
		assembled = NormalizeKeys(m)
		if env.Topic == store.TopicGenerator {
			assembled = FlattenGenerator(assembled)
		}
	}

	msg := NewMessage(env, assembled)

	if err := p.validator.Validate(msg); err != nil {
		p.invalid.Add(1)
		p.log.Warn().Err(err).Str("topic", env.Topic).Msg("invalid message dropped")
		return
	}

	p.fanout(msg)

	if p.opts.Liveness != nil && msg.DeviceID != "" {
		touchCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := p.opts.Liveness.Touch(touchCtx, msg.Topic, msg.DeviceID); err != nil {
			p.log.Warn().Err(err).Str("device_id", msg.DeviceID).Msg("liveness touch failed")
		}
		cancel()
	}

	p.processed.Add(1)
}

// fanout submits the store and broadcast operations to the pool and waits up
// to the fanout deadline. Late completions and saturated-pool rejections are
// counted but never block the next dequeue.
func (p *Pipeline) fanout(msg Message) {
	ops := []func(ctx context.Context) error{
		func(ctx context.Context) error { return p.persist(ctx, msg) },
		func(ctx context.Context) error { return p.broadcast(msg) },
	}
	done := make(chan error, len(ops))

	timer := time.NewTimer(p.opts.FanoutTimeout)
	defer timer.Stop()

	submitted := 0
	for _, op := range ops {
		select {
		case p.tasks <- fanoutTask{run: op, done: done}:
			submitted++
		case <-timer.C:
			p.fanoutErrors.Add(uint64(len(ops) - submitted))
			p.log.Warn().Str("topic", msg.Topic).Msg("fanout pool saturated, operations dropped")
			return
		}
	}
	for i := 0; i < submitted; i++ {
		select {
		case err := <-done:
			if err != nil {
				p.fanoutErrors.Add(1)
				p.log.Warn().Err(err).Str("topic", msg.Topic).Msg("fanout operation failed")
			}
		case <-timer.C:
			p.fanoutErrors.Add(uint64(submitted - i))
			p.log.Warn().Str("topic", msg.Topic).Int("pending", submitted-i).Msg("fanout deadline exceeded")
			return
		}
	}
}

func (p *Pipeline) fanoutWorker() {
	defer p.pool.Done()
	for task := range p.tasks {
		ctx, cancel := context.WithTimeout(context.Background(), opCap)
		task.done <- task.run(ctx)
		cancel()
	}
}

// persist writes the canonical document to its primary collection and the
// audit mirror. MQTT_ENY_NOW additionally lands in its today tier directly:
// the source cadence is slower than one minute, so no aggregation job feeds
// that tier.
func (p *Pipeline) persist(ctx context.Context, msg Message) error {
	doc := map[string]any{
		"topic":     msg.Topic,
		"device_id": store.DeviceValue(msg.DeviceID),
		"timestamp": msg.Timestamp,
		"payload":   msg.Payload,
	}

	primary, recognised := store.CollectionFor(msg.Topic)
	if !recognised {
		primary = p.opts.DefaultCollection
	}

	if err := p.opts.Store.Insert(ctx, primary, doc); err != nil {
		return err
	}
	if primary != store.CollTelemetryEvents {
		if err := p.opts.Store.Insert(ctx, store.CollTelemetryEvents, doc); err != nil {
			return err
		}
	}
	if msg.Topic == store.TopicEnyNow {
		if err := p.opts.Store.Insert(ctx, store.TierToday+store.CollGridEnyNow, doc); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) broadcast(msg Message) error {
	p.opts.Broadcast.Publish(p.opts.TelemetryGroup, bus.Event{
		Type: bus.TypeTelemetryMessage,
		Message: map[string]any{
			"device_id": msg.DeviceID,
			"topic":     msg.Topic,
			"timestamp": msg.Timestamp.Format(time.RFC3339),
			"payload":   msg.Payload,
		},
	})
	return nil
}

func (p *Pipeline) statsLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	var lastReceived uint64
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			received := p.received.Load()
			if received == lastReceived {
				continue
			}
			p.log.Info().
				Uint64("received_1m", received-lastReceived).
				Uint64("processed", p.processed.Load()).
				Uint64("invalid", p.invalid.Load()).
				Uint64("dropped", p.dropped.Load()).
				Uint64("fanout_errors", p.fanoutErrors.Load()).
				Int("queue", len(p.queue)).
				Int64("pending_buffers", p.pending.Load()).
				Msg("ingest stats")
			lastReceived = received
		}
	}
}

// Stats is the pipeline health snapshot.
type Stats struct {
	Received     uint64
	Processed    uint64
	Invalid      uint64
	Dropped      uint64
	FanoutErrors uint64
	QueueSize    int
	Pending      int
	LastMessage  time.Time
}

func (p *Pipeline) Stats() Stats {
	var last time.Time
	if ts := p.lastMessage.Load(); ts > 0 {
		last = time.Unix(ts, 0).UTC()
	}
	return Stats{
		Received:     p.received.Load(),
		Processed:    p.processed.Load(),
		Invalid:      p.invalid.Load(),
		Dropped:      p.dropped.Load(),
		FanoutErrors: p.fanoutErrors.Load(),
		QueueSize:    len(p.queue),
		Pending:      int(p.pending.Load()),
		LastMessage:  last,
	}
}

package tcpserver

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cccl/gp-engine/internal/batch"
	"github.com/cccl/gp-engine/internal/store"
)

// StoreWriter is the slice of the document store the solar writer needs.
type StoreWriter interface {
	InsertMany(ctx context.Context, collection string, docs []any) error
}

// solarCollections receive every committed sample; the tiers differ only in
// their TTL index.
var solarCollections = []string{
	store.CollSolar,
	store.CollSolarToday,
	store.CollSolarCurrentMonth,
}

// Writer batches committed solar documents and bulk-inserts each batch into
// the three tier collections. One mutex serialises the mongo write path so
// the shared client sees a single writer.
type Writer struct {
	store   StoreWriter
	batcher *batch.Batcher[map[string]any]
	mu      sync.Mutex
	log     zerolog.Logger

	flushed atomic.Uint64
	errors  atomic.Uint64
}

func NewWriter(st StoreWriter, batchSize, queueSize int, flushInterval time.Duration, log zerolog.Logger) *Writer {
	w := &Writer{
		store: st,
		log:   log.With().Str("component", "solar_writer").Logger(),
	}
	w.batcher = batch.New(batchSize, queueSize, flushInterval, w.flush)
	return w
}

// Add enqueues a document. False means the queue is full and the sample is
// dropped.
func (w *Writer) Add(doc map[string]any) bool {
	return w.batcher.Add(doc)
}

// Stop flushes the remaining buffer and shuts the background worker down.
func (w *Writer) Stop() {
	w.batcher.Stop()
	w.log.Info().
		Uint64("batches_flushed", w.flushed.Load()).
		Uint64("insert_errors", w.errors.Load()).
		Msg("solar writer stopped")
}

func (w *Writer) flush(docs []map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	batchDocs := make([]any, len(docs))
	for i, d := range docs {
		batchDocs[i] = d
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Failed batches are counted, not retried.
	for _, coll := range solarCollections {
		if err := w.store.InsertMany(ctx, coll, batchDocs); err != nil {
			w.errors.Add(1)
			w.log.Warn().Err(err).Str("collection", coll).Int("docs", len(docs)).Msg("solar batch insert failed")
		}
	}
	w.flushed.Add(1)
}

// QueueLen reports how many documents wait in the intake queue.
func (w *Writer) QueueLen() int {
	return w.batcher.Len()
}

// Flushed reports how many batches have been written out.
func (w *Writer) Flushed() uint64 { return w.flushed.Load() }

// InsertErrors reports failed bulk inserts.
func (w *Writer) InsertErrors() uint64 { return w.errors.Load() }

package sink

import (
	"context"
	"time"

	"github.com/google/uuid"

	"quoteflow/internal/event"
	"quoteflow/internal/metrics"
	"quoteflow/logger"
)

const flushTimeout = 10 * time.Second

// DocumentStore persists one batch of canonical events. Implementations
// must be safe to call from a single writer goroutine.
type DocumentStore interface {
	WriteBatch(ctx context.Context, batchID string, events []*event.Event) error
	Close() error
}

// Options bounds the writer's batching and retry behavior.
type Options struct {
	BatchSize     int
	BatchInterval time.Duration
	WriteRetries  int
	RetryBackoff  time.Duration
}

// Writer drains a router queue into a document store. A single goroutine
// owns the batch: it flushes when the batch is full or the interval
// elapses, retries failed writes a bounded number of times, and counts a
// batch as lost once retries are exhausted so ingestion never stalls on a
// broken store.
type Writer struct {
	name  string
	store DocumentStore
	opts  Options
	log   *logger.Entry
	root  *logger.Log
}

func NewWriter(name string, store DocumentStore, opts Options, log *logger.Log) *Writer {
	return &Writer{
		name:  name,
		store: store,
		opts:  opts,
		log:   log.WithComponent("sink." + name),
		root:  log,
	}
}

// Run consumes events until the channel closes, then writes whatever is
// still buffered. The context only bounds in-flight store calls; shutdown
// is signalled by closing the channel so queued data still gets flushed.
func (w *Writer) Run(ctx context.Context, in <-chan *event.Event) {
	batch := make([]*event.Event, 0, w.opts.BatchSize)
	ticker := time.NewTicker(w.opts.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-in:
			if !ok {
				if len(batch) > 0 {
					w.flush(batch)
				}
				w.log.Info("writer drained, stopping")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= w.opts.BatchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch, retrying on failure. The batch is copied so the
// caller can reuse its slice immediately.
func (w *Writer) flush(batch []*event.Event) {
	events := make([]*event.Event, len(batch))
	copy(events, batch)
	batchID := uuid.NewString()

	var err error
	for attempt := 0; attempt <= w.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.opts.RetryBackoff)
		}
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		err = w.store.WriteBatch(ctx, batchID, events)
		cancel()
		if err == nil {
			logger.IncrementBatchSaved()
			metrics.EmitMetric(w.root, "sink."+w.name, "events_written", float64(len(events)), "counter", logger.Fields{
				"batch_id": batchID,
			})
			return
		}
		w.log.WithError(err).WithFields(logger.Fields{
			"batch_id": batchID,
			"attempt":  attempt + 1,
			"events":   len(events),
		}).Warn("batch write failed")
	}

	metrics.EmitDropMetric(w.root, metrics.DropMetricBatchLost, "", "", w.name)
	w.log.WithError(err).WithFields(logger.Fields{
		"batch_id": batchID,
		"events":   len(events),
	}).Error("batch lost after exhausting retries")
}

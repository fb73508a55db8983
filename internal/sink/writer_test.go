package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quoteflow/internal/event"
	"quoteflow/logger"
)

type fakeStore struct {
	mu      sync.Mutex
	batches [][]*event.Event
	ids     []string
	fail    int // number of leading calls that fail
	calls   int
}

func (s *fakeStore) WriteBatch(ctx context.Context, batchID string, events []*event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.fail {
		return errors.New("store unavailable")
	}
	s.batches = append(s.batches, events)
	s.ids = append(s.ids, batchID)
	return nil
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) snapshot() ([][]*event.Event, []string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches, s.ids, s.calls
}

func testEvent(i int) *event.Event {
	now := time.Now().UTC()
	return &event.Event{
		Venue:           "bybit",
		CanonicalSymbol: "BTC-USD",
		Kind:            event.KindQuote,
		ObservedAt:      now,
		IngestedAt:      now,
		Quote:           &event.Quote{Bid: decimal.NewFromInt(int64(i)), Ask: decimal.NewFromInt(int64(i + 1))},
	}
}

func runWriter(t *testing.T, w *Writer, in <-chan *event.Event) chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), in)
		close(done)
	}()
	return done
}

func TestWriterFlushesWhenBatchFull(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter("test", store, Options{BatchSize: 3, BatchInterval: time.Hour}, logger.GetLogger())

	in := make(chan *event.Event, 8)
	done := runWriter(t, w, in)

	for i := 0; i < 3; i++ {
		in <- testEvent(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		batches, _, _ := store.snapshot()
		if len(batches) == 1 {
			if len(batches[0]) != 3 {
				t.Fatalf("batch size = %d, want 3", len(batches[0]))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("batch never flushed on size")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(in)
	<-done
}

func TestWriterFlushesOnInterval(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter("test", store, Options{BatchSize: 100, BatchInterval: 20 * time.Millisecond}, logger.GetLogger())

	in := make(chan *event.Event, 8)
	done := runWriter(t, w, in)

	in <- testEvent(1)

	deadline := time.Now().Add(2 * time.Second)
	for {
		batches, _, _ := store.snapshot()
		if len(batches) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("partial batch never flushed on interval")
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(in)
	<-done
}

func TestWriterRetriesThenSucceeds(t *testing.T) {
	store := &fakeStore{fail: 2}
	w := NewWriter("test", store, Options{
		BatchSize:     1,
		BatchInterval: time.Hour,
		WriteRetries:  3,
		RetryBackoff:  time.Millisecond,
	}, logger.GetLogger())

	in := make(chan *event.Event, 1)
	in <- testEvent(1)
	close(in)
	<-runWriter(t, w, in)

	batches, _, calls := store.snapshot()
	if len(batches) != 1 {
		t.Fatalf("batches written = %d, want 1", len(batches))
	}
	if calls != 3 {
		t.Errorf("store calls = %d, want 3", calls)
	}
}

func TestWriterDropsBatchAfterRetriesExhausted(t *testing.T) {
	store := &fakeStore{fail: 100}
	w := NewWriter("test", store, Options{
		BatchSize:     1,
		BatchInterval: time.Hour,
		WriteRetries:  2,
		RetryBackoff:  time.Millisecond,
	}, logger.GetLogger())

	in := make(chan *event.Event, 2)
	in <- testEvent(1)
	in <- testEvent(2)
	close(in)
	<-runWriter(t, w, in)

	batches, _, calls := store.snapshot()
	if len(batches) != 0 {
		t.Fatalf("expected no batches to land, got %d", len(batches))
	}
	// Two batches, each tried once plus two retries.
	if calls != 6 {
		t.Errorf("store calls = %d, want 6", calls)
	}
}

func TestWriterFlushesRemainderOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter("test", store, Options{BatchSize: 100, BatchInterval: time.Hour}, logger.GetLogger())

	in := make(chan *event.Event, 8)
	for i := 0; i < 5; i++ {
		in <- testEvent(i)
	}
	close(in)
	<-runWriter(t, w, in)

	batches, ids, _ := store.snapshot()
	if len(batches) != 1 || len(batches[0]) != 5 {
		t.Fatalf("final flush missing: %d batches", len(batches))
	}
	if len(ids) != 1 || len(ids[0]) == 0 {
		t.Error("batch id not assigned")
	}
}

func TestWriterAssignsDistinctBatchIDs(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter("test", store, Options{BatchSize: 1, BatchInterval: time.Hour}, logger.GetLogger())

	in := make(chan *event.Event, 2)
	in <- testEvent(1)
	in <- testEvent(2)
	close(in)
	<-runWriter(t, w, in)

	_, ids, _ := store.snapshot()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("batch ids not distinct: %v", ids)
	}
}

package router

import (
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"quoteflow/internal/event"
	"quoteflow/logger"
)

func tradeEvent(id int) *event.Event {
	return &event.Event{
		Venue:           "binance",
		CanonicalSymbol: "BTC-USD",
		Kind:            event.KindTrade,
		ObservedAt:      time.Now().UTC(),
		IngestedAt:      time.Now().UTC(),
		Trade: &event.Trade{
			Price:   decimal.NewFromInt(42500),
			Size:    decimal.NewFromInt(1),
			Side:    "buy",
			TradeID: strconv.Itoa(id),
		},
	}
}

func TestRouterPreservesOrderPerConsumer(t *testing.T) {
	r := New(logger.GetLogger())
	ch := r.Register("store", 16)

	for i := 0; i < 10; i++ {
		r.Publish(tradeEvent(i))
	}
	r.Close()

	i := 0
	for ev := range ch {
		if ev.Trade.TradeID != strconv.Itoa(i) {
			t.Fatalf("event %d out of order: got trade id %s", i, ev.Trade.TradeID)
		}
		i++
	}
	if i != 10 {
		t.Fatalf("received %d events, want 10", i)
	}
}

func TestRouterDropsOldestWhenFull(t *testing.T) {
	r := New(logger.GetLogger())
	ch := r.Register("store", 3)

	for i := 0; i < 4; i++ {
		r.Publish(tradeEvent(i))
	}
	r.Close()

	var got []string
	for ev := range ch {
		got = append(got, ev.Trade.TradeID)
	}
	if len(got) != 3 {
		t.Fatalf("queue holds %d events, want 3", len(got))
	}
	// Event 0 was the oldest and must be the one evicted.
	want := []string{"1", "2", "3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("queue = %v, want %v", got, want)
		}
	}
	if drops := r.Drops("store"); drops != 1 {
		t.Errorf("drops = %d, want exactly 1", drops)
	}
}

func TestRouterFansOutToAllConsumers(t *testing.T) {
	r := New(logger.GetLogger())
	store := r.Register("store", 8)
	cache := r.Register("cache", 8)

	r.Publish(tradeEvent(1))
	r.Close()

	for name, ch := range map[string]<-chan *event.Event{"store": store, "cache": cache} {
		select {
		case ev, ok := <-ch:
			if !ok || ev.Trade.TradeID != "1" {
				t.Errorf("%s: unexpected delivery %+v", name, ev)
			}
		default:
			t.Errorf("%s: no event delivered", name)
		}
	}
}

func TestRouterSlowConsumerDoesNotBlockPublish(t *testing.T) {
	r := New(logger.GetLogger())
	r.Register("stalled", 2) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Publish(tradeEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a stalled consumer")
	}
	if drops := r.Drops("stalled"); drops == 0 {
		t.Error("expected drops on the stalled queue")
	}
}

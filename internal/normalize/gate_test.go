package normalize

import (
	"errors"
	"testing"
	"time"

	"quoteflow/internal/event"
)

func TestNormalizeGateTicker(t *testing.T) {
	n := testNormalizer()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload := `{"time":1714564799,"time_ms":1714564799123,"channel":"spot.tickers","event":"update","result":{"currency_pair":"BTC_USDT","last":"42500.5","highest_bid":"42500.4","lowest_ask":"42500.6","base_volume":"1000"}}`

	ev, err := n.Normalize(frameAt("gate", payload, at))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindQuote || ev.CanonicalSymbol != "BTC-USD" || ev.Venue != "gate" {
		t.Fatalf("unexpected event identity: %+v", ev)
	}
	if got := ev.Quote.Bid.String(); got != "42500.4" {
		t.Errorf("bid = %s", got)
	}
	if got := ev.Quote.Ask.String(); got != "42500.6" {
		t.Errorf("ask = %s", got)
	}
	if got := ev.Quote.Last.String(); got != "42500.5" {
		t.Errorf("last = %s", got)
	}
	if !ev.ObservedAt.Equal(time.UnixMilli(1714564799123).UTC()) {
		t.Errorf("observed_at = %s", ev.ObservedAt)
	}
}

func TestNormalizeGateTradeBatchTakesLast(t *testing.T) {
	n := testNormalizer()
	payload := `{"time_ms":1714564799123,"channel":"spot.trades","event":"update","result":[` +
		`{"id":1,"currency_pair":"BTC_USDT","price":"42500.1","amount":"0.5","side":"buy","create_time_ms":"1714564798100.5"},` +
		`{"id":2,"currency_pair":"BTC_USDT","price":"42500.2","amount":"0.1","side":"sell","create_time_ms":"1714564798200.5"}]}`

	ev, err := n.Normalize(frameAt("gate", payload, time.Now()))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindTrade {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if ev.Trade.TradeID != "2" || ev.Trade.Side != "sell" {
		t.Errorf("batch did not take the last trade: %+v", ev.Trade)
	}
	if got := ev.Trade.Price.String(); got != "42500.2" {
		t.Errorf("price = %s", got)
	}
	if !ev.ObservedAt.Equal(time.UnixMilli(1714564798200).UTC()) {
		t.Errorf("observed_at = %s", ev.ObservedAt)
	}
}

func TestNormalizeGateBook(t *testing.T) {
	n := testNormalizer()
	payload := `{"time_ms":1714564799123,"channel":"spot.order_book","event":"update","result":{"t":1714564799100,"lastUpdateId":77,"s":"BTC_USDT","bids":[["42500.1","5.2"],["42500.0","1.0"]],"asks":[["42500.2","0.4"]]}}`

	ev, err := n.Normalize(frameAt("gate", payload, time.Now()))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindBookSnapshot {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if len(ev.Book.Bids) != 2 || len(ev.Book.Asks) != 1 || ev.Book.LastUpdateID != 77 {
		t.Fatalf("unexpected book: %+v", ev.Book)
	}
	if got := ev.Book.Bids[0].Price.String(); got != "42500.1" {
		t.Errorf("top bid = %s", got)
	}
}

func TestNormalizeGateControlFrames(t *testing.T) {
	n := testNormalizer()
	for _, payload := range []string{
		`{"time":1714564799,"channel":"spot.tickers","event":"subscribe","result":{"status":"success"}}`,
		`{"time":1714564799,"channel":"spot.pong"}`,
	} {
		ev, err := n.Normalize(frameAt("gate", payload, time.Now()))
		if err != nil || ev != nil {
			t.Errorf("payload %s: got (%v, %v), want (nil, nil)", payload, ev, err)
		}
	}
}

func TestNormalizeGateFailures(t *testing.T) {
	n := testNormalizer()
	tests := []struct {
		name    string
		payload string
	}{
		{"unmapped pair", `{"channel":"spot.tickers","event":"update","result":{"currency_pair":"DOGE_USDT","last":"1","highest_bid":"1","lowest_ask":"1"}}`},
		{"malformed bid", `{"channel":"spot.tickers","event":"update","result":{"currency_pair":"BTC_USDT","highest_bid":"fast","lowest_ask":"1"}}`},
		{"book without symbol", `{"channel":"spot.order_book","event":"update","result":{"bids":[["1","1"]],"asks":[]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(frameAt("gate", tt.payload, time.Now()))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

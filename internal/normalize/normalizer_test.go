package normalize

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"quoteflow/internal/event"
	"quoteflow/internal/symbols"
	"quoteflow/internal/venue"
)

func testNormalizer() *Normalizer {
	return New(symbols.NewMap(map[string]map[string]string{
		"binance": {"BTC-USD": "BTCUSDT"},
		"bybit":   {"BTC-USD": "BTCUSDT"},
		"okx":     {"BTC-USD": "BTC-USDT-SWAP"},
		"gate":    {"BTC-USD": "BTC_USDT"},
		"kraken":  {"BTC-USD": "PI_XBTUSD"},
	}))
}

func frameAt(venueID, payload string, at time.Time) venue.RawFrame {
	return venue.RawFrame{Venue: venueID, Payload: []byte(payload), ReceivedAt: at}
}

func TestNormalizeUnsupportedVenue(t *testing.T) {
	n := testNormalizer()
	_, err := n.Normalize(frameAt("deribit", `{}`, time.Now()))
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestNormalizeBinanceTrade(t *testing.T) {
	n := testNormalizer()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	payload := `{"e":"trade","E":1714564799000,"s":"BTCUSDT","t":12345,"p":"42500.25","q":"0.1","T":1714564798123,"m":false}`

	ev, err := n.Normalize(frameAt("binance", payload, at))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindTrade || ev.CanonicalSymbol != "BTC-USD" || ev.Venue != "binance" {
		t.Fatalf("unexpected event identity: %+v", ev)
	}
	if got := ev.Trade.Price.String(); got != "42500.25" {
		t.Errorf("price = %s, want 42500.25", got)
	}
	if got := ev.Trade.Size.String(); got != "0.1" {
		t.Errorf("size = %s, want 0.1", got)
	}
	if ev.Trade.Side != "buy" || ev.Trade.TradeID != "12345" {
		t.Errorf("unexpected trade payload: %+v", ev.Trade)
	}
	if !ev.ObservedAt.Equal(time.UnixMilli(1714564798123).UTC()) {
		t.Errorf("observed_at = %s", ev.ObservedAt)
	}
	if !ev.IngestedAt.Equal(at) {
		t.Errorf("ingested_at = %s, want %s", ev.IngestedAt, at)
	}
}

func TestNormalizeBinanceDeterministic(t *testing.T) {
	n := testNormalizer()
	at := time.Now()
	payload := `{"e":"24hrTicker","E":1714564799000,"s":"BTCUSDT","c":"42500.5","b":"42500.4","B":"1.5","a":"42500.6","A":"2.0"}`

	first, err := n.Normalize(frameAt("binance", payload, at))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	second, err := n.Normalize(frameAt("binance", payload, at))
	if err != nil {
		t.Fatalf("second Normalize failed: %v", err)
	}
	if first.Key() != second.Key() || !first.Quote.Bid.Equal(second.Quote.Bid) ||
		!first.ObservedAt.Equal(second.ObservedAt) {
		t.Fatal("Normalize is not deterministic for identical frames")
	}
}

func TestNormalizeBinanceControlFrames(t *testing.T) {
	n := testNormalizer()
	for _, payload := range []string{
		`{"result":null,"id":1}`,
		`{"e":"forceOrder","s":"BTCUSDT"}`,
	} {
		ev, err := n.Normalize(frameAt("binance", payload, time.Now()))
		if err != nil || ev != nil {
			t.Errorf("payload %s: got (%v, %v), want (nil, nil)", payload, ev, err)
		}
	}
}

func TestNormalizeBinanceFailures(t *testing.T) {
	n := testNormalizer()
	tests := []struct {
		name    string
		payload string
	}{
		{"malformed json", `{"e":"trade","s":"BTCUSDT"`},
		{"unmapped symbol", `{"e":"trade","s":"DOGEUSDT","p":"1","q":"1","T":1}`},
		{"malformed price", `{"e":"trade","s":"BTCUSDT","p":"fast","q":"1","T":1}`},
		{"empty size", `{"e":"trade","s":"BTCUSDT","p":"1","q":"","T":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(frameAt("binance", tt.payload, time.Now()))
			var perr *ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("expected ParseError, got %v", err)
			}
		})
	}
}

func TestNormalizeBinanceBookFromStreamEnvelope(t *testing.T) {
	n := testNormalizer()
	payload := `{"stream":"btcusdt@depth20@100ms","data":{"lastUpdateId":160,"bids":[["42500.10","5.2"],["42500.00","1.0"]],"asks":[["42500.20","0.4"]]}}`

	ev, err := n.Normalize(frameAt("binance", payload, time.Now()))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindBookSnapshot || ev.CanonicalSymbol != "BTC-USD" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if len(ev.Book.Bids) != 2 || len(ev.Book.Asks) != 1 || ev.Book.LastUpdateID != 160 {
		t.Fatalf("unexpected book: %+v", ev.Book)
	}
	if got := ev.Book.Bids[0].Price.String(); got != "42500.1" {
		t.Errorf("top bid = %s", got)
	}
}

func TestNormalizeBinanceFunding(t *testing.T) {
	n := testNormalizer()
	payload := `{"e":"markPriceUpdate","E":1714564799000,"s":"BTCUSDT","r":"0.0001","T":1714593600000}`

	ev, err := n.Normalize(frameAt("binance", payload, time.Now()))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindFundingRate {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if got := ev.Funding.Rate.String(); got != "0.0001" {
		t.Errorf("rate = %s", got)
	}
	if ev.Funding.IntervalHours != 8 {
		t.Errorf("interval = %d", ev.Funding.IntervalHours)
	}
}

func TestNormalizeBinanceOpenInterest(t *testing.T) {
	n := testNormalizer()
	payload := `{"e":"openInterest","s":"BTCUSDT","openInterest":"10659.509","time":1714564799000}`

	ev, err := n.Normalize(frameAt("binance", payload, time.Now()))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.Kind != event.KindOpenInterest {
		t.Fatalf("kind = %s", ev.Kind)
	}
	if got := ev.OpenInterest.Contracts.String(); got != "10659.509" {
		t.Errorf("contracts = %s", got)
	}
}

func TestObservedNeverAfterIngested(t *testing.T) {
	n := testNormalizer()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	// Source timestamp a full minute ahead of the local clock.
	future := at.Add(time.Minute).UnixMilli()
	payload := `{"e":"trade","s":"BTCUSDT","p":"1","q":"1","T":` + strconv.FormatInt(future, 10) + `}`

	ev, err := n.Normalize(frameAt("binance", payload, at))
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if ev.ObservedAt.After(ev.IngestedAt) {
		t.Fatalf("observed_at %s after ingested_at %s", ev.ObservedAt, ev.IngestedAt)
	}
}

package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"quoteflow/internal/event"
	"quoteflow/internal/venue"
)

// Gate.io v4 spot stream frames. Every frame carries the channel, an event
// ("subscribe", "update", "snapshot") and a result; the result is a single
// object on current firmware but historically arrived as a one-element
// array, so both shapes are accepted.

type gateFrameWire struct {
	Time    int64           `json:"time"`
	TimeMs  int64           `json:"time_ms"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result"`
}

type gateTickerWire struct {
	CurrencyPair string `json:"currency_pair"`
	Last         string `json:"last"`
	HighestBid   string `json:"highest_bid"`
	LowestAsk    string `json:"lowest_ask"`
}

type gateTradeWire struct {
	ID           int64  `json:"id"`
	CurrencyPair string `json:"currency_pair"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	Side         string `json:"side"`
	CreateTimeMs string `json:"create_time_ms"`
}

type gateBookWire struct {
	Symbol       string     `json:"s"`
	TimeMs       int64      `json:"t"`
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

func (n *Normalizer) normalizeGate(frame venue.RawFrame) (*event.Event, error) {
	var w gateFrameWire
	if err := json.Unmarshal(frame.Payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Gate, Reason: "malformed json", Err: err}
	}
	if len(w.Result) == 0 || (w.Event != "update" && w.Event != "snapshot") {
		// Subscription acks, pongs, and other control frames.
		return nil, nil
	}

	switch w.Channel {
	case "spot.tickers":
		return n.gateTicker(w, frame)
	case "spot.trades":
		return n.gateTrade(w, frame)
	case "spot.order_book":
		return n.gateBook(w, frame)
	default:
		return nil, nil
	}
}

// gateItem decodes a result that may be a single object or a batch; for a
// batch the last element is the most recent.
func gateItem[T any](result json.RawMessage, reason string) (T, error) {
	var one T
	if err := json.Unmarshal(result, &one); err == nil {
		return one, nil
	}
	var items []T
	if err := json.Unmarshal(result, &items); err != nil {
		var zero T
		return zero, &ParseError{Venue: venue.Gate, Reason: reason, Err: err}
	}
	if len(items) == 0 {
		var zero T
		return zero, &ParseError{Venue: venue.Gate, Reason: reason + ": empty result"}
	}
	return items[len(items)-1], nil
}

func (n *Normalizer) gateTicker(w gateFrameWire, frame venue.RawFrame) (*event.Event, error) {
	t, err := gateItem[gateTickerWire](w.Result, "malformed ticker")
	if err != nil {
		return nil, err
	}
	canonical, err := n.canonical(venue.Gate, t.CurrencyPair)
	if err != nil {
		return nil, err
	}

	// Gate tickers carry no top-of-book sizes.
	q := &event.Quote{}
	if q.Bid, err = parseDecimal(venue.Gate, "highest_bid", t.HighestBid); err != nil {
		return nil, err
	}
	if q.Ask, err = parseDecimal(venue.Gate, "lowest_ask", t.LowestAsk); err != nil {
		return nil, err
	}
	if t.Last != "" {
		if q.Last, err = parseDecimal(venue.Gate, "last", t.Last); err != nil {
			return nil, err
		}
	}

	return finalize(&event.Event{
		Venue:           venue.Gate,
		CanonicalSymbol: canonical,
		Kind:            event.KindQuote,
		Quote:           q,
	}, gateFrameTime(w), frame)
}

func (n *Normalizer) gateTrade(w gateFrameWire, frame venue.RawFrame) (*event.Event, error) {
	tw, err := gateItem[gateTradeWire](w.Result, "malformed trade")
	if err != nil {
		return nil, err
	}
	canonical, err := n.canonical(venue.Gate, tw.CurrencyPair)
	if err != nil {
		return nil, err
	}

	t := &event.Trade{Side: strings.ToLower(tw.Side)}
	if t.Price, err = parseDecimal(venue.Gate, "price", tw.Price); err != nil {
		return nil, err
	}
	if t.Size, err = parseDecimal(venue.Gate, "amount", tw.Amount); err != nil {
		return nil, err
	}
	if tw.ID != 0 {
		t.TradeID = strconv.FormatInt(tw.ID, 10)
	}

	observed := gateFrameTime(w)
	// create_time_ms is a decimal string of milliseconds.
	if tw.CreateTimeMs != "" {
		if ms, perr := strconv.ParseFloat(tw.CreateTimeMs, 64); perr == nil && ms > 0 {
			observed = msTime(int64(ms))
		}
	}

	return finalize(&event.Event{
		Venue:           venue.Gate,
		CanonicalSymbol: canonical,
		Kind:            event.KindTrade,
		Trade:           t,
	}, observed, frame)
}

func (n *Normalizer) gateBook(w gateFrameWire, frame venue.RawFrame) (*event.Event, error) {
	var b gateBookWire
	if err := json.Unmarshal(w.Result, &b); err != nil {
		return nil, &ParseError{Venue: venue.Gate, Reason: "malformed book", Err: err}
	}
	if b.Symbol == "" {
		return nil, &ParseError{Venue: venue.Gate, Reason: "book frame without symbol"}
	}
	canonical, err := n.canonical(venue.Gate, b.Symbol)
	if err != nil {
		return nil, err
	}

	book := &event.BookSnapshot{LastUpdateID: b.LastUpdateID}
	if book.Bids, err = parseLevels(venue.Gate, b.Bids); err != nil {
		return nil, err
	}
	if book.Asks, err = parseLevels(venue.Gate, b.Asks); err != nil {
		return nil, err
	}

	observed := msTime(b.TimeMs)
	if observed.IsZero() {
		observed = gateFrameTime(w)
	}
	return finalize(&event.Event{
		Venue:           venue.Gate,
		CanonicalSymbol: canonical,
		Kind:            event.KindBookSnapshot,
		Book:            book,
	}, observed, frame)
}

func gateFrameTime(w gateFrameWire) time.Time {
	if w.TimeMs > 0 {
		return msTime(w.TimeMs)
	}
	if w.Time > 0 {
		return time.Unix(w.Time, 0).UTC()
	}
	return time.Time{}
}

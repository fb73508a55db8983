package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"quoteflow/internal/event"
	"quoteflow/internal/venue"
)

// OKX v5 public stream frames. Data frames carry an "arg" naming the
// channel and instrument plus a one-element "data" array; event frames
// ("subscribe", "error") and the literal "pong" text are control traffic.

type okxFrameWire struct {
	Event string          `json:"event"`
	Arg   okxArgWire      `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type okxArgWire struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxTickerWire struct {
	Last   string `json:"last"`
	BidPx  string `json:"bidPx"`
	BidSz  string `json:"bidSz"`
	AskPx  string `json:"askPx"`
	AskSz  string `json:"askSz"`
	Ts     string `json:"ts"`
	InstID string `json:"instId"`
}

type okxTradeWire struct {
	InstID  string `json:"instId"`
	Px      string `json:"px"`
	Sz      string `json:"sz"`
	Side    string `json:"side"`
	TradeID string `json:"tradeId"`
	Ts      string `json:"ts"`
}

type okxBookWire struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
	Ts   string     `json:"ts"`
}

type okxFundingWire struct {
	InstID      string `json:"instId"`
	FundingRate string `json:"fundingRate"`
	NextFunding string `json:"nextFundingTime"`
	Ts          string `json:"ts"`
}

type okxOpenInterestWire struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	OICcy  string `json:"oiCcy"`
	Ts     string `json:"ts"`
}

func (n *Normalizer) normalizeOKX(frame venue.RawFrame) (*event.Event, error) {
	if string(frame.Payload) == "pong" {
		return nil, nil
	}

	var w okxFrameWire
	if err := json.Unmarshal(frame.Payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.OKX, Reason: "malformed json", Err: err}
	}
	if w.Event != "" || len(w.Data) == 0 {
		// Subscription acks and error notices handled at the adapter.
		return nil, nil
	}

	switch w.Arg.Channel {
	case "tickers":
		return n.okxTicker(w, frame)
	case "trades":
		return n.okxTrade(w, frame)
	case "books", "books5":
		return n.okxBook(w, frame)
	case "funding-rate":
		return n.okxFunding(w, frame)
	case "open-interest":
		return n.okxOpenInterest(w, frame)
	default:
		return nil, nil
	}
}

// okxLast returns the final element of the frame's data array. OKX batches
// updates; the last entry is the most recent.
func okxLast[T any](venueID string, data json.RawMessage, reason string) (T, error) {
	var items []T
	var zero T
	if err := json.Unmarshal(data, &items); err != nil {
		return zero, &ParseError{Venue: venueID, Reason: reason, Err: err}
	}
	if len(items) == 0 {
		return zero, &ParseError{Venue: venueID, Reason: reason + ": empty data"}
	}
	return items[len(items)-1], nil
}

func okxTime(venueID, ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, &ParseError{Venue: venueID, Reason: "malformed ts", Err: err}
	}
	return msTime(ms), nil
}

func (n *Normalizer) okxTicker(w okxFrameWire, frame venue.RawFrame) (*event.Event, error) {
	t, err := okxLast[okxTickerWire](venue.OKX, w.Data, "malformed ticker")
	if err != nil {
		return nil, err
	}
	sym := t.InstID
	if sym == "" {
		sym = w.Arg.InstID
	}
	canonical, err := n.canonical(venue.OKX, sym)
	if err != nil {
		return nil, err
	}

	q := &event.Quote{}
	if q.Bid, err = parseDecimal(venue.OKX, "bidPx", t.BidPx); err != nil {
		return nil, err
	}
	if q.Ask, err = parseDecimal(venue.OKX, "askPx", t.AskPx); err != nil {
		return nil, err
	}
	if t.BidSz != "" {
		if q.BidSize, err = parseDecimal(venue.OKX, "bidSz", t.BidSz); err != nil {
			return nil, err
		}
	}
	if t.AskSz != "" {
		if q.AskSize, err = parseDecimal(venue.OKX, "askSz", t.AskSz); err != nil {
			return nil, err
		}
	}
	if t.Last != "" {
		if q.Last, err = parseDecimal(venue.OKX, "last", t.Last); err != nil {
			return nil, err
		}
	}

	observed, err := okxTime(venue.OKX, t.Ts)
	if err != nil {
		return nil, err
	}
	return finalize(&event.Event{
		Venue:           venue.OKX,
		CanonicalSymbol: canonical,
		Kind:            event.KindQuote,
		Quote:           q,
	}, observed, frame)
}

func (n *Normalizer) okxTrade(w okxFrameWire, frame venue.RawFrame) (*event.Event, error) {
	tw, err := okxLast[okxTradeWire](venue.OKX, w.Data, "malformed trade")
	if err != nil {
		return nil, err
	}
	sym := tw.InstID
	if sym == "" {
		sym = w.Arg.InstID
	}
	canonical, err := n.canonical(venue.OKX, sym)
	if err != nil {
		return nil, err
	}

	t := &event.Trade{Side: strings.ToLower(tw.Side), TradeID: tw.TradeID}
	if t.Price, err = parseDecimal(venue.OKX, "px", tw.Px); err != nil {
		return nil, err
	}
	if t.Size, err = parseDecimal(venue.OKX, "sz", tw.Sz); err != nil {
		return nil, err
	}

	observed, err := okxTime(venue.OKX, tw.Ts)
	if err != nil {
		return nil, err
	}
	return finalize(&event.Event{
		Venue:           venue.OKX,
		CanonicalSymbol: canonical,
		Kind:            event.KindTrade,
		Trade:           t,
	}, observed, frame)
}

func (n *Normalizer) okxBook(w okxFrameWire, frame venue.RawFrame) (*event.Event, error) {
	b, err := okxLast[okxBookWire](venue.OKX, w.Data, "malformed book")
	if err != nil {
		return nil, err
	}
	canonical, err := n.canonical(venue.OKX, w.Arg.InstID)
	if err != nil {
		return nil, err
	}

	book := &event.BookSnapshot{}
	if book.Bids, err = parseLevels(venue.OKX, trimLevels(b.Bids)); err != nil {
		return nil, err
	}
	if book.Asks, err = parseLevels(venue.OKX, trimLevels(b.Asks)); err != nil {
		return nil, err
	}

	observed, err := okxTime(venue.OKX, b.Ts)
	if err != nil {
		return nil, err
	}
	return finalize(&event.Event{
		Venue:           venue.OKX,
		CanonicalSymbol: canonical,
		Kind:            event.KindBookSnapshot,
		Book:            book,
	}, observed, frame)
}

func (n *Normalizer) okxFunding(w okxFrameWire, frame venue.RawFrame) (*event.Event, error) {
	fw, err := okxLast[okxFundingWire](venue.OKX, w.Data, "malformed funding rate")
	if err != nil {
		return nil, err
	}
	sym := fw.InstID
	if sym == "" {
		sym = w.Arg.InstID
	}
	canonical, err := n.canonical(venue.OKX, sym)
	if err != nil {
		return nil, err
	}

	f := &event.FundingRate{}
	if f.Rate, err = parseDecimal(venue.OKX, "fundingRate", fw.FundingRate); err != nil {
		return nil, err
	}
	if fw.NextFunding != "" {
		ms, perr := strconv.ParseInt(fw.NextFunding, 10, 64)
		if perr != nil {
			return nil, &ParseError{Venue: venue.OKX, Reason: "malformed nextFundingTime", Err: perr}
		}
		f.NextFundingAt = msTime(ms)
	}

	observed, err := okxTime(venue.OKX, fw.Ts)
	if err != nil {
		return nil, err
	}
	return finalize(&event.Event{
		Venue:           venue.OKX,
		CanonicalSymbol: canonical,
		Kind:            event.KindFundingRate,
		Funding:         f,
	}, observed, frame)
}

func (n *Normalizer) okxOpenInterest(w okxFrameWire, frame venue.RawFrame) (*event.Event, error) {
	ow, err := okxLast[okxOpenInterestWire](venue.OKX, w.Data, "malformed open interest")
	if err != nil {
		return nil, err
	}
	sym := ow.InstID
	if sym == "" {
		sym = w.Arg.InstID
	}
	canonical, err := n.canonical(venue.OKX, sym)
	if err != nil {
		return nil, err
	}

	oi := &event.OpenInterest{}
	if oi.Contracts, err = parseDecimal(venue.OKX, "oi", ow.OI); err != nil {
		return nil, err
	}
	if ow.OICcy != "" {
		if oi.Notional, err = parseDecimal(venue.OKX, "oiCcy", ow.OICcy); err != nil {
			return nil, err
		}
	}

	observed, err := okxTime(venue.OKX, ow.Ts)
	if err != nil {
		return nil, err
	}
	return finalize(&event.Event{
		Venue:           venue.OKX,
		CanonicalSymbol: canonical,
		Kind:            event.KindOpenInterest,
		OpenInterest:    oi,
	}, observed, frame)
}

// trimLevels drops the order count columns OKX appends to book rows.
func trimLevels(rows [][]string) [][]string {
	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		if len(row) > 2 {
			row = row[:2]
		}
		out = append(out, row)
	}
	return out
}

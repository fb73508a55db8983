package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"quoteflow/internal/event"
	"quoteflow/internal/venue"
)

// Bybit v5 public stream frames. Data frames carry a "topic" of the form
// "<channel>.<symbol>"; everything else (subscription acks, pong replies)
// is control traffic.

type bybitFrameWire struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTickerWire struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	Bid1Price    string `json:"bid1Price"`
	Bid1Size     string `json:"bid1Size"`
	Ask1Price    string `json:"ask1Price"`
	Ask1Size     string `json:"ask1Size"`
	FundingRate  string `json:"fundingRate"`
	NextFunding  string `json:"nextFundingTime"`
	OpenInterest string `json:"openInterest"`
	OIValue      string `json:"openInterestValue"`
}

type bybitTradeWire struct {
	Ts      int64  `json:"T"`
	Symbol  string `json:"s"`
	Side    string `json:"S"`
	Size    string `json:"v"`
	Price   string `json:"p"`
	TradeID string `json:"i"`
}

type bybitBookWire struct {
	Symbol   string     `json:"s"`
	Bids     [][]string `json:"b"`
	Asks     [][]string `json:"a"`
	UpdateID int64      `json:"u"`
}

func (n *Normalizer) normalizeBybit(frame venue.RawFrame) (*event.Event, error) {
	var w bybitFrameWire
	if err := json.Unmarshal(frame.Payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Bybit, Reason: "malformed json", Err: err}
	}
	if w.Topic == "" || len(w.Data) == 0 {
		// Subscription acks, pongs and other op replies.
		return nil, nil
	}

	observed := msTime(w.Ts)
	switch {
	case strings.HasPrefix(w.Topic, "tickers."):
		return n.bybitTicker(w, observed, frame)
	case strings.HasPrefix(w.Topic, "publicTrade."):
		return n.bybitTrade(w, observed, frame)
	case strings.HasPrefix(w.Topic, "orderbook."):
		return n.bybitBook(w, observed, frame)
	default:
		return nil, nil
	}
}

// bybitTicker maps one tickers frame to a single event. Snapshots carry
// every field; deltas only changed ones. Top-of-book changes win, then
// funding, then open interest, so one frame yields at most one event.
func (n *Normalizer) bybitTicker(w bybitFrameWire, observed time.Time, frame venue.RawFrame) (*event.Event, error) {
	var t bybitTickerWire
	if err := json.Unmarshal(w.Data, &t); err != nil {
		return nil, &ParseError{Venue: venue.Bybit, Reason: "malformed ticker", Err: err}
	}
	canonical, err := n.canonical(venue.Bybit, t.Symbol)
	if err != nil {
		return nil, err
	}

	switch {
	case t.Bid1Price != "" && t.Ask1Price != "":
		q := &event.Quote{}
		if q.Bid, err = parseDecimal(venue.Bybit, "bid1Price", t.Bid1Price); err != nil {
			return nil, err
		}
		if q.Ask, err = parseDecimal(venue.Bybit, "ask1Price", t.Ask1Price); err != nil {
			return nil, err
		}
		if t.Bid1Size != "" {
			if q.BidSize, err = parseDecimal(venue.Bybit, "bid1Size", t.Bid1Size); err != nil {
				return nil, err
			}
		}
		if t.Ask1Size != "" {
			if q.AskSize, err = parseDecimal(venue.Bybit, "ask1Size", t.Ask1Size); err != nil {
				return nil, err
			}
		}
		if t.LastPrice != "" {
			if q.Last, err = parseDecimal(venue.Bybit, "lastPrice", t.LastPrice); err != nil {
				return nil, err
			}
		}
		return finalize(&event.Event{
			Venue:           venue.Bybit,
			CanonicalSymbol: canonical,
			Kind:            event.KindQuote,
			Quote:           q,
		}, observed, frame)

	case t.FundingRate != "":
		f := &event.FundingRate{IntervalHours: 8}
		if f.Rate, err = parseDecimal(venue.Bybit, "fundingRate", t.FundingRate); err != nil {
			return nil, err
		}
		if t.NextFunding != "" {
			ms, err := strconv.ParseInt(t.NextFunding, 10, 64)
			if err != nil {
				return nil, &ParseError{Venue: venue.Bybit, Reason: "malformed nextFundingTime", Err: err}
			}
			f.NextFundingAt = msTime(ms)
		}
		return finalize(&event.Event{
			Venue:           venue.Bybit,
			CanonicalSymbol: canonical,
			Kind:            event.KindFundingRate,
			Funding:         f,
		}, observed, frame)

	case t.OpenInterest != "":
		oi := &event.OpenInterest{}
		if oi.Contracts, err = parseDecimal(venue.Bybit, "openInterest", t.OpenInterest); err != nil {
			return nil, err
		}
		if t.OIValue != "" {
			if oi.Notional, err = parseDecimal(venue.Bybit, "openInterestValue", t.OIValue); err != nil {
				return nil, err
			}
		}
		return finalize(&event.Event{
			Venue:           venue.Bybit,
			CanonicalSymbol: canonical,
			Kind:            event.KindOpenInterest,
			OpenInterest:    oi,
		}, observed, frame)

	default:
		// Delta that touched none of the fields we track.
		return nil, nil
	}
}

func (n *Normalizer) bybitTrade(w bybitFrameWire, observed time.Time, frame venue.RawFrame) (*event.Event, error) {
	var trades []bybitTradeWire
	if err := json.Unmarshal(w.Data, &trades); err != nil {
		return nil, &ParseError{Venue: venue.Bybit, Reason: "malformed trade list", Err: err}
	}
	if len(trades) == 0 {
		return nil, nil
	}
	// Frames batch trades; the last entry is the most recent execution.
	tw := trades[len(trades)-1]

	canonical, err := n.canonical(venue.Bybit, tw.Symbol)
	if err != nil {
		return nil, err
	}

	t := &event.Trade{Side: strings.ToLower(tw.Side), TradeID: tw.TradeID}
	if t.Price, err = parseDecimal(venue.Bybit, "p", tw.Price); err != nil {
		return nil, err
	}
	if t.Size, err = parseDecimal(venue.Bybit, "v", tw.Size); err != nil {
		return nil, err
	}
	if tw.Ts > 0 {
		observed = msTime(tw.Ts)
	}

	return finalize(&event.Event{
		Venue:           venue.Bybit,
		CanonicalSymbol: canonical,
		Kind:            event.KindTrade,
		Trade:           t,
	}, observed, frame)
}

func (n *Normalizer) bybitBook(w bybitFrameWire, observed time.Time, frame venue.RawFrame) (*event.Event, error) {
	var b bybitBookWire
	if err := json.Unmarshal(w.Data, &b); err != nil {
		return nil, &ParseError{Venue: venue.Bybit, Reason: "malformed orderbook", Err: err}
	}
	canonical, err := n.canonical(venue.Bybit, b.Symbol)
	if err != nil {
		return nil, err
	}

	book := &event.BookSnapshot{LastUpdateID: b.UpdateID}
	if book.Bids, err = parseLevels(venue.Bybit, b.Bids); err != nil {
		return nil, err
	}
	if book.Asks, err = parseLevels(venue.Bybit, b.Asks); err != nil {
		return nil, err
	}

	return finalize(&event.Event{
		Venue:           venue.Bybit,
		CanonicalSymbol: canonical,
		Kind:            event.KindBookSnapshot,
		Book:            book,
	}, observed, frame)
}

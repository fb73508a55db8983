package normalize

import (
	"encoding/json"
	"time"

	"quoteflow/internal/event"
	"quoteflow/internal/venue"
)

// Kraken Futures frames. The adapter polls the REST tickers endpoint and
// wraps each ticker in a {"feed","ticker"} envelope, one frame per concern.
// Ticker numerics are JSON numbers; json.Number keeps them textual on the
// way into decimals.

type krakenFrameWire struct {
	Feed   string          `json:"feed"`
	Ticker json.RawMessage `json:"ticker"`
}

type krakenTickerWire struct {
	Symbol                string      `json:"symbol"`
	FundingRate           json.Number `json:"fundingRate"`
	FundingRatePrediction json.Number `json:"fundingRatePrediction"`
	OpenInterest          json.Number `json:"openInterest"`
	MarkPrice             json.Number `json:"markPrice"`
	LastTime              string      `json:"lastTime"`
}

func (n *Normalizer) normalizeKraken(frame venue.RawFrame) (*event.Event, error) {
	var w krakenFrameWire
	if err := json.Unmarshal(frame.Payload, &w); err != nil {
		return nil, &ParseError{Venue: venue.Kraken, Reason: "malformed json", Err: err}
	}
	if len(w.Ticker) == 0 {
		return nil, nil
	}

	var t krakenTickerWire
	if err := json.Unmarshal(w.Ticker, &t); err != nil {
		return nil, &ParseError{Venue: venue.Kraken, Reason: "malformed ticker", Err: err}
	}
	canonical, err := n.canonical(venue.Kraken, t.Symbol)
	if err != nil {
		return nil, err
	}

	observed := time.Time{}
	if t.LastTime != "" {
		if ts, perr := time.Parse(time.RFC3339, t.LastTime); perr == nil {
			observed = ts.UTC()
		}
	}

	switch w.Feed {
	case "funding_rate":
		// Kraken publishes no funding schedule; the 8h interval is the
		// venue's documented cadence.
		f := &event.FundingRate{IntervalHours: 8}
		if f.Rate, err = parseDecimal(venue.Kraken, "fundingRate", t.FundingRate.String()); err != nil {
			return nil, err
		}
		return finalize(&event.Event{
			Venue:           venue.Kraken,
			CanonicalSymbol: canonical,
			Kind:            event.KindFundingRate,
			Funding:         f,
		}, observed, frame)
	case "open_interest":
		oi := &event.OpenInterest{}
		if oi.Contracts, err = parseDecimal(venue.Kraken, "openInterest", t.OpenInterest.String()); err != nil {
			return nil, err
		}
		if t.MarkPrice.String() != "" {
			mark, perr := parseDecimal(venue.Kraken, "markPrice", t.MarkPrice.String())
			if perr != nil {
				return nil, perr
			}
			oi.Notional = oi.Contracts.Mul(mark)
		}
		return finalize(&event.Event{
			Venue:           venue.Kraken,
			CanonicalSymbol: canonical,
			Kind:            event.KindOpenInterest,
			OpenInterest:    oi,
		}, observed, frame)
	default:
		return nil, &ParseError{Venue: venue.Kraken, Reason: "unknown feed " + w.Feed}
	}
}

package event

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Kind identifies which payload variant an Event carries.
type Kind string

const (
	KindQuote        Kind = "quote"
	KindBookSnapshot Kind = "book_snapshot"
	KindTrade        Kind = "trade"
	KindFundingRate  Kind = "funding_rate"
	KindOpenInterest Kind = "open_interest"
)

// Event is the canonical, venue-independent representation of a market
// event. Exactly one payload pointer is non-nil, selected by Kind.
// ObservedAt is the source-reported time, IngestedAt the local receipt
// time; ObservedAt is never later than IngestedAt.
type Event struct {
	Venue           string    `json:"venue"`
	CanonicalSymbol string    `json:"symbol"`
	Kind            Kind      `json:"kind"`
	ObservedAt      time.Time `json:"observed_at"`
	IngestedAt      time.Time `json:"ingested_at"`

	Quote        *Quote        `json:"quote,omitempty"`
	Book         *BookSnapshot `json:"book,omitempty"`
	Trade        *Trade        `json:"trade,omitempty"`
	Funding      *FundingRate  `json:"funding,omitempty"`
	OpenInterest *OpenInterest `json:"open_interest,omitempty"`
}

// Quote is a top-of-book update.
type Quote struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	Last    decimal.Decimal `json:"last"`
}

// Level is a single price level of an order book.
type Level struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookSnapshot is a full order book snapshot up to a venue-defined depth.
type BookSnapshot struct {
	Bids         []Level `json:"bids"`
	Asks         []Level `json:"asks"`
	LastUpdateID int64   `json:"last_update_id,omitempty"`
}

// Trade is a single executed trade. TradeID is the venue-assigned
// identifier when the venue supplies a stable one, otherwise empty;
// the core performs no deduplication on it.
type Trade struct {
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Side    string          `json:"side"`
	TradeID string          `json:"trade_id,omitempty"`
}

// FundingRate is a perpetual funding rate update.
type FundingRate struct {
	Rate          decimal.Decimal `json:"rate"`
	NextFundingAt time.Time       `json:"next_funding_at,omitempty"`
	IntervalHours int             `json:"interval_hours,omitempty"`
}

// OpenInterest is an open interest update for a derivatives contract.
type OpenInterest struct {
	Contracts decimal.Decimal `json:"contracts"`
	Notional  decimal.Decimal `json:"notional,omitempty"`
}

// Key returns the identity used by the latest cache: one slot per
// (venue, canonical symbol, kind).
func (e *Event) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.Venue, e.CanonicalSymbol, e.Kind)
}

// Validate reports whether the event is internally consistent: the
// payload matches the declared kind and the timestamps are ordered.
func (e *Event) Validate() error {
	if e.Venue == "" || e.CanonicalSymbol == "" {
		return fmt.Errorf("event missing venue or symbol")
	}
	if e.ObservedAt.After(e.IngestedAt) {
		return fmt.Errorf("observed_at %s after ingested_at %s", e.ObservedAt, e.IngestedAt)
	}
	switch e.Kind {
	case KindQuote:
		if e.Quote == nil {
			return fmt.Errorf("quote event without quote payload")
		}
	case KindBookSnapshot:
		if e.Book == nil {
			return fmt.Errorf("book_snapshot event without book payload")
		}
	case KindTrade:
		if e.Trade == nil {
			return fmt.Errorf("trade event without trade payload")
		}
	case KindFundingRate:
		if e.Funding == nil {
			return fmt.Errorf("funding_rate event without funding payload")
		}
	case KindOpenInterest:
		if e.OpenInterest == nil {
			return fmt.Errorf("open_interest event without open interest payload")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

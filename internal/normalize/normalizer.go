package normalize

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quoteflow/internal/event"
	"quoteflow/internal/symbols"
	"quoteflow/internal/venue"
)

// ParseError is the typed failure returned when a raw frame cannot be
// mapped to a canonical event. It is counted and the frame dropped; it is
// never fatal to the connection that produced the frame.
type ParseError struct {
	Venue  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Venue, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Venue, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Normalizer maps (venue, raw payload) pairs to canonical events. It is
// pure: no I/O, no shared mutable state, deterministic for a given frame.
type Normalizer struct {
	symbols *symbols.Map
}

func New(sym *symbols.Map) *Normalizer {
	return &Normalizer{symbols: sym}
}

// Normalize returns the canonical event for a raw frame, nil for control
// frames (acks, pongs, heartbeats), or a *ParseError for malformed or
// unmapped payloads. Dispatch is a closed switch over the venue id; adding
// a venue adds one arm.
func (n *Normalizer) Normalize(frame venue.RawFrame) (*event.Event, error) {
	switch frame.Venue {
	case venue.Binance:
		return n.normalizeBinance(frame)
	case venue.Bybit:
		return n.normalizeBybit(frame)
	case venue.OKX:
		return n.normalizeOKX(frame)
	case venue.Gate:
		return n.normalizeGate(frame)
	case venue.Kraken:
		return n.normalizeKraken(frame)
	default:
		return nil, &ParseError{Venue: frame.Venue, Reason: "unsupported venue"}
	}
}

// canonical resolves a venue symbol spelling, failing the frame when the
// instrument is not in the symbol map.
func (n *Normalizer) canonical(venueID, venueSym string) (string, error) {
	canonical, ok := n.symbols.Canonical(venueID, venueSym)
	if !ok {
		return "", &ParseError{Venue: venueID, Reason: fmt.Sprintf("unmapped symbol %q", venueSym)}
	}
	return canonical, nil
}

// parseDecimal parses a fixed-precision decimal, rejecting empty and
// malformed numeric fields. Prices and sizes never pass through binary
// floating point.
func parseDecimal(venueID, field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, &ParseError{Venue: venueID, Reason: fmt.Sprintf("empty numeric field %q", field)}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, &ParseError{Venue: venueID, Reason: fmt.Sprintf("malformed numeric field %q", field), Err: err}
	}
	return d, nil
}

// finalize stamps the event with timestamps and validates it. A source
// timestamp ahead of the local clock is clamped to the receipt time so the
// observed_at ≤ ingested_at invariant holds under venue clock skew.
func finalize(e *event.Event, observed time.Time, frame venue.RawFrame) (*event.Event, error) {
	e.IngestedAt = frame.ReceivedAt
	if observed.IsZero() || observed.After(frame.ReceivedAt) {
		observed = frame.ReceivedAt
	}
	e.ObservedAt = observed
	if err := e.Validate(); err != nil {
		return nil, &ParseError{Venue: frame.Venue, Reason: "invalid event", Err: err}
	}
	return e, nil
}

// msTime converts a millisecond epoch timestamp, zero when unset.
func msTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

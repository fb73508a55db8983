package venue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Venue identifiers understood by the core.
const (
	Binance = "binance"
	Bybit   = "bybit"
	OKX     = "okx"
	Gate    = "gate"
	Kraken  = "kraken"
)

// Channel names a Subscription may carry. Adapters translate them to the
// venue's own stream or topic spelling.
const (
	ChannelQuote        = "quote"
	ChannelTrade        = "trade"
	ChannelBook         = "book"
	ChannelFunding      = "funding"
	ChannelOpenInterest = "open_interest"
)

// RawFrame is one payload received from a venue stream, tagged with the
// venue id and the local receipt time.
type RawFrame struct {
	Venue      string
	Payload    []byte
	ReceivedAt time.Time
}

// Subscription is one (canonical symbol, channel) pair of a connection's
// subscription set. The set is fixed at connect time; changing it requires
// a full reconnect.
type Subscription struct {
	Symbol  string
	Channel string
}

// ProtocolReject reports that the venue refused part of the subscription
// set. It is fatal for the attempting connection; the orchestrator decides
// whether to retry with a reduced set.
type ProtocolReject struct {
	Venue  string
	Reason string
}

func (e *ProtocolReject) Error() string {
	return fmt.Sprintf("%s rejected subscription: %s", e.Venue, e.Reason)
}

// ErrStreamClosed is returned by Stream.Read after the session ends.
var ErrStreamClosed = errors.New("venue stream closed")

// Stream is one live session against a venue, produced by Adapter.Connect.
type Stream interface {
	// Read blocks until the next raw frame, the context is cancelled, or
	// the session fails.
	Read(ctx context.Context) (RawFrame, error)

	// SendHeartbeat sends the venue's keepalive message.
	SendHeartbeat() error

	// Close tears the session down, performing any venue-required
	// unsubscribe step first.
	Close() error
}

// Adapter hides a venue's wire protocol behind a minimal surface. The core
// never depends on venue framing beyond the raw payloads a Stream yields.
type Adapter interface {
	// Name returns the venue id.
	Name() string

	// Connect dials the venue, subscribes the given set, and returns a
	// live stream once the venue acknowledges. A *ProtocolReject error
	// means the venue refused part of the set.
	Connect(ctx context.Context, subs []Subscription) (Stream, error)
}

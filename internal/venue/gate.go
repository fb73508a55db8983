package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"quoteflow/internal/symbols"
	"quoteflow/logger"
)

// GateAdapter speaks the Gate.io v4 spot stream protocol. Each channel is
// subscribed with its own request carrying the pair list as payload, and
// the venue acks each request separately. Gate spot has no funding or open
// interest streams.
type GateAdapter struct {
	cfg GateConfig
	sym *symbols.Map
	log *logger.Entry
}

type GateConfig struct {
	WsURL            string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
	DepthLimit       int
}

func NewGate(cfg GateConfig, sym *symbols.Map, log *logger.Log) *GateAdapter {
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 20
	}
	return &GateAdapter{cfg: cfg, sym: sym, log: log.WithComponent("venue.gate")}
}

func (a *GateAdapter) Name() string { return Gate }

type gateStream struct {
	*wsSession
}

func (s *gateStream) SendHeartbeat() error {
	return s.writeJSON(gateRequest{Time: time.Now().Unix(), Channel: "spot.ping"})
}

type gateRequest struct {
	Time    int64         `json:"time"`
	Channel string        `json:"channel"`
	Event   string        `json:"event,omitempty"`
	Payload []interface{} `json:"payload,omitempty"`
}

func (a *GateAdapter) Connect(ctx context.Context, subs []Subscription) (Stream, error) {
	reqs, err := a.requests(subs)
	if err != nil {
		return nil, err
	}

	conn, err := dialWS(ctx, Gate, a.cfg.WsURL, a.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}

	for _, req := range reqs {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return nil, fmt.Errorf("gate subscribe %s: %w", req.Channel, err)
		}
	}

	acked := 0
	pending, err := awaitAck(conn, Gate, a.cfg.SubscribeTimeout, func(msg []byte) (bool, error) {
		var ack struct {
			Channel string `json:"channel"`
			Event   string `json:"event"`
			Error   *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(msg, &ack); err != nil || ack.Event != "subscribe" {
			return false, nil
		}
		if ack.Error != nil {
			return false, &ProtocolReject{
				Venue:  Gate,
				Reason: fmt.Sprintf("%s: code %d: %s", ack.Channel, ack.Error.Code, ack.Error.Message),
			}
		}
		acked++
		return acked == len(reqs), nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	a.log.WithFields(logger.Fields{"channels": len(reqs)}).Info("gate session established")
	return &gateStream{wsSession: newWSSession(Gate, conn, a.cfg.ReadTimeout, pending)}, nil
}

// requests groups the subscription set into one request per gate channel.
// The order book channel wants [pair, depth, interval] triples; the others
// take plain pair lists.
func (a *GateAdapter) requests(subs []Subscription) ([]gateRequest, error) {
	var tickers, trades []interface{}
	var books []interface{}
	tickerSeen := make(map[string]bool)
	tradeSeen := make(map[string]bool)
	bookSeen := make(map[string]bool)

	for _, sub := range subs {
		venueSym, ok := a.sym.VenueSymbol(Gate, sub.Symbol)
		if !ok {
			return nil, fmt.Errorf("gate: no symbol mapping for %s", sub.Symbol)
		}
		switch sub.Channel {
		case ChannelQuote:
			if !tickerSeen[venueSym] {
				tickerSeen[venueSym] = true
				tickers = append(tickers, venueSym)
			}
		case ChannelTrade:
			if !tradeSeen[venueSym] {
				tradeSeen[venueSym] = true
				trades = append(trades, venueSym)
			}
		case ChannelBook:
			if !bookSeen[venueSym] {
				bookSeen[venueSym] = true
				books = append(books, []interface{}{venueSym, strconv.Itoa(a.cfg.DepthLimit), "100ms"})
			}
		default:
			return nil, fmt.Errorf("gate: unsupported channel %q", sub.Channel)
		}
	}

	now := time.Now().Unix()
	var reqs []gateRequest
	if len(tickers) > 0 {
		reqs = append(reqs, gateRequest{Time: now, Channel: "spot.tickers", Event: "subscribe", Payload: tickers})
	}
	if len(trades) > 0 {
		reqs = append(reqs, gateRequest{Time: now, Channel: "spot.trades", Event: "subscribe", Payload: trades})
	}
	if len(books) > 0 {
		reqs = append(reqs, gateRequest{Time: now, Channel: "spot.order_book", Event: "subscribe", Payload: books})
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("gate: empty subscription set")
	}
	return reqs, nil
}

package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quoteflow/internal/symbols"
	"quoteflow/logger"
)

// BybitAdapter speaks the Bybit v5 public linear stream protocol. Funding
// and open interest ride on the tickers topic, so several channels can
// collapse into one subscription.
type BybitAdapter struct {
	cfg BybitConfig
	sym *symbols.Map
	log *logger.Entry
}

type BybitConfig struct {
	WsURL            string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
	DepthLimit       int
}

func NewBybit(cfg BybitConfig, sym *symbols.Map, log *logger.Log) *BybitAdapter {
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 50
	}
	return &BybitAdapter{cfg: cfg, sym: sym, log: log.WithComponent("venue.bybit")}
}

func (a *BybitAdapter) Name() string { return Bybit }

type bybitStream struct {
	*wsSession
}

func (s *bybitStream) SendHeartbeat() error {
	return s.writeJSON(map[string]string{"op": "ping"})
}

func (a *BybitAdapter) Connect(ctx context.Context, subs []Subscription) (Stream, error) {
	topics, err := a.topics(subs)
	if err != nil {
		return nil, err
	}

	conn, err := dialWS(ctx, Bybit, a.cfg.WsURL, a.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}

	req := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{Op: "subscribe", Args: topics, ReqID: fmt.Sprintf("%d", time.Now().UnixNano())}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("bybit subscribe: %w", err)
	}

	pending, err := awaitAck(conn, Bybit, a.cfg.SubscribeTimeout, func(msg []byte) (bool, error) {
		var ack struct {
			Op      string `json:"op"`
			Success bool   `json:"success"`
			RetMsg  string `json:"ret_msg"`
		}
		if err := json.Unmarshal(msg, &ack); err != nil || ack.Op != "subscribe" {
			return false, nil
		}
		if !ack.Success {
			return false, &ProtocolReject{Venue: Bybit, Reason: ack.RetMsg}
		}
		return true, nil
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	a.log.WithFields(logger.Fields{"topics": len(topics)}).Info("bybit session established")
	return &bybitStream{wsSession: newWSSession(Bybit, conn, a.cfg.ReadTimeout, pending)}, nil
}

func (a *BybitAdapter) topics(subs []Subscription) ([]string, error) {
	seen := make(map[string]bool)
	var topics []string
	add := func(topic string) {
		if !seen[topic] {
			seen[topic] = true
			topics = append(topics, topic)
		}
	}

	for _, sub := range subs {
		venueSym, ok := a.sym.VenueSymbol(Bybit, sub.Symbol)
		if !ok {
			return nil, fmt.Errorf("bybit: no symbol mapping for %s", sub.Symbol)
		}
		switch sub.Channel {
		case ChannelQuote, ChannelFunding, ChannelOpenInterest:
			add("tickers." + venueSym)
		case ChannelTrade:
			add("publicTrade." + venueSym)
		case ChannelBook:
			add(fmt.Sprintf("orderbook.%d.%s", a.cfg.DepthLimit, venueSym))
		default:
			return nil, fmt.Errorf("bybit: unsupported channel %q", sub.Channel)
		}
	}
	return topics, nil
}

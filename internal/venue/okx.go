package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quoteflow/internal/symbols"
	"quoteflow/logger"
)

// OKXAdapter speaks the OKX v5 public stream protocol. Subscriptions are
// acknowledged one per argument; the keepalive is the literal "ping" text.
type OKXAdapter struct {
	cfg OKXConfig
	sym *symbols.Map
	log *logger.Entry
}

type OKXConfig struct {
	WsURL            string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
}

func NewOKX(cfg OKXConfig, sym *symbols.Map, log *logger.Log) *OKXAdapter {
	return &OKXAdapter{cfg: cfg, sym: sym, log: log.WithComponent("venue.okx")}
}

func (a *OKXAdapter) Name() string { return OKX }

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type okxStream struct {
	*wsSession
}

func (s *okxStream) SendHeartbeat() error {
	return s.writeText([]byte("ping"))
}

func (a *OKXAdapter) Connect(ctx context.Context, subs []Subscription) (Stream, error) {
	args, err := a.args(subs)
	if err != nil {
		return nil, err
	}

	conn, err := dialWS(ctx, OKX, a.cfg.WsURL, a.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}

	req := struct {
		Op   string   `json:"op"`
		Args []okxArg `json:"args"`
	}{Op: "subscribe", Args: args}

	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("okx subscribe: %w", err)
	}

	acked := 0
	pending, err := awaitAck(conn, OKX, a.cfg.SubscribeTimeout, func(msg []byte) (bool, error) {
		var ack struct {
			Event string `json:"event"`
			Code  string `json:"code"`
			Msg   string `json:"msg"`
		}
		if err := json.Unmarshal(msg, &ack); err != nil {
			return false, nil
		}
		switch ack.Event {
		case "error":
			return false, &ProtocolReject{Venue: OKX, Reason: fmt.Sprintf("code %s: %s", ack.Code, ack.Msg)}
		case "subscribe":
			acked++
			return acked == len(args), nil
		default:
			return false, nil
		}
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	session := newWSSession(OKX, conn, a.cfg.ReadTimeout, pending)
	session.beforeClose = func(s *wsSession) {
		// Best effort; the venue drops state with the socket anyway.
		s.writeJSON(struct {
			Op   string   `json:"op"`
			Args []okxArg `json:"args"`
		}{Op: "unsubscribe", Args: args})
	}

	a.log.WithFields(logger.Fields{"args": len(args)}).Info("okx session established")
	return &okxStream{wsSession: session}, nil
}

func (a *OKXAdapter) args(subs []Subscription) ([]okxArg, error) {
	seen := make(map[okxArg]bool)
	var args []okxArg
	add := func(arg okxArg) {
		if !seen[arg] {
			seen[arg] = true
			args = append(args, arg)
		}
	}

	for _, sub := range subs {
		venueSym, ok := a.sym.VenueSymbol(OKX, sub.Symbol)
		if !ok {
			return nil, fmt.Errorf("okx: no symbol mapping for %s", sub.Symbol)
		}
		switch sub.Channel {
		case ChannelQuote:
			add(okxArg{Channel: "tickers", InstID: venueSym})
		case ChannelTrade:
			add(okxArg{Channel: "trades", InstID: venueSym})
		case ChannelBook:
			add(okxArg{Channel: "books5", InstID: venueSym})
		case ChannelFunding:
			add(okxArg{Channel: "funding-rate", InstID: venueSym})
		case ChannelOpenInterest:
			add(okxArg{Channel: "open-interest", InstID: venueSym})
		default:
			return nil, fmt.Errorf("okx: unsupported channel %q", sub.Channel)
		}
	}
	return args, nil
}

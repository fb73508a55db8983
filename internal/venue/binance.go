package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"quoteflow/internal/symbols"
	"quoteflow/logger"
)

const binanceOIPollInterval = 30 * time.Second

// BinanceAdapter speaks the Binance USD-M futures combined stream protocol.
// Order book seeds and open interest have no websocket stream, so they are
// fetched over REST and injected into the session with a synthetic event tag.
type BinanceAdapter struct {
	cfg  BinanceConfig
	sym  *symbols.Map
	rest *futures.Client
	log  *logger.Entry
}

// BinanceConfig carries the connection parameters the adapter needs.
type BinanceConfig struct {
	WsURL            string
	RestURL          string
	HandshakeTimeout time.Duration
	SubscribeTimeout time.Duration
	ReadTimeout      time.Duration
	DepthLimit       int
}

func NewBinance(cfg BinanceConfig, sym *symbols.Map, log *logger.Log) *BinanceAdapter {
	rest := futures.NewClient("", "")
	if cfg.RestURL != "" {
		rest.BaseURL = cfg.RestURL
	}
	if cfg.DepthLimit <= 0 {
		cfg.DepthLimit = 20
	}
	return &BinanceAdapter{
		cfg:  cfg,
		sym:  sym,
		rest: rest,
		log:  log.WithComponent("venue.binance"),
	}
}

func (a *BinanceAdapter) Name() string { return Binance }

type binanceStream struct {
	*wsSession
	cancelPolls context.CancelFunc
}

func (s *binanceStream) SendHeartbeat() error {
	// Binance keeps the connection alive with ws-level ping/pong frames.
	return s.writePing()
}

func (s *binanceStream) Close() error {
	s.cancelPolls()
	return s.wsSession.Close()
}

func (a *BinanceAdapter) Connect(ctx context.Context, subs []Subscription) (Stream, error) {
	streams, bookSyms, oiSyms, err := a.plan(subs)
	if err != nil {
		return nil, err
	}

	conn, err := dialWS(ctx, Binance, a.cfg.WsURL, a.cfg.HandshakeTimeout)
	if err != nil {
		return nil, err
	}

	var pending []RawFrame
	if len(streams) > 0 {
		reqID := time.Now().UnixNano()
		req := struct {
			Method string   `json:"method"`
			Params []string `json:"params"`
			ID     int64    `json:"id"`
		}{Method: "SUBSCRIBE", Params: streams, ID: reqID}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(req); err != nil {
			conn.Close()
			return nil, fmt.Errorf("binance subscribe: %w", err)
		}

		pending, err = awaitAck(conn, Binance, a.cfg.SubscribeTimeout, func(msg []byte) (bool, error) {
			var ack struct {
				ID    int64 `json:"id"`
				Error *struct {
					Code int    `json:"code"`
					Msg  string `json:"msg"`
				} `json:"error"`
			}
			if err := json.Unmarshal(msg, &ack); err != nil || ack.ID != reqID {
				return false, nil
			}
			if ack.Error != nil {
				return false, &ProtocolReject{
					Venue:  Binance,
					Reason: fmt.Sprintf("code %d: %s", ack.Error.Code, ack.Error.Msg),
				}
			}
			return true, nil
		})
		if err != nil {
			conn.Close()
			return nil, err
		}
	}

	session := newWSSession(Binance, conn, a.cfg.ReadTimeout, pending)
	pollCtx, cancel := context.WithCancel(context.Background())
	stream := &binanceStream{wsSession: session, cancelPolls: cancel}

	for _, sym := range bookSyms {
		go a.seedDepth(pollCtx, session, sym)
	}
	if len(oiSyms) > 0 {
		go a.pollOpenInterest(pollCtx, session, oiSyms)
	}

	a.log.WithFields(logger.Fields{
		"streams":       len(streams),
		"depth_seeds":   len(bookSyms),
		"oi_poll_count": len(oiSyms),
	}).Info("binance session established")
	return stream, nil
}

// plan translates the subscription set into combined stream names plus the
// symbols that need REST-side work.
func (a *BinanceAdapter) plan(subs []Subscription) (streams, bookSyms, oiSyms []string, err error) {
	seen := make(map[string]bool)
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			streams = append(streams, name)
		}
	}
	oiSeen := make(map[string]bool)
	bookSeen := make(map[string]bool)

	for _, sub := range subs {
		venueSym, ok := a.sym.VenueSymbol(Binance, sub.Symbol)
		if !ok {
			return nil, nil, nil, fmt.Errorf("binance: no symbol mapping for %s", sub.Symbol)
		}
		lower := strings.ToLower(venueSym)
		switch sub.Channel {
		case ChannelQuote:
			add(lower + "@ticker")
		case ChannelTrade:
			add(lower + "@aggTrade")
		case ChannelBook:
			add(fmt.Sprintf("%s@depth%d@100ms", lower, a.cfg.DepthLimit))
			if !bookSeen[venueSym] {
				bookSeen[venueSym] = true
				bookSyms = append(bookSyms, venueSym)
			}
		case ChannelFunding:
			add(lower + "@markPrice")
		case ChannelOpenInterest:
			if !oiSeen[venueSym] {
				oiSeen[venueSym] = true
				oiSyms = append(oiSyms, venueSym)
			}
		default:
			return nil, nil, nil, fmt.Errorf("binance: unsupported channel %q", sub.Channel)
		}
	}
	return streams, bookSyms, oiSyms, nil
}

// seedDepth fetches one full order book over REST so downstream consumers
// have a complete picture before the first diff arrives.
func (a *BinanceAdapter) seedDepth(ctx context.Context, session *wsSession, venueSym string) {
	depth, err := a.rest.NewDepthService().Symbol(venueSym).Limit(a.cfg.DepthLimit).Do(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.log.WithError(err).WithFields(logger.Fields{"symbol": venueSym}).Warn("depth seed failed")
		}
		return
	}

	frame := struct {
		Event        string     `json:"e"`
		Symbol       string     `json:"s"`
		LastUpdateID int64      `json:"lastUpdateId"`
		Bids         [][]string `json:"bids"`
		Asks         [][]string `json:"asks"`
	}{
		Event:        "depthSnapshot",
		Symbol:       venueSym,
		LastUpdateID: depth.LastUpdateID,
		Bids:         make([][]string, 0, len(depth.Bids)),
		Asks:         make([][]string, 0, len(depth.Asks)),
	}
	for _, b := range depth.Bids {
		frame.Bids = append(frame.Bids, []string{b.Price, b.Quantity})
	}
	for _, ask := range depth.Asks {
		frame.Asks = append(frame.Asks, []string{ask.Price, ask.Quantity})
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		a.log.WithError(err).Error("failed to encode depth seed")
		return
	}
	session.inject(payload)
}

// pollOpenInterest fetches open interest over REST on a fixed cadence and
// injects the results as synthetic frames.
func (a *BinanceAdapter) pollOpenInterest(ctx context.Context, session *wsSession, venueSyms []string) {
	ticker := time.NewTicker(binanceOIPollInterval)
	defer ticker.Stop()

	poll := func() {
		for _, sym := range venueSyms {
			oi, err := a.rest.NewGetOpenInterestService().Symbol(sym).Do(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.log.WithError(err).WithFields(logger.Fields{"symbol": sym}).Warn("open interest poll failed")
				}
				return
			}
			payload, err := json.Marshal(struct {
				Event        string `json:"e"`
				Symbol       string `json:"s"`
				OpenInterest string `json:"openInterest"`
				Time         int64  `json:"time"`
			}{Event: "openInterest", Symbol: oi.Symbol, OpenInterest: oi.OpenInterest, Time: oi.Time})
			if err != nil {
				a.log.WithError(err).Error("failed to encode open interest")
				return
			}
			if !session.inject(payload) {
				return
			}
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}

package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"quoteflow/internal/symbols"
	"quoteflow/logger"
)

const (
	krakenDefaultRestURL      = "https://futures.kraken.com"
	krakenDefaultPollInterval = 30 * time.Second
	krakenTickersPath         = "/derivatives/api/v3/tickers"
)

// KrakenAdapter collects Kraken Futures funding rates and open interest.
// The venue exposes both only through its REST tickers endpoint, so the
// stream is a poller rather than a websocket: each cycle fetches every
// ticker and emits one tagged frame per (instrument, concern).
type KrakenAdapter struct {
	cfg    KrakenConfig
	sym    *symbols.Map
	client *http.Client
	log    *logger.Entry
}

type KrakenConfig struct {
	RestURL      string
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

func NewKraken(cfg KrakenConfig, sym *symbols.Map, log *logger.Log) *KrakenAdapter {
	if cfg.RestURL == "" {
		cfg.RestURL = krakenDefaultRestURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = krakenDefaultPollInterval
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	return &KrakenAdapter{
		cfg:    cfg,
		sym:    sym,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		log:    log.WithComponent("venue.kraken"),
	}
}

func (a *KrakenAdapter) Name() string { return Kraken }

// krakenStream delivers poll results through the Stream surface. There is
// no venue-side session to keep alive, so the heartbeat is a no-op.
type krakenStream struct {
	frames  chan RawFrame
	done    chan struct{}
	cancel  context.CancelFunc
	stamper frameStamper

	closeOnce sync.Once
}

func (s *krakenStream) Read(ctx context.Context) (RawFrame, error) {
	select {
	case frame := <-s.frames:
		return frame, nil
	default:
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-ctx.Done():
		return RawFrame{}, ctx.Err()
	case <-s.done:
		return RawFrame{}, ErrStreamClosed
	}
}

func (s *krakenStream) SendHeartbeat() error { return nil }

func (s *krakenStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.done)
	})
	return nil
}

func (s *krakenStream) emit(payload []byte) bool {
	select {
	case s.frames <- RawFrame{Venue: Kraken, Payload: payload, ReceivedAt: s.stamper.stamp()}:
		return true
	case <-s.done:
		return false
	}
}

func (a *KrakenAdapter) Connect(ctx context.Context, subs []Subscription) (Stream, error) {
	want, err := a.plan(subs)
	if err != nil {
		return nil, err
	}

	// The first fetch doubles as the dial: an unreachable endpoint fails
	// the attempt here and goes through the usual backoff.
	tickers, err := a.fetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	notifyDialed(ctx)

	pollCtx, cancel := context.WithCancel(context.Background())
	stream := &krakenStream{
		frames: make(chan RawFrame, sessionFrameBuffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go a.poll(pollCtx, stream, want, tickers)

	a.log.WithFields(logger.Fields{"instruments": len(want)}).Info("kraken poller started")
	return stream, nil
}

// krakenWant records which concerns a polled instrument should emit.
type krakenWant struct {
	funding      bool
	openInterest bool
}

func (a *KrakenAdapter) plan(subs []Subscription) (map[string]krakenWant, error) {
	want := make(map[string]krakenWant)
	for _, sub := range subs {
		venueSym, ok := a.sym.VenueSymbol(Kraken, sub.Symbol)
		if !ok {
			return nil, fmt.Errorf("kraken: no symbol mapping for %s", sub.Symbol)
		}
		w := want[venueSym]
		switch sub.Channel {
		case ChannelFunding:
			w.funding = true
		case ChannelOpenInterest:
			w.openInterest = true
		default:
			return nil, fmt.Errorf("kraken: unsupported channel %q", sub.Channel)
		}
		want[venueSym] = w
	}
	if len(want) == 0 {
		return nil, fmt.Errorf("kraken: empty subscription set")
	}
	return want, nil
}

// krakenTickerMeta reads just enough of a ticker to route it; the full
// body is forwarded untouched so numerics stay textual.
type krakenTickerMeta struct {
	Symbol       string       `json:"symbol"`
	Tag          string       `json:"tag"`
	FundingRate  *json.Number `json:"fundingRate"`
	OpenInterest *json.Number `json:"openInterest"`
}

func (a *KrakenAdapter) fetchTickers(ctx context.Context) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RestURL+krakenTickersPath, nil)
	if err != nil {
		return nil, fmt.Errorf("kraken tickers: %w", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kraken tickers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("kraken tickers: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Result  string            `json:"result"`
		Tickers []json.RawMessage `json:"tickers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("kraken tickers: %w", err)
	}
	if out.Result != "success" {
		return nil, fmt.Errorf("kraken tickers: result %q", out.Result)
	}
	return out.Tickers, nil
}

func (a *KrakenAdapter) poll(ctx context.Context, stream *krakenStream, want map[string]krakenWant, first []json.RawMessage) {
	a.dispatch(stream, want, first)

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tickers, err := a.fetchTickers(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.log.WithError(err).Warn("kraken poll failed")
				}
				continue
			}
			if !a.dispatch(stream, want, tickers) {
				return
			}
		}
	}
}

// dispatch fans one poll result out as tagged frames, one per concern the
// subscription set asked for. Only perpetual contracts carry funding and
// open interest.
func (a *KrakenAdapter) dispatch(stream *krakenStream, want map[string]krakenWant, tickers []json.RawMessage) bool {
	for _, raw := range tickers {
		var meta krakenTickerMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			continue
		}
		w, ok := want[meta.Symbol]
		if !ok || meta.Tag != "perpetual" {
			continue
		}
		if w.funding && meta.FundingRate != nil {
			if !a.emitTagged(stream, "funding_rate", raw) {
				return false
			}
		}
		if w.openInterest && meta.OpenInterest != nil {
			if !a.emitTagged(stream, "open_interest", raw) {
				return false
			}
		}
	}
	return true
}

func (a *KrakenAdapter) emitTagged(stream *krakenStream, feed string, ticker json.RawMessage) bool {
	payload, err := json.Marshal(struct {
		Feed   string          `json:"feed"`
		Ticker json.RawMessage `json:"ticker"`
	}{Feed: feed, Ticker: ticker})
	if err != nil {
		a.log.WithError(err).Error("failed to encode kraken frame")
		return true
	}
	return stream.emit(payload)
}

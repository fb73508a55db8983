package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"quoteflow/config"
	"quoteflow/internal/event"
	"quoteflow/internal/symbols"
	"quoteflow/internal/venue"
	"quoteflow/logger"
)

type stubStream struct {
	venue     string
	frames    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (s *stubStream) Read(ctx context.Context) (venue.RawFrame, error) {
	select {
	case payload := <-s.frames:
		return venue.RawFrame{Venue: s.venue, Payload: payload, ReceivedAt: time.Now().UTC()}, nil
	case <-ctx.Done():
		return venue.RawFrame{}, ctx.Err()
	case <-s.done:
		return venue.RawFrame{}, venue.ErrStreamClosed
	}
}

func (s *stubStream) SendHeartbeat() error { return nil }

func (s *stubStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

type stubAdapter struct {
	name    string
	payload []byte
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Connect(ctx context.Context, subs []venue.Subscription) (venue.Stream, error) {
	s := &stubStream{venue: a.name, frames: make(chan []byte, 1), done: make(chan struct{})}
	if a.payload != nil {
		s.frames <- a.payload
	}
	return s, nil
}

func testConfig() *config.Config {
	vc := func() config.VenueConfig {
		return config.VenueConfig{
			Enabled:           true,
			WsURL:             "ws://unused",
			Symbols:           []string{"BTC-USD"},
			Channels:          []string{"quote", "trade"},
			HeartbeatInterval: time.Second,
			ReadTimeout:       5 * time.Second,
		}
	}
	return &config.Config{
		Quoteflow: config.QuoteflowConfig{Name: "quoteflow-test", Version: "0.0.0"},
		Venues:    map[string]config.VenueConfig{"binance": vc(), "bybit": vc(), "okx": vc()},
		Symbols: config.SymbolsConfig{Map: map[string]map[string]string{
			"binance": {"BTC-USD": "BTCUSDT"},
			"bybit":   {"BTC-USD": "BTCUSDT"},
			"okx":     {"BTC-USD": "BTC-USDT-SWAP"},
		}},
		Backoff:      config.BackoffConfig{Min: time.Millisecond, Max: 10 * time.Millisecond, Factor: 2, ResetAfter: time.Minute},
		Router:       config.RouterConfig{QueueDepth: 64},
		Sink:         config.SinkConfig{BatchSize: 10, BatchInterval: 20 * time.Millisecond, WriteRetries: 1, RetryBackoff: time.Millisecond},
		Orchestrator: config.OrchestratorConfig{ShutdownGrace: 2 * time.Second, DialsPerSec: 1000},
	}
}

func stubFactory(t *testing.T) AdapterFactory {
	return func(name string, vc config.VenueConfig, sym *symbols.Map, log *logger.Log) (venue.Adapter, error) {
		a := &stubAdapter{name: name}
		if name == venue.Binance {
			a.payload = []byte(`{"e":"trade","s":"BTCUSDT","t":1,"p":"42500.25","q":"0.1","T":1714564798123,"m":false}`)
		}
		return a, nil
	}
}

func TestOrchestratorRoutesFramesToCache(t *testing.T) {
	o, err := NewWithFactory(testConfig(), stubFactory(t), logger.GetLogger())
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if ev, ok := o.Cache().Get("binance", "BTC-USD", event.KindTrade); ok {
			if ev.Trade.Price.String() != "42500.25" {
				t.Errorf("cached price = %s", ev.Trade.Price)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trade never reached the cache")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
}

func TestOrchestratorShutsDownAllVenuesWithinGrace(t *testing.T) {
	o, err := NewWithFactory(testConfig(), stubFactory(t), logger.GetLogger())
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// Wait until every venue is streaming.
	deadline := time.Now().Add(2 * time.Second)
	for {
		streaming := 0
		for _, st := range o.Status() {
			if st.State == venue.StateStreaming {
				streaming++
			}
		}
		if streaming == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("venues never reached streaming: %+v", o.Status())
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if elapsed := time.Since(start); elapsed > testConfig().Orchestrator.ShutdownGrace+time.Second {
		t.Errorf("shutdown took %s, beyond the grace period", elapsed)
	}

	for name, st := range o.Status() {
		if st.State != venue.StateDisconnected {
			t.Errorf("venue %s left in state %s", name, st.State)
		}
	}
}

func TestOrchestratorVenuesAreIndependent(t *testing.T) {
	factory := func(name string, vc config.VenueConfig, sym *symbols.Map, log *logger.Log) (venue.Adapter, error) {
		if name == venue.Bybit {
			// Permanently rejecting venue.
			return rejectAdapter{name: name}, nil
		}
		a := &stubAdapter{name: name}
		if name == venue.Binance {
			a.payload = []byte(`{"e":"trade","s":"BTCUSDT","t":1,"p":"42500.25","q":"0.1","T":1714564798123,"m":false}`)
		}
		return a, nil
	}

	o, err := NewWithFactory(testConfig(), factory, logger.GetLogger())
	if err != nil {
		t.Fatalf("NewWithFactory failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := o.Cache().Get("binance", "BTC-USD", event.KindTrade); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("healthy venue stalled behind a degraded one")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if st := o.Status()["bybit"]; !st.Degraded {
		t.Errorf("bybit status = %+v, want degraded", st)
	}

	cancel()
	<-done
}

type rejectAdapter struct {
	name string
}

func (a rejectAdapter) Name() string { return a.name }

func (a rejectAdapter) Connect(ctx context.Context, subs []venue.Subscription) (venue.Stream, error) {
	return nil, &venue.ProtocolReject{Venue: a.name, Reason: "not today"}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"quoteflow/config"
	"quoteflow/internal/cache"
	"quoteflow/internal/metrics"
	"quoteflow/internal/normalize"
	"quoteflow/internal/router"
	"quoteflow/internal/sink"
	"quoteflow/internal/symbols"
	"quoteflow/internal/venue"
	"quoteflow/logger"
)

// AdapterFactory builds the adapter for one configured venue.
type AdapterFactory func(name string, vc config.VenueConfig, sym *symbols.Map, log *logger.Log) (venue.Adapter, error)

// Orchestrator owns the whole ingestion pipeline: one managed connection
// per enabled venue, the normalizer, the router, the latest-value cache,
// and the storage writers. Venues run independently; one failing or
// degrading never touches the others.
type Orchestrator struct {
	cfg    *config.Config
	log    *logger.Log
	sym    *symbols.Map
	norm   *normalize.Normalizer
	router *router.Router
	cache  *cache.Latest

	conns map[string]*venue.Connection
}

func New(cfg *config.Config, log *logger.Log) (*Orchestrator, error) {
	return NewWithFactory(cfg, defaultAdapter, log)
}

func NewWithFactory(cfg *config.Config, factory AdapterFactory, log *logger.Log) (*Orchestrator, error) {
	sym := symbols.NewMap(cfg.Symbols.Map)
	o := &Orchestrator{
		cfg:    cfg,
		log:    log,
		sym:    sym,
		norm:   normalize.New(sym),
		router: router.New(log),
		cache:  cache.New(),
		conns:  make(map[string]*venue.Connection),
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.Orchestrator.DialsPerSec), 1)
	for _, name := range cfg.EnabledVenues() {
		vc := cfg.Venues[name]
		adapter, err := factory(name, vc, sym, log)
		if err != nil {
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		subs := buildSubscriptions(vc)
		opts := venue.ConnOptions{
			Backoff: venue.BackoffPolicy{
				Min:        cfg.Backoff.Min,
				Max:        cfg.Backoff.Max,
				Factor:     cfg.Backoff.Factor,
				ResetAfter: cfg.Backoff.ResetAfter,
			},
			HeartbeatInterval: vc.HeartbeatInterval,
			Limiter:           limiter,
		}
		o.conns[name] = venue.NewConnection(adapter, subs, o.handleFrame, opts, log)
	}
	return o, nil
}

func defaultAdapter(name string, vc config.VenueConfig, sym *symbols.Map, log *logger.Log) (venue.Adapter, error) {
	switch name {
	case venue.Binance:
		return venue.NewBinance(venue.BinanceConfig{
			WsURL:            vc.WsURL,
			RestURL:          vc.RestURL,
			HandshakeTimeout: vc.HandshakeTimeout,
			SubscribeTimeout: vc.SubscribeTimeout,
			ReadTimeout:      vc.ReadTimeout,
			DepthLimit:       vc.DepthLimit,
		}, sym, log), nil
	case venue.Bybit:
		return venue.NewBybit(venue.BybitConfig{
			WsURL:            vc.WsURL,
			HandshakeTimeout: vc.HandshakeTimeout,
			SubscribeTimeout: vc.SubscribeTimeout,
			ReadTimeout:      vc.ReadTimeout,
			DepthLimit:       vc.DepthLimit,
		}, sym, log), nil
	case venue.OKX:
		return venue.NewOKX(venue.OKXConfig{
			WsURL:            vc.WsURL,
			HandshakeTimeout: vc.HandshakeTimeout,
			SubscribeTimeout: vc.SubscribeTimeout,
			ReadTimeout:      vc.ReadTimeout,
		}, sym, log), nil
	case venue.Gate:
		return venue.NewGate(venue.GateConfig{
			WsURL:            vc.WsURL,
			HandshakeTimeout: vc.HandshakeTimeout,
			SubscribeTimeout: vc.SubscribeTimeout,
			ReadTimeout:      vc.ReadTimeout,
			DepthLimit:       vc.DepthLimit,
		}, sym, log), nil
	case venue.Kraken:
		return venue.NewKraken(venue.KrakenConfig{
			RestURL:      vc.RestURL,
			PollInterval: vc.PollInterval,
		}, sym, log), nil
	default:
		return nil, fmt.Errorf("unknown venue")
	}
}

func buildSubscriptions(vc config.VenueConfig) []venue.Subscription {
	subs := make([]venue.Subscription, 0, len(vc.Symbols)*len(vc.Channels))
	for _, sym := range vc.Symbols {
		for _, ch := range vc.Channels {
			subs = append(subs, venue.Subscription{Symbol: sym, Channel: ch})
		}
	}
	return subs
}

// handleFrame is the connection-side hot path: normalize, then hand off to
// the router. Parse failures drop the frame and count it, nothing more; a
// malformed frame must never disturb the stream it arrived on.
func (o *Orchestrator) handleFrame(frame venue.RawFrame) {
	ev, err := o.norm.Normalize(frame)
	if err != nil {
		var perr *normalize.ParseError
		if errors.As(err, &perr) {
			o.log.WithComponent("normalize").WithVenue(frame.Venue).WithError(perr).Debug("frame dropped")
		}
		metrics.EmitDropMetric(o.log, metrics.DropMetricParseFailure, frame.Venue, "", "")
		return
	}
	if ev == nil {
		return
	}
	o.router.Publish(ev)
}

// Cache exposes the latest-value cache for read-side consumers.
func (o *Orchestrator) Cache() *cache.Latest {
	return o.cache
}

// Status reports a health snapshot for every managed connection.
func (o *Orchestrator) Status() map[string]venue.ConnStatus {
	out := make(map[string]venue.ConnStatus, len(o.conns))
	for name, conn := range o.conns {
		out[name] = conn.Status()
	}
	return out
}

// Run brings the pipeline up and blocks until the context is cancelled,
// then shuts everything down within the configured grace period. Order
// matters on the way down: connections stop first, then the router closes
// so the writers drain and final-flush before their stores close.
func (o *Orchestrator) Run(ctx context.Context) error {
	log := o.log.WithComponent("orchestrator")

	var stores []sink.DocumentStore
	var writerWG sync.WaitGroup

	if o.cfg.Storage.Postgres.Enabled {
		store, err := sink.NewPostgresStore(ctx, o.cfg.Storage.Postgres, o.log)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		stores = append(stores, store)
		o.startWriter(&writerWG, "postgres", store)
	}
	if o.cfg.Storage.Kafka.Enabled {
		store := sink.NewKafkaStore(o.cfg.Storage.Kafka, o.log)
		stores = append(stores, store)
		o.startWriter(&writerWG, "kafka", store)
	}

	cacheCh := o.router.Register("cache", o.cfg.Router.QueueDepth)
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		o.cache.Consume(cacheCh)
	}()

	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	var connWG sync.WaitGroup
	for name, conn := range o.conns {
		connWG.Add(1)
		go func(name string, conn *venue.Connection) {
			defer connWG.Done()
			if err := conn.Run(connCtx); err != nil {
				log.WithError(err).WithVenue(name).Error("connection ended degraded")
			}
		}(name, conn)
	}
	log.WithFields(logger.Fields{"venues": len(o.conns)}).Info("ingestion started")

	o.startHealthLog(connCtx, log)

	<-ctx.Done()
	log.Info("shutdown requested")

	cancelConns()
	if !waitTimeout(&connWG, o.cfg.Orchestrator.ShutdownGrace) {
		log.Warn("connections did not close within grace period, abandoning them")
	}

	o.router.Close()
	if !waitTimeout(&writerWG, o.cfg.Orchestrator.ShutdownGrace) {
		log.Warn("writers did not drain within grace period")
	}

	for _, store := range stores {
		if err := store.Close(); err != nil {
			log.WithError(err).Warn("store close failed")
		}
	}
	log.Info("shutdown complete")
	return nil
}

func (o *Orchestrator) startWriter(wg *sync.WaitGroup, name string, store sink.DocumentStore) {
	ch := o.router.Register(name, o.cfg.Router.QueueDepth)
	w := sink.NewWriter(name, store, sink.Options{
		BatchSize:     o.cfg.Sink.BatchSize,
		BatchInterval: o.cfg.Sink.BatchInterval,
		WriteRetries:  o.cfg.Sink.WriteRetries,
		RetryBackoff:  o.cfg.Sink.RetryBackoff,
	}, o.log)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(context.Background(), ch)
	}()
}

func (o *Orchestrator) startHealthLog(ctx context.Context, log *logger.Entry) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, st := range o.Status() {
					log.WithVenue(name).WithFields(logger.Fields{
						"state":      string(st.State),
						"frames":     st.Frames,
						"reconnects": st.Reconnects,
						"last_frame": st.LastFrameAt.Format(time.RFC3339),
						"degraded":   st.Degraded,
					}).Info("connection health")
				}
			}
		}
	}()
}

// waitTimeout waits for the group up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"quoteflow/config"
	"quoteflow/internal/event"
	"quoteflow/logger"
)

// PostgresStore persists canonical events as JSONB documents, one row per
// event, with the identity columns pulled out for indexing.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
	log   *logger.Entry
}

func NewPostgresStore(ctx context.Context, cfg config.PostgresConfig, log *logger.Log) (*PostgresStore, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	table := cfg.Table
	if table == "" {
		table = "market_events"
	}
	s := &PostgresStore{pool: pool, table: table, log: log.WithComponent("sink.postgres")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s.log.WithFields(logger.Fields{"table": table}).Info("postgres store ready")
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id          BIGSERIAL PRIMARY KEY,
			batch_id    UUID        NOT NULL,
			venue       TEXT        NOT NULL,
			symbol      TEXT        NOT NULL,
			kind        TEXT        NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL,
			ingested_at TIMESTAMPTZ NOT NULL,
			payload     JSONB       NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %s_identity_idx ON %s (venue, symbol, kind, ingested_at);
	`, s.table, s.table, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, batchID string, events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}

	sql := fmt.Sprintf(`INSERT INTO %s (batch_id, venue, symbol, kind, observed_at, ingested_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`, s.table)

	b := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		b.Queue(sql, batchID, ev.Venue, ev.CanonicalSymbol, string(ev.Kind), ev.ObservedAt, ev.IngestedAt, payload)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()
	for range events {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert batch %s: %w", batchID, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

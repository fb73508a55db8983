package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"quoteflow/config"
	"quoteflow/internal/event"
	"quoteflow/logger"
)

// KafkaStore publishes canonical events as JSON messages. Messages are
// keyed by the event identity so per-instrument ordering survives
// partitioning.
type KafkaStore struct {
	writer *kafka.Writer
	log    *logger.Entry
}

func NewKafkaStore(cfg config.KafkaConfig, log *logger.Log) *KafkaStore {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaStore{writer: w, log: log.WithComponent("sink.kafka")}
}

func (s *KafkaStore) WriteBatch(ctx context.Context, batchID string, events []*event.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Key()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(batchID)},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish batch %s: %w", batchID, err)
	}
	return nil
}

func (s *KafkaStore) Close() error {
	return s.writer.Close()
}

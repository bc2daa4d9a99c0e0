package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"agent-notify-ws/internal/domain"
)

// KafkaProducer forwards client messages and feedback to the backend.
type KafkaProducer struct {
	Writer *kafka.Writer
	topics domain.InboundTopics
}

func NewKafkaProducer(brokers []string, topics domain.InboundTopics) *KafkaProducer {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Balancer: &kafka.Hash{},
		// Optimize for low latency
		BatchSize:    1,
		BatchTimeout: time.Millisecond,
		RequiredAcks: 1, // Wait for leader acknowledgment only
		Async:        false,
	}
	return &KafkaProducer{Writer: writer, topics: topics}
}

// Publish writes a client record to its topic, keyed by conversation so
// one conversation stays on one partition.
func (k *KafkaProducer) Publish(ctx context.Context, record interface{}) error {
	topic, key, err := k.topics.Route(record)
	if err != nil {
		return fmt.Errorf("kafka.Publish: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("kafka.Publish: marshal: %w", err)
	}

	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	}

	if err := k.Writer.WriteMessages(ctx, msg); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to send record to kafka")
		return fmt.Errorf("kafka.Publish: %w", err)
	}

	log.Debug().Str("topic", topic).Str("key", key).Msg("record sent to kafka")
	return nil
}

func (k *KafkaProducer) Close() error {
	return k.Writer.Close()
}

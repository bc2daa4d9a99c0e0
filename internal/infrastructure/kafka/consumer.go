package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"agent-notify-ws/internal/domain"
)

// ErrNoTopics is returned by Subscribe when no topic is configured.
var ErrNoTopics = errors.New("kafka: no event topics configured")

// EventConsumer feeds domain events from Kafka topics to named consumers.
// The consumer name is used as the Kafka group id.
type EventConsumer struct {
	brokers []string
	topics  []string
}

func NewEventConsumer(brokers []string, topics []string) *EventConsumer {
	return &EventConsumer{
		brokers: brokers,
		topics:  topics,
	}
}

type subscription struct {
	consumer string
	readers  []*kafka.Reader
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	err      error
}

// Subscribe starts one reader per topic in the consumer's group.
func (k *EventConsumer) Subscribe(ctx context.Context, consumer string, handle domain.EventHandler) (domain.Subscription, error) {
	if len(k.topics) == 0 {
		return nil, ErrNoTopics
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{consumer: consumer, cancel: cancel}

	for _, topic := range k.topics {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:        k.brokers,
			Topic:          topic,
			GroupID:        consumer,
			MinBytes:       1,    // Read immediately, don't wait for batches
			MaxBytes:       10e6, // 10MB max
			CommitInterval: 100 * time.Millisecond,
			StartOffset:    kafka.LastOffset,
			MaxWait:        100 * time.Millisecond,
		})
		sub.readers = append(sub.readers, reader)
	}

	for _, reader := range sub.readers {
		sub.wg.Add(1)
		go sub.consume(ctx, reader, handle)
	}

	log.Info().Str("consumer", consumer).Strs("topics", k.topics).Msg("kafka event consumer started")
	return sub, nil
}

func (s *subscription) consume(ctx context.Context, reader *kafka.Reader, handle domain.EventHandler) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("topic", reader.Config().Topic).Msg("recovered from panic in kafka consumer")
		}
	}()

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Debug().Str("topic", reader.Config().Topic).Msg("kafka consumer stopping")
				return
			}
			if errors.Is(err, kafka.RebalanceInProgress) {
				log.Info().Msg("kafka rebalance in progress, continuing")
				continue
			}
			if errors.Is(err, kafka.LeaderNotAvailable) {
				log.Info().Msg("kafka leader election in progress, continuing")
				continue
			}
			log.Error().Err(err).Str("topic", reader.Config().Topic).Msg("error reading kafka message")
			continue
		}

		handleMessage(ctx, m.Topic, m.Value, handle)
	}
}

func handleMessage(ctx context.Context, topic string, value []byte, handle domain.EventHandler) {
	ev, err := decodeEvent(value)
	if err != nil {
		log.Warn().Err(err).Str("topic", topic).Bytes("raw", value).Msg("skipping undecodable event")
		return
	}
	handle(ctx, ev)
}

func decodeEvent(value []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("kafka.decodeEvent: %w", err)
	}
	return ev, nil
}

// Unsubscribe stops the readers and leaves the consumer group.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()

		var errs []error
		for _, reader := range s.readers {
			if err := reader.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := errors.Join(errs...); err != nil {
			s.err = fmt.Errorf("kafka.Unsubscribe: %w", err)
		}
		log.Info().Str("consumer", s.consumer).Msg("kafka event consumer stopped")
	})
	return s.err
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/domain"
)

// ErrNoChannels is returned by Subscribe when no channel is configured.
var ErrNoChannels = errors.New("redis: no event channels configured")

// EventFeed delivers events published on redis channels. Pub/sub has no
// consumer groups, so the consumer name only labels logs.
type EventFeed struct {
	client   *redis.Client
	channels []string
}

func (r *RedisClient) EventFeed(channels []string) *EventFeed {
	return &EventFeed{client: r.client, channels: channels}
}

type feedSubscription struct {
	consumer string
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
	err      error
}

func (f *EventFeed) Subscribe(ctx context.Context, consumer string, handle domain.EventHandler) (domain.Subscription, error) {
	if len(f.channels) == 0 {
		return nil, ErrNoChannels
	}

	ps := f.client.Subscribe(ctx, f.channels...)

	// Wait for subscription confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis.EventFeed.Subscribe: receive confirmation: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &feedSubscription{consumer: consumer, pubsub: ps, cancel: cancel}
	messages := ps.Channel()

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("consumer", consumer).Msg("recovered from panic in redis event feed")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					log.Warn().Err(err).Str("channel", msg.Channel).Msg("skipping undecodable event")
					continue
				}
				handle(ctx, ev)
			}
		}
	}()

	log.Info().Str("consumer", consumer).Strs("channels", f.channels).Msg("redis event feed subscribed")
	return sub, nil
}

func (s *feedSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			s.err = fmt.Errorf("redis.Unsubscribe: %w", err)
		}
		s.wg.Wait()
		log.Info().Str("consumer", s.consumer).Msg("redis event feed unsubscribed")
	})
	return s.err
}

// Publisher forwards client records over redis pub/sub.
type Publisher struct {
	client *redis.Client
	topics domain.InboundTopics
}

func (r *RedisClient) Publisher(topics domain.InboundTopics) *Publisher {
	return &Publisher{client: r.client, topics: topics}
}

func (p *Publisher) Publish(ctx context.Context, record interface{}) error {
	channel, _, err := p.topics.Route(record)
	if err != nil {
		return fmt.Errorf("redis.Publish: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("redis.Publish: marshal: %w", err)
	}

	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis.Publish: %w", err)
	}
	return nil
}

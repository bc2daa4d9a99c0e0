// Package notifier wires the dispatcher and router into a named consumer
// of the event feed.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/dispatcher"
	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/metrics"
	"agent-notify-ws/internal/router"
)

// ErrAlreadyStarted is returned by Start on a running service.
var ErrAlreadyStarted = errors.New("notifier: already subscribed")

// Feed delivers events to named consumers.
type Feed interface {
	Subscribe(ctx context.Context, consumer string, handle domain.EventHandler) (domain.Subscription, error)
}

// Router is the delivery side of the pipeline.
type Router interface {
	Route(ctx context.Context, msg domain.OutboundMessage) router.Outcome
}

// Service consumes events under a fixed consumer name and routes the
// ones addressed to clients.
type Service struct {
	name   string
	router Router

	mu  sync.Mutex
	sub domain.Subscription
}

func New(name string, r Router) *Service {
	return &Service{name: name, router: r}
}

// Name is the consumer name used on the feed.
func (s *Service) Name() string { return s.name }

// Start registers the service on feed.
func (s *Service) Start(ctx context.Context, feed Feed) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		return ErrAlreadyStarted
	}
	sub, err := feed.Subscribe(ctx, s.name, s.HandleEvent)
	if err != nil {
		return fmt.Errorf("notifier.Start: %w", err)
	}
	s.sub = sub
	log.Info().Str("consumer", s.name).Msg("notifier subscribed to event feed")
	return nil
}

// Stop unsubscribes from the feed. Calling it on a stopped service is a no-op.
func (s *Service) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("notifier.Stop: %w", err)
	}
	log.Info().Str("consumer", s.name).Msg("notifier unsubscribed from event feed")
	return nil
}

// HandleEvent classifies and routes one event. It never fails the feed:
// unhandled kinds are skipped quietly and malformed events are logged
// and dropped.
func (s *Service) HandleEvent(ctx context.Context, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("type", ev.Type).Msg("recovered from panic in HandleEvent")
		}
	}()

	kind := ev.Kind()
	msg, ok, err := dispatcher.Dispatch(ev)
	if err != nil {
		metrics.IncEvent(string(kind), "malformed")
		log.Warn().Err(err).Str("type", ev.Type).Msg("dropping malformed event")
		return
	}
	if !ok {
		metrics.IncEvent(string(kind), "unhandled")
		log.Debug().Str("type", ev.Type).Msg("ignoring event kind")
		return
	}

	metrics.IncEvent(string(kind), "routed")
	outcome := s.router.Route(ctx, msg)
	log.Debug().
		Str("type", ev.Type).
		Str("session_id", msg.SessionID).
		Str("outcome", outcome.String()).
		Msg("event routed")
}

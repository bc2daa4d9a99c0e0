// Package router turns outbound messages into deliveries on the
// recipient session's channel.
package router

import (
	"context"

	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/metrics"
	"agent-notify-ws/internal/registry"
)

// Outcome is the result of routing one message. None of the outcomes is
// an error for the caller: the event pipeline keeps going regardless.
type Outcome int

const (
	// Dispatched means the channel accepted the frame for the transport.
	Dispatched Outcome = iota
	// NoRecipient means no channel is registered for the session.
	NoRecipient
	// DeliveryFailed means the channel rejected or failed the send.
	DeliveryFailed
)

func (o Outcome) String() string {
	switch o {
	case Dispatched:
		return "dispatched"
	case NoRecipient:
		return "no_recipient"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return "unknown"
	}
}

// SessionLookup resolves a session to its channel.
type SessionLookup interface {
	Lookup(sessionID string) (registry.Channel, bool)
}

type Router struct {
	sessions SessionLookup
}

func New(sessions SessionLookup) *Router {
	return &Router{sessions: sessions}
}

// Route hands msg to the session's channel in the caller's goroutine, so
// messages routed in order for one session reach the channel in order.
// Failed sends are counted and left to the channel's own reconnection;
// Route never retries.
func (r *Router) Route(ctx context.Context, msg domain.OutboundMessage) Outcome {
	ch, ok := r.sessions.Lookup(msg.SessionID)
	if !ok {
		r.record(NoRecipient, msg)
		log.Debug().
			Str("session_id", msg.SessionID).
			Str("agent_type", string(msg.AgentType)).
			Msg("no channel for session, message not delivered")
		return NoRecipient
	}

	if err := ch.Send(ctx, msg); err != nil {
		r.record(DeliveryFailed, msg)
		log.Warn().
			Err(err).
			Str("session_id", msg.SessionID).
			Str("agent_type", string(msg.AgentType)).
			Msg("delivery failed")
		return DeliveryFailed
	}

	r.record(Dispatched, msg)
	log.Debug().
		Str("session_id", msg.SessionID).
		Str("agent_type", string(msg.AgentType)).
		Msg("message dispatched")
	return Dispatched
}

func (r *Router) record(o Outcome, msg domain.OutboundMessage) {
	metrics.IncRouteOutcome(o.String(), string(msg.AgentType))
}

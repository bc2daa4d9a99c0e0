// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentnotify_events_total",
		Help: "Events received from the feed by kind and classification result",
	}, []string{"kind", "result"})

	RouteOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentnotify_route_outcomes_total",
		Help: "Router outcomes by outcome and agent type",
	}, []string{"outcome", "agent_type"})

	ChannelTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentnotify_channel_transitions_total",
		Help: "Delivery channel lifecycle transitions by target state",
	}, []string{"state"})

	ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentnotify_active_channels",
		Help: "Channels currently held by the session registry",
	})

	InboundFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentnotify_inbound_frames_total",
		Help: "Client frames received on the hub by type and result",
	}, []string{"type", "result"})
)

// IncEvent records a classified feed event.
func IncEvent(kind, result string) {
	if kind == "" {
		kind = "unknown"
	}
	EventsTotal.WithLabelValues(kind, result).Inc()
}

// IncRouteOutcome records one router decision.
func IncRouteOutcome(outcome, agentType string) {
	if agentType == "" {
		agentType = "unknown"
	}
	RouteOutcomesTotal.WithLabelValues(outcome, agentType).Inc()
}

// IncChannelTransition records a channel entering state.
func IncChannelTransition(state string) {
	ChannelTransitionsTotal.WithLabelValues(state).Inc()
}

// IncInboundFrame records a client frame handled by the hub.
func IncInboundFrame(frameType, result string) {
	InboundFramesTotal.WithLabelValues(frameType, result).Inc()
}

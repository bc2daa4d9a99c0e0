package domain

import (
	"context"
	"time"
)

// SessionIDKey is the Event.Data key carrying the target session.
const SessionIDKey = "SessionId"

// EventKind is the closed set of domain event kinds the notifier understands.
type EventKind string

const (
	CampaignCreated        EventKind = "CampaignCreated"
	GraphicDesignCreated   EventKind = "GraphicDesignCreated"
	SocialMediaPostCreated EventKind = "SocialMediaPostCreated"
	AuditorAlert           EventKind = "AuditorAlert"

	// KindUnhandled is the wildcard for every tag not listed above.
	KindUnhandled EventKind = "Unhandled"
)

// EventKinds lists every recognized kind. KindUnhandled is not part of it.
var EventKinds = []EventKind{
	CampaignCreated,
	GraphicDesignCreated,
	SocialMediaPostCreated,
	AuditorAlert,
}

// ParseEventKind maps a raw type tag onto the closed kind set.
func ParseEventKind(tag string) EventKind {
	switch k := EventKind(tag); k {
	case CampaignCreated, GraphicDesignCreated, SocialMediaPostCreated, AuditorAlert:
		return k
	default:
		return KindUnhandled
	}
}

// AgentType identifies the upstream subsystem that produced a payload.
type AgentType string

const (
	AgentWriter           AgentType = "Writer"
	AgentGraphicDesigner  AgentType = "GraphicDesigner"
	AgentCommunityManager AgentType = "CommunityManager"
	AgentAuditor          AgentType = "Auditor"
)

// Event is the unit emitted by upstream business processing.
type Event struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// Kind returns the classified kind of the event.
func (e Event) Kind() EventKind {
	return ParseEventKind(e.Type)
}

// SessionID returns the target session, or "" when absent.
func (e Event) SessionID() string {
	return e.Data[SessionIDKey]
}

// OutboundMessage is what the router hands to a delivery channel.
type OutboundMessage struct {
	SessionID string    `json:"session_id"`
	AgentType AgentType `json:"agent_type"`
	Payload   string    `json:"payload"`
}

// AgentMessage is the data block of an agent_message frame.
type AgentMessage struct {
	MessageID string    `json:"message_id"`
	SessionID string    `json:"session_id"`
	AgentType AgentType `json:"agent_type"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is what the client shows the user after sending a message.
// IsError marks a synthetic message standing in for a failed send.
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	Text           string    `json:"text"`
	Timestamp      time.Time `json:"timestamp"`
	IsError        bool      `json:"is_error"`
}

// EventHandler consumes one event delivered by a feed.
type EventHandler func(ctx context.Context, ev Event)

// Subscription is a named consumer's registration on a feed.
type Subscription interface {
	Unsubscribe() error
}

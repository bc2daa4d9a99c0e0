package domain

import (
	"encoding/json"
	"fmt"
)

// Server -> client frame types.
const (
	FrameConnectionEstablished = "connection_established"
	FrameAgentMessage          = "agent_message"
	FramePong                  = "pong"
	FrameMessageAccepted       = "message_accepted"
	FrameFeedbackAccepted      = "feedback_accepted"
	FrameError                 = "error"
)

// Client -> server frame types.
const (
	ClientFramePing     = "ping"
	ClientFrameMessage  = "message"
	ClientFrameFeedback = "feedback"
)

// WebSocketResponse is the envelope for every frame the hub writes.
type WebSocketResponse struct {
	Type    string      `json:"type"`
	Success bool        `json:"success"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error,omitempty"`
}

// ServerFrame is the decoding side of WebSocketResponse.
type ServerFrame struct {
	Type    string          `json:"type"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error,omitempty"`
}

// WebSocketMessage is a frame sent by the client.
type WebSocketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is free text the user sends into a conversation.
type ClientMessage struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Text           string `json:"text"`
}

// Feedback is a rating the user leaves on a delivered message.
type Feedback struct {
	SessionID      string `json:"sessionId"`
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	Rating         string `json:"rating"`
	ReplyMessage   string `json:"replyMessage"`
}

// NewAgentFrame wraps an agent message into the hub envelope.
func NewAgentFrame(msg AgentMessage) WebSocketResponse {
	return WebSocketResponse{
		Type:    FrameAgentMessage,
		Success: true,
		Data:    msg,
	}
}

// NewErrorFrame builds an error frame with a user-facing explanation.
func NewErrorFrame(errorMsg string) WebSocketResponse {
	return WebSocketResponse{
		Type:    FrameError,
		Success: false,
		Error:   errorMsg,
	}
}

// InboundTopics names the destinations for client-originated records.
type InboundTopics struct {
	Messages string
	Feedback string
}

// Route returns the destination and partition key for a client record.
func (t InboundTopics) Route(record interface{}) (topic, key string, err error) {
	switch r := record.(type) {
	case ClientMessage:
		return t.Messages, r.ConversationID, nil
	case Feedback:
		return t.Feedback, r.ConversationID, nil
	default:
		return "", "", fmt.Errorf("%w: %T", ErrUnsupportedRecord, record)
	}
}

package domain

import "time"

// Presence states stored for a session.
const (
	PresenceConnected    = "connected"
	PresenceReconnecting = "reconnecting"
	PresenceDisconnected = "disconnected"
)

// SessionPresence describes where a session's channel currently stands.
type SessionPresence struct {
	SessionID string    `json:"session_id"`
	ChannelID string    `json:"channel_id,omitempty"`
	State     string    `json:"state"`
	Node      string    `json:"node,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

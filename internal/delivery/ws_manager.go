package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/metrics"
	"agent-notify-ws/internal/registry"
)

const (
	maxSessionIDLength = 128
	presenceTimeout    = 2 * time.Second

	// Shown to the user instead of a raw transport or broker error.
	retryLaterMessage = "Sorry, something went wrong. Please retry later."
)

// InboundPublisher forwards client records to the backend.
type InboundPublisher interface {
	Publish(ctx context.Context, record interface{}) error
}

// PresenceStore keeps the shared view of which channel owns a session.
type PresenceStore interface {
	MarkConnected(ctx context.Context, sessionID, channelID string) error
	MarkReconnecting(ctx context.Context, sessionID, channelID string) (bool, error)
	ClearPresence(ctx context.Context, sessionID, channelID string) (bool, error)
	GetPresence(ctx context.Context, sessionID string) (domain.SessionPresence, error)
}

// wsConn is the part of *websocket.Conn the manager uses.
type wsConn interface {
	channel.Transport
	ReadJSON(v interface{}) error
}

type WSManager struct {
	registry     *registry.SessionRegistry
	presence     PresenceStore
	publisher    InboundPublisher
	policy       channel.Policy
	writeTimeout time.Duration
}

func NewWSManager(reg *registry.SessionRegistry, presence PresenceStore, publisher InboundPublisher, policy channel.Policy, writeTimeout time.Duration) *WSManager {
	return &WSManager{
		registry:     reg,
		presence:     presence,
		publisher:    publisher,
		policy:       policy,
		writeTimeout: writeTimeout,
	}
}

// HandleConnection serves one client connection until it is closed or
// dropped. A client coming back to a session whose channel is still
// reconnecting resumes that channel; otherwise a new channel replaces
// whatever the session had.
func (w *WSManager) HandleConnection(c wsConn, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", sessionID).Msg("recovered from panic in HandleConnection")
		}
	}()

	if err := validateSessionID(sessionID); err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("rejecting connection")
		w.sendErrorResponse(c, err.Error())
		return
	}

	ch, resumed := w.attach(c, sessionID)
	if ch == nil {
		w.sendErrorResponse(c, retryLaterMessage)
		return
	}

	ctx := context.Background()
	w.sendWelcomeMessage(ctx, ch, resumed)

	for {
		var msg domain.WebSocketMessage
		if err := c.ReadJSON(&msg); err != nil {
			w.handleReadError(ch, c, err)
			return
		}
		w.handleIncomingMessage(ctx, ch, &msg)
	}
}

func (w *WSManager) attach(c wsConn, sessionID string) (*channel.Channel, bool) {
	if existing, ok := w.registry.Lookup(sessionID); ok {
		if ch, ok := existing.(*channel.Channel); ok && ch.Resume(c) {
			return ch, true
		}
	}

	ch := channel.New(sessionID, channel.Options{
		Policy:       w.policy,
		WriteTimeout: w.writeTimeout,
		Hooks:        w.hooks(),
	})
	if err := ch.Attach(c); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to attach connection")
		return nil, false
	}
	w.registry.Register(sessionID, ch)
	return ch, false
}

// handleReadError closes the channel on a clean client close and treats
// anything else as a drop the client may recover from.
func (w *WSManager) handleReadError(ch *channel.Channel, c wsConn, err error) {
	if isExplicitClose(err) && ch.Transport() == channel.Transport(c) {
		log.Info().Str("session_id", ch.SessionID()).Msg("client closed connection")
		_ = ch.Close()
		return
	}
	log.Debug().Err(err).Str("session_id", ch.SessionID()).Msg("websocket read error")
	ch.TransportLost(c, err)
}

func isExplicitClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

func (w *WSManager) hooks() channel.Hooks {
	return channel.Hooks{
		OnConnect: func(ch *channel.Channel) {
			w.markConnected(ch)
		},
		OnReconnected: func(ch *channel.Channel) {
			w.markConnected(ch)
		},
		OnReconnecting: func(ch *channel.Channel, _ error) {
			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			defer cancel()
			if _, err := w.presence.MarkReconnecting(ctx, ch.SessionID(), ch.ID()); err != nil {
				log.Warn().Err(err).Str("session_id", ch.SessionID()).Msg("failed to mark session reconnecting")
			}
		},
		OnDisconnect: func(ch *channel.Channel, err error) {
			w.registry.Release(ch.SessionID(), ch)

			ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
			defer cancel()
			if _, perr := w.presence.ClearPresence(ctx, ch.SessionID(), ch.ID()); perr != nil {
				log.Warn().Err(perr).Str("session_id", ch.SessionID()).Msg("failed to clear session presence")
			}
			if errors.Is(err, channel.ErrTransportExhausted) {
				log.Warn().Str("session_id", ch.SessionID()).Msg("client did not come back, session disconnected")
			}
		},
	}
}

func (w *WSManager) markConnected(ch *channel.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceTimeout)
	defer cancel()
	if err := w.presence.MarkConnected(ctx, ch.SessionID(), ch.ID()); err != nil {
		log.Warn().Err(err).Str("session_id", ch.SessionID()).Msg("failed to mark session connected")
	}
}

func validateSessionID(sessionID string) error {
	switch {
	case strings.TrimSpace(sessionID) == "":
		return errors.New("session id is required")
	case len(sessionID) > maxSessionIDLength:
		return errors.New("session id is too long")
	}
	return nil
}

func (w *WSManager) sendWelcomeMessage(ctx context.Context, ch *channel.Channel, resumed bool) {
	response := domain.WebSocketResponse{
		Type:    domain.FrameConnectionEstablished,
		Success: true,
		Data: map[string]interface{}{
			"session_id": ch.SessionID(),
			"channel_id": ch.ID(),
			"resumed":    resumed,
			"timestamp":  time.Now().Format(time.RFC3339),
		},
	}

	if err := ch.Write(ctx, response); err != nil {
		log.Warn().Err(err).Str("session_id", ch.SessionID()).Msg("failed to send welcome message")
	}
}

// sendErrorResponse writes straight to a connection that has no channel.
func (w *WSManager) sendErrorResponse(c wsConn, errorMsg string) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic in sendErrorResponse")
		}
	}()

	if err := c.WriteJSON(domain.NewErrorFrame(errorMsg)); err != nil {
		log.Debug().Err(err).Msg("failed to send error response")
	}
}

func (w *WSManager) reply(ctx context.Context, ch *channel.Channel, response domain.WebSocketResponse) {
	if err := ch.Write(ctx, response); err != nil {
		log.Debug().Err(err).Str("session_id", ch.SessionID()).Str("type", response.Type).Msg("failed to reply")
	}
}

func (w *WSManager) handleIncomingMessage(ctx context.Context, ch *channel.Channel, msg *domain.WebSocketMessage) {
	switch msg.Type {
	case domain.ClientFramePing:
		metrics.IncInboundFrame(msg.Type, "ok")
		w.reply(ctx, ch, domain.WebSocketResponse{
			Type:    domain.FramePong,
			Success: true,
			Data: map[string]interface{}{
				"timestamp": time.Now().Format(time.RFC3339),
			},
		})

	case domain.ClientFrameMessage:
		var record domain.ClientMessage
		if err := json.Unmarshal(msg.Data, &record); err != nil || strings.TrimSpace(record.Text) == "" {
			metrics.IncInboundFrame(msg.Type, "invalid")
			w.reply(ctx, ch, domain.NewErrorFrame("message text is required"))
			return
		}
		record.SessionID = ch.SessionID()
		w.forward(ctx, ch, msg.Type, record, domain.FrameMessageAccepted, record.ConversationID)

	case domain.ClientFrameFeedback:
		var record domain.Feedback
		if err := json.Unmarshal(msg.Data, &record); err != nil || record.MessageID == "" {
			metrics.IncInboundFrame(msg.Type, "invalid")
			w.reply(ctx, ch, domain.NewErrorFrame("feedback requires a message id"))
			return
		}
		record.SessionID = ch.SessionID()
		w.forward(ctx, ch, msg.Type, record, domain.FrameFeedbackAccepted, record.ConversationID)

	default:
		metrics.IncInboundFrame("unknown", "invalid")
		log.Debug().Str("type", msg.Type).Str("session_id", ch.SessionID()).Msg("unknown client frame type")
		w.reply(ctx, ch, domain.NewErrorFrame("Unknown message type: "+msg.Type))
	}
}

// forward publishes a client record and acknowledges it. A publish
// failure becomes an explained error frame rather than a dropped socket.
func (w *WSManager) forward(ctx context.Context, ch *channel.Channel, frameType string, record interface{}, ackType, conversationID string) {
	if err := w.publisher.Publish(ctx, record); err != nil {
		metrics.IncInboundFrame(frameType, "failed")
		log.Error().Err(err).Str("session_id", ch.SessionID()).Str("type", frameType).Msg("failed to forward client record")
		w.reply(ctx, ch, domain.NewErrorFrame(retryLaterMessage))
		return
	}

	metrics.IncInboundFrame(frameType, "ok")
	w.reply(ctx, ch, domain.WebSocketResponse{
		Type:    ackType,
		Success: true,
		Data: map[string]interface{}{
			"id":             uuid.NewString(),
			"conversationId": conversationID,
			"timestamp":      time.Now().Format(time.RFC3339),
		},
	})
}

// GetActiveConnections returns session id -> channel state for monitoring
func (w *WSManager) GetActiveConnections() map[string]string {
	return w.registry.Snapshot()
}

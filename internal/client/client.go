// Package client is the client-side connection manager for the
// notification hub. It keeps one delivery channel open to the hub for a
// session, redials it with backoff when it drops, and surfaces agent
// messages as they arrive.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/domain"
)

// RetryLaterMessage is the text of the synthetic message returned when a
// send fails.
const RetryLaterMessage = "Sorry, something went wrong. Please retry later."

var (
	// ErrReplyLost means the connection dropped before the hub answered.
	ErrReplyLost = errors.New("client: connection lost before reply")
	// ErrRejected means the hub answered with an error frame.
	ErrRejected = errors.New("client: rejected by hub")
)

type Options struct {
	Policy       channel.Policy
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
	// Buffer is the capacity of the Messages channel.
	Buffer int
	// OnStateChange observes channel lifecycle transitions.
	OnStateChange func(state channel.State)
}

type Client struct {
	sessionID string
	url       string
	dialer    *websocket.Dialer
	ch        *channel.Channel
	opts      Options
	messages  chan domain.AgentMessage
	readers   sync.WaitGroup

	// The hub answers message and feedback frames in the order it
	// received them, so sendMu keeps pending in wire order.
	sendMu  sync.Mutex
	pendMu  sync.Mutex
	pending []chan domain.ServerFrame
}

// New prepares a client for sessionID against the hub at baseURL
// (e.g. ws://localhost:8082). Nothing is dialed until Connect.
func New(baseURL, sessionID string, opts Options) (*Client, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, errors.New("client.New: session id is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("client.New: %w", err)
	}
	u = u.JoinPath("hub", sessionID)

	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}

	c := &Client{
		sessionID: sessionID,
		url:       u.String(),
		dialer:    opts.Dialer,
		opts:      opts,
		messages:  make(chan domain.AgentMessage, opts.Buffer),
	}
	c.ch = channel.New(sessionID, channel.Options{
		Policy:       opts.Policy,
		Reconnector:  channel.DialAfter(c.dial),
		WriteTimeout: opts.WriteTimeout,
		Hooks: channel.Hooks{
			OnConnect:      c.onConnected,
			OnReconnected:  c.onConnected,
			OnReconnecting: c.onReconnecting,
			OnDisconnect:   c.onDisconnect,
		},
	})
	return c, nil
}

// Connect dials the hub. A failed first dial leaves the client
// disconnected; Connect may be called again.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ch.Connect(ctx, c.dial); err != nil {
		return fmt.Errorf("client.Connect: %w", err)
	}
	return nil
}

func (c *Client) dial(ctx context.Context) (channel.Transport, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("client.dial: %w", err)
	}
	return conn, nil
}

func (c *Client) SessionID() string     { return c.sessionID }
func (c *Client) State() channel.State  { return c.ch.State() }
func (c *Client) Done() <-chan struct{} { return c.ch.Done() }

// Messages delivers agent messages in arrival order. It is never closed;
// select on Done to notice a terminal disconnect.
func (c *Client) Messages() <-chan domain.AgentMessage {
	return c.messages
}

// SendMessage posts text into a conversation. A failure never escapes as
// an error: the caller gets a message flagged IsError that explains it.
func (c *Client) SendMessage(ctx context.Context, conversationID, userID, text string) domain.ChatMessage {
	reply, err := c.request(ctx, domain.ClientFrameMessage, domain.ClientMessage{
		ConversationID: conversationID,
		UserID:         userID,
		Text:           text,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Str("conversation_id", conversationID).Msg("send message failed")
		return domain.ChatMessage{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			UserID:         userID,
			Text:           RetryLaterMessage,
			Timestamp:      time.Now().UTC(),
			IsError:        true,
		}
	}

	msg := domain.ChatMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}
	var ack struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(reply.Data, &ack) == nil && ack.ID != "" {
		msg.ID = ack.ID
	}
	return msg
}

// SendFeedback rates a delivered message.
func (c *Client) SendFeedback(ctx context.Context, fb domain.Feedback) error {
	if _, err := c.request(ctx, domain.ClientFrameFeedback, fb); err != nil {
		return fmt.Errorf("client.SendFeedback: %w", err)
	}
	return nil
}

// Ping asks the hub for a pong frame.
func (c *Client) Ping(ctx context.Context) error {
	return c.ch.Write(ctx, domain.WebSocketMessage{Type: domain.ClientFramePing})
}

// request writes a frame and waits for the hub's acknowledgement.
func (c *Client) request(ctx context.Context, frameType string, data interface{}) (domain.ServerFrame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return domain.ServerFrame{}, fmt.Errorf("client.request: marshal: %w", err)
	}

	reply := make(chan domain.ServerFrame, 1)
	c.sendMu.Lock()
	c.pendMu.Lock()
	c.pending = append(c.pending, reply)
	c.pendMu.Unlock()
	err = c.ch.Write(ctx, domain.WebSocketMessage{Type: frameType, Data: raw})
	if err != nil {
		c.dropPending(reply)
	}
	c.sendMu.Unlock()
	if err != nil {
		return domain.ServerFrame{}, err
	}

	select {
	case frame, ok := <-reply:
		if !ok {
			return domain.ServerFrame{}, ErrReplyLost
		}
		if !frame.Success {
			return frame, fmt.Errorf("%w: %s", ErrRejected, frame.Error)
		}
		return frame, nil
	case <-ctx.Done():
		return domain.ServerFrame{}, ctx.Err()
	}
}

func (c *Client) resolvePending(frame domain.ServerFrame) bool {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	if len(c.pending) == 0 {
		return false
	}
	reply := c.pending[0]
	c.pending = c.pending[1:]
	reply <- frame
	return true
}

func (c *Client) dropPending(reply chan domain.ServerFrame) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for i, p := range c.pending {
		if p == reply {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Client) failPending() {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for _, reply := range c.pending {
		close(reply)
	}
	c.pending = nil
}

func (c *Client) onConnected(ch *channel.Channel) {
	if conn, ok := ch.Transport().(*websocket.Conn); ok {
		c.readers.Add(1)
		go c.readLoop(conn)
	}
	c.notify(channel.StateConnected)
}

func (c *Client) onReconnecting(_ *channel.Channel, cause error) {
	c.failPending()
	log.Info().Err(cause).Str("session_id", c.sessionID).Msg("connection to hub lost, reconnecting")
	c.notify(channel.StateReconnecting)
}

func (c *Client) onDisconnect(_ *channel.Channel, err error) {
	c.failPending()
	if err != nil {
		log.Warn().Err(err).Str("session_id", c.sessionID).Msg("disconnected from hub")
	}
	c.notify(channel.StateDisconnected)
}

func (c *Client) notify(state channel.State) {
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(state)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.readers.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", c.sessionID).Msg("recovered from panic in client read loop")
		}
	}()

	for {
		var frame domain.ServerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.ch.TransportLost(conn, err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *Client) handleFrame(frame domain.ServerFrame) {
	switch frame.Type {
	case domain.FrameAgentMessage:
		var msg domain.AgentMessage
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			log.Warn().Err(err).Str("session_id", c.sessionID).Msg("skipping undecodable agent message")
			return
		}
		select {
		case c.messages <- msg:
		case <-c.ch.Done():
		}

	case domain.FrameMessageAccepted, domain.FrameFeedbackAccepted:
		c.resolvePending(frame)

	case domain.FrameError:
		if !c.resolvePending(frame) {
			log.Warn().Str("session_id", c.sessionID).Str("error", frame.Error).Msg("hub reported an error")
		}

	case domain.FrameConnectionEstablished, domain.FramePong:
		log.Debug().Str("session_id", c.sessionID).Str("type", frame.Type).Msg("hub frame")

	default:
		log.Debug().Str("session_id", c.sessionID).Str("type", frame.Type).Msg("ignoring unknown hub frame")
	}
}

// Close disconnects for good and waits for the read loop to stop.
func (c *Client) Close() error {
	err := c.ch.Close()
	c.readers.Wait()
	return err
}

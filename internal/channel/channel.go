// Package channel implements the per-session delivery channel: a state
// machine over a swappable bidirectional transport with bounded
// automatic reconnection.
//
// Sending is fail-fast. A channel that is not Connected rejects the send
// with ErrNotConnected; nothing is queued for replay, since a stale
// notification is of little use once the client is back.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/metrics"
)

var (
	// ErrNotConnected is a transient rejection: connecting or reconnecting.
	ErrNotConnected = errors.New("channel: not connected")
	// ErrClosed is terminal: the channel was closed, replaced or exhausted.
	ErrClosed = errors.New("channel: closed")
	// ErrTransportExhausted is reported to OnDisconnect when reconnection gives up.
	ErrTransportExhausted = errors.New("channel: reconnect attempts exhausted")
	// ErrInvalidState is returned by Attach/Connect on a channel already in use.
	ErrInvalidState = errors.New("channel: invalid state")
)

// State is the lifecycle position of a channel.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Transport is the physical connection. Both gofiber and gorilla
// websocket connections satisfy it.
type Transport interface {
	WriteJSON(v interface{}) error
	Close() error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Hooks observe lifecycle transitions. They run outside the channel's
// locks and may call back into the channel.
type Hooks struct {
	OnConnect      func(ch *Channel)
	OnReconnecting func(ch *Channel, cause error)
	OnReconnected  func(ch *Channel)
	// OnDisconnect fires once, when the channel becomes terminal. err is
	// nil for an explicit Close and ErrTransportExhausted otherwise.
	OnDisconnect func(ch *Channel, err error)
}

// Options configures a channel.
type Options struct {
	Policy Policy
	// Reconnector defaults to AwaitResume.
	Reconnector  Reconnector
	WriteTimeout time.Duration
	Hooks        Hooks
}

// Channel delivers frames to exactly one client session.
type Channel struct {
	id        string
	sessionID string
	opts      Options

	// writeMu is held for the duration of a write and is always acquired
	// before mu, so detaching a transport waits for an in-flight write.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	closed        bool
	transport     Transport
	stopReconnect context.CancelFunc
	done          chan struct{}
}

// New returns a Disconnected channel for sessionID.
func New(sessionID string, opts Options) *Channel {
	if opts.Reconnector == nil {
		opts.Reconnector = AwaitResume
	}
	return &Channel{
		id:        uuid.NewString(),
		sessionID: sessionID,
		opts:      opts,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

func (c *Channel) ID() string        { return c.id }
func (c *Channel) SessionID() string { return c.sessionID }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel is terminal.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Transport returns the live transport, or nil when not Connected.
func (c *Channel) Transport() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport
}

// Attach binds an already established transport, as on the server side
// where the client dialed in.
func (c *Channel) Attach(t Transport) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("channel.Attach: %w: %s", ErrInvalidState, st)
	}
	c.transport = t
	c.state = StateConnected
	c.mu.Unlock()

	c.connected(false)
	return nil
}

// Connect dials the first transport. A failed dial leaves the channel
// Disconnected and reusable.
func (c *Channel) Connect(ctx context.Context, dial func(ctx context.Context) (Transport, error)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		st := c.state
		c.mu.Unlock()
		return fmt.Errorf("channel.Connect: %w: %s", ErrInvalidState, st)
	}
	c.state = StateConnecting
	c.mu.Unlock()
	metrics.IncChannelTransition(StateConnecting.String())

	t, err := dial(ctx)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if t != nil {
			_ = t.Close()
		}
		return ErrClosed
	}
	if err != nil {
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("channel.Connect: %w", err)
	}
	c.transport = t
	c.state = StateConnected
	c.mu.Unlock()

	c.connected(false)
	return nil
}

// Send delivers an agent message as an agent_message frame.
func (c *Channel) Send(ctx context.Context, msg domain.OutboundMessage) error {
	return c.Write(ctx, domain.NewAgentFrame(domain.AgentMessage{
		MessageID: uuid.NewString(),
		SessionID: c.sessionID,
		AgentType: msg.AgentType,
		Payload:   msg.Payload,
		Timestamp: time.Now().UTC(),
	}))
}

// Write sends one JSON frame. It succeeds only while Connected. A write
// error drops the transport and starts reconnection.
func (c *Channel) Write(ctx context.Context, v interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected {
		st := c.state
		c.mu.Unlock()
		c.writeMu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotConnected, st)
	}
	t := c.transport
	c.mu.Unlock()

	if d, ok := t.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(c.writeDeadline(ctx))
	}

	err := t.WriteJSON(v)
	if err == nil {
		c.writeMu.Unlock()
		return nil
	}

	c.mu.Lock()
	rctx, lost := c.loseLocked(t)
	c.mu.Unlock()
	if lost {
		_ = t.Close()
	}
	c.writeMu.Unlock()

	if lost {
		c.startReconnect(rctx, err)
	}
	return fmt.Errorf("channel.Write: %w", err)
}

func (c *Channel) writeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if c.opts.WriteTimeout > 0 {
		deadline = time.Now().Add(c.opts.WriteTimeout)
	}
	if dl, ok := ctx.Deadline(); ok && (deadline.IsZero() || dl.Before(deadline)) {
		deadline = dl
	}
	return deadline
}

// TransportLost reports that t dropped. Reports for a transport that is
// no longer current are ignored.
func (c *Channel) TransportLost(t Transport, cause error) {
	c.writeMu.Lock()
	c.mu.Lock()
	rctx, lost := c.loseLocked(t)
	c.mu.Unlock()
	if lost {
		_ = t.Close()
	}
	c.writeMu.Unlock()

	if lost {
		c.startReconnect(rctx, cause)
	}
}

// Resume hands a fresh transport to a Reconnecting channel. It returns
// false in any other state, and the caller keeps ownership of t.
func (c *Channel) Resume(t Transport) bool {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed || c.state != StateReconnecting {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return false
	}
	stop := c.stopReconnect
	c.stopReconnect = nil
	c.transport = t
	c.state = StateConnected
	c.mu.Unlock()
	c.writeMu.Unlock()

	if stop != nil {
		stop()
	}
	c.connected(true)
	return true
}

// Close makes the channel terminal. It is idempotent.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return nil
	}
	c.closed = true
	t := c.transport
	c.transport = nil
	c.state = StateDisconnected
	stop := c.stopReconnect
	c.stopReconnect = nil
	close(c.done)
	c.mu.Unlock()

	var err error
	if t != nil {
		err = t.Close()
	}
	c.writeMu.Unlock()

	if stop != nil {
		stop()
	}
	c.disconnected(nil)
	if err != nil {
		return fmt.Errorf("channel.Close: %w", err)
	}
	return nil
}

// loseLocked moves a Connected channel whose current transport is t into
// Reconnecting. c.mu must be held.
func (c *Channel) loseLocked(t Transport) (context.Context, bool) {
	if c.closed || c.state != StateConnected || c.transport != t {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.transport = nil
	c.state = StateReconnecting
	c.stopReconnect = cancel
	return ctx, true
}

func (c *Channel) startReconnect(ctx context.Context, cause error) {
	metrics.IncChannelTransition(StateReconnecting.String())
	log.Warn().
		Err(cause).
		Str("session_id", c.sessionID).
		Str("channel_id", c.id).
		Int("max_attempts", c.opts.Policy.MaxAttempts).
		Msg("transport dropped, reconnecting")

	if h := c.opts.Hooks.OnReconnecting; h != nil {
		h(c, cause)
	}
	go c.reconnectLoop(ctx)
}

func (c *Channel) reconnectLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", c.sessionID).Msg("recovered from panic in reconnect loop")
		}
	}()

	for attempt := 1; attempt <= c.opts.Policy.MaxAttempts; attempt++ {
		delay := c.opts.Policy.Backoff(attempt)
		t, err := c.opts.Reconnector.Reconnect(ctx, attempt, delay)
		if ctx.Err() != nil {
			if t != nil {
				_ = t.Close()
			}
			return
		}
		if err != nil {
			log.Debug().Err(err).
				Str("session_id", c.sessionID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		if c.closed || c.state != StateReconnecting || ctx.Err() != nil {
			c.mu.Unlock()
			_ = t.Close()
			return
		}
		stop := c.stopReconnect
		c.stopReconnect = nil
		c.transport = t
		c.state = StateConnected
		c.mu.Unlock()

		if stop != nil {
			stop()
		}
		c.connected(true)
		return
	}

	c.mu.Lock()
	if c.closed || c.state != StateReconnecting || ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnected
	stop := c.stopReconnect
	c.stopReconnect = nil
	close(c.done)
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.disconnected(ErrTransportExhausted)
}

func (c *Channel) connected(reconnected bool) {
	metrics.IncChannelTransition(StateConnected.String())
	if reconnected {
		log.Info().Str("session_id", c.sessionID).Str("channel_id", c.id).Msg("channel reconnected")
		if h := c.opts.Hooks.OnReconnected; h != nil {
			h(c)
		}
		return
	}
	log.Info().Str("session_id", c.sessionID).Str("channel_id", c.id).Msg("channel connected")
	if h := c.opts.Hooks.OnConnect; h != nil {
		h(c)
	}
}

func (c *Channel) disconnected(err error) {
	metrics.IncChannelTransition(StateDisconnected.String())
	ev := log.Info()
	if err != nil {
		ev = log.Warn().Err(err)
	}
	ev.Str("session_id", c.sessionID).Str("channel_id", c.id).Msg("channel disconnected")

	if h := c.opts.Hooks.OnDisconnect; h != nil {
		h(c, err)
	}
}

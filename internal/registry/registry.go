// Package registry maps session ids to their single live delivery channel.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"agent-notify-ws/internal/channel"
	"agent-notify-ws/internal/domain"
	"agent-notify-ws/internal/metrics"
)

// Channel is what the registry holds for a session. It is satisfied by
// *channel.Channel and by test fakes.
type Channel interface {
	Send(ctx context.Context, msg domain.OutboundMessage) error
	Close() error
}

type stater interface {
	State() channel.State
}

// SessionRegistry is safe for concurrent use. Every operation takes the
// same lock, so Register, Unregister, Release and Lookup are linearizable.
type SessionRegistry struct {
	mutex    sync.RWMutex
	channels map[string]Channel
}

// New returns an empty registry.
func New() *SessionRegistry {
	return &SessionRegistry{channels: make(map[string]Channel)}
}

// Register binds ch to sessionID. A previously registered channel is
// removed from the map and then closed, so it rejects further sends.
func (r *SessionRegistry) Register(sessionID string, ch Channel) {
	r.mutex.Lock()
	old, existed := r.channels[sessionID]
	r.channels[sessionID] = ch
	total := len(r.channels)
	r.mutex.Unlock()

	metrics.ActiveChannels.Set(float64(total))

	if existed && old != ch {
		log.Info().Str("session_id", sessionID).Msg("replacing channel for session")
		if err := old.Close(); err != nil {
			log.Debug().Err(err).Str("session_id", sessionID).Msg("closing replaced channel")
		}
	}
	log.Debug().Str("session_id", sessionID).Int("total", total).Msg("registered channel")
}

// Unregister removes and closes the channel for sessionID. Unregistering
// an absent session is a no-op.
func (r *SessionRegistry) Unregister(sessionID string) {
	r.mutex.Lock()
	ch, existed := r.channels[sessionID]
	delete(r.channels, sessionID)
	total := len(r.channels)
	r.mutex.Unlock()

	if !existed {
		return
	}
	metrics.ActiveChannels.Set(float64(total))
	if err := ch.Close(); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("closing unregistered channel")
	}
	log.Debug().Str("session_id", sessionID).Int("total", total).Msg("unregistered channel")
}

// Release removes sessionID only while ch is still the registered
// channel. It reports whether it removed anything. The channel itself is
// not closed; Release is meant for a channel that is already going away.
func (r *SessionRegistry) Release(sessionID string, ch Channel) bool {
	r.mutex.Lock()
	current, existed := r.channels[sessionID]
	if !existed || current != ch {
		r.mutex.Unlock()
		return false
	}
	delete(r.channels, sessionID)
	total := len(r.channels)
	r.mutex.Unlock()

	metrics.ActiveChannels.Set(float64(total))
	log.Debug().Str("session_id", sessionID).Int("total", total).Msg("released channel")
	return true
}

// Lookup returns the channel registered for sessionID.
func (r *SessionRegistry) Lookup(sessionID string) (Channel, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	ch, ok := r.channels[sessionID]
	return ch, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.channels)
}

// Snapshot returns session id -> channel state for monitoring. Channels
// without a State method report "registered".
func (r *SessionRegistry) Snapshot() map[string]string {
	r.mutex.RLock()
	channels := make(map[string]Channel, len(r.channels))
	for id, ch := range r.channels {
		channels[id] = ch
	}
	r.mutex.RUnlock()

	result := make(map[string]string, len(channels))
	for id, ch := range channels {
		result[id] = stateOf(ch)
	}
	return result
}

func stateOf(ch Channel) string {
	if s, ok := ch.(stater); ok {
		return s.State().String()
	}
	return "registered"
}

package channel

import (
	"context"
	"errors"
	"time"
)

// Policy bounds automatic reconnection. MaxAttempts of zero disables it:
// a dropped transport moves the channel straight to Disconnected.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultPolicy mirrors the usual automatic-reconnect schedule of
// 0.5s, 1s, 2s, 4s, 8s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Backoff returns the delay before the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}

// Reconnector re-establishes a dropped transport. delay is the backoff
// for this attempt; implementations decide how to spend it.
type Reconnector interface {
	Reconnect(ctx context.Context, attempt int, delay time.Duration) (Transport, error)
}

// ReconnectFunc adapts a function to Reconnector.
type ReconnectFunc func(ctx context.Context, attempt int, delay time.Duration) (Transport, error)

func (f ReconnectFunc) Reconnect(ctx context.Context, attempt int, delay time.Duration) (Transport, error) {
	return f(ctx, attempt, delay)
}

var errNotResumed = errors.New("channel: client did not resume")

// AwaitResume is the reconnector for channels that cannot dial their
// peer. Each attempt waits out its backoff window; the channel comes
// back only through Resume.
var AwaitResume Reconnector = ReconnectFunc(func(ctx context.Context, _ int, delay time.Duration) (Transport, error) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errNotResumed
	}
})

// DialAfter sleeps for the backoff delay and then calls dial.
func DialAfter(dial func(ctx context.Context) (Transport, error)) Reconnector {
	return ReconnectFunc(func(ctx context.Context, _ int, delay time.Duration) (Transport, error) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		return dial(ctx)
	})
}

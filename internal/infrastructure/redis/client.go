package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"agent-notify-ws/internal/domain"
)

func presenceKey(sessionID string) string {
	return fmt.Sprintf("session:%s:presence", sessionID)
}

// Both scripts only touch the record while it still belongs to the
// caller's channel, so a replaced channel cannot clobber its successor.
var (
	updateOwnedPresence = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'channel_id') == ARGV[1] then
  redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated_at', ARGV[3])
  redis.call('EXPIRE', KEYS[1], ARGV[4])
  return 1
end
return 0
`)
	deleteOwnedPresence = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'channel_id') == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

// MarkConnected records channelID as the session's live channel.
func (r *RedisClient) MarkConnected(ctx context.Context, sessionID, channelID string) error {
	key := presenceKey(sessionID)

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, map[string]interface{}{
		"state":      domain.PresenceConnected,
		"channel_id": channelID,
		"node":       r.node,
		"updated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, r.presenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis.MarkConnected: %w", err)
	}
	return nil
}

// MarkReconnecting flags the session while its channel waits for the
// client to come back. It reports whether channelID still owned the record.
func (r *RedisClient) MarkReconnecting(ctx context.Context, sessionID, channelID string) (bool, error) {
	n, err := updateOwnedPresence.Run(ctx, r.client, []string{presenceKey(sessionID)},
		channelID,
		domain.PresenceReconnecting,
		time.Now().UTC().Format(time.RFC3339Nano),
		int(r.presenceTTL/time.Second),
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis.MarkReconnecting: %w", err)
	}
	return n == 1, nil
}

// ClearPresence removes the record if channelID still owns it.
func (r *RedisClient) ClearPresence(ctx context.Context, sessionID, channelID string) (bool, error) {
	n, err := deleteOwnedPresence.Run(ctx, r.client, []string{presenceKey(sessionID)}, channelID).Int()
	if err != nil {
		return false, fmt.Errorf("redis.ClearPresence: %w", err)
	}
	return n == 1, nil
}

// GetPresence returns the stored presence, or a disconnected record when
// nothing is stored for the session.
func (r *RedisClient) GetPresence(ctx context.Context, sessionID string) (domain.SessionPresence, error) {
	fields, err := r.client.HGetAll(ctx, presenceKey(sessionID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.SessionPresence{}, fmt.Errorf("redis.GetPresence: %w", err)
	}

	presence := domain.SessionPresence{
		SessionID: sessionID,
		State:     domain.PresenceDisconnected,
	}
	if len(fields) == 0 {
		return presence, nil
	}

	presence.ChannelID = fields["channel_id"]
	presence.Node = fields["node"]
	if state := fields["state"]; state != "" {
		presence.State = state
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		presence.UpdatedAt = ts
	}
	return presence, nil
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClient) Close() error {
	return r.client.Close()
}

package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agent-notify-ws/internal/domain"
)

// setupMiniRedis creates a test Redis server using miniredis.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisClient) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, newRedisClient(client, "node-a", time.Hour)
}

func TestPresence_Lifecycle(t *testing.T) {
	mr, rc := setupMiniRedis(t)
	ctx := context.Background()

	p, err := rc.GetPresence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionPresence{SessionID: "s1", State: domain.PresenceDisconnected}, p)

	require.NoError(t, rc.MarkConnected(ctx, "s1", "ch-1"))
	p, err = rc.GetPresence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceConnected, p.State)
	assert.Equal(t, "ch-1", p.ChannelID)
	assert.Equal(t, "node-a", p.Node)
	assert.False(t, p.UpdatedAt.IsZero())
	assert.Equal(t, time.Hour, mr.TTL(presenceKey("s1")))

	owned, err := rc.MarkReconnecting(ctx, "s1", "ch-1")
	require.NoError(t, err)
	assert.True(t, owned)
	p, err = rc.GetPresence(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceReconnecting, p.State)

	cleared, err := rc.ClearPresence(ctx, "s1", "ch-1")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, mr.Exists(presenceKey("s1")))
}

func TestPresence_StaleChannelCannotOverwrite(t *testing.T) {
	_, rc := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, rc.MarkConnected(ctx, "s4", "old"))
	require.NoError(t, rc.MarkConnected(ctx, "s4", "new"))

	owned, err := rc.MarkReconnecting(ctx, "s4", "old")
	require.NoError(t, err)
	assert.False(t, owned)

	cleared, err := rc.ClearPresence(ctx, "s4", "old")
	require.NoError(t, err)
	assert.False(t, cleared)

	p, err := rc.GetPresence(ctx, "s4")
	require.NoError(t, err)
	assert.Equal(t, "new", p.ChannelID)
	assert.Equal(t, domain.PresenceConnected, p.State)
}

func TestEventFeed_DeliversDecodedEvents(t *testing.T) {
	mr, rc := setupMiniRedis(t)

	var mu sync.Mutex
	var got []domain.Event
	feed := rc.EventFeed([]string{"agent-events"})
	sub, err := feed.Subscribe(context.Background(), "client-notifier", func(_ context.Context, ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	require.NoError(t, err)

	mr.Publish("agent-events", "garbage")
	mr.Publish("agent-events", `{"type":"GraphicDesignCreated","data":{"SessionId":"s1","imageUri":"https://img/1.png"}}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, domain.GraphicDesignCreated, got[0].Kind())
	assert.Equal(t, "https://img/1.png", got[0].Data["imageUri"])
	mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestEventFeed_RequiresChannels(t *testing.T) {
	_, rc := setupMiniRedis(t)
	_, err := rc.EventFeed(nil).Subscribe(context.Background(), "client-notifier", func(context.Context, domain.Event) {})
	assert.ErrorIs(t, err, ErrNoChannels)
}

func TestPublisher_RoutesByRecordType(t *testing.T) {
	_, rc := setupMiniRedis(t)
	ctx := context.Background()

	ps := rc.client.Subscribe(ctx, "client-messages", "client-feedback")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	pub := rc.Publisher(domain.InboundTopics{Messages: "client-messages", Feedback: "client-feedback"})
	require.NoError(t, pub.Publish(ctx, domain.Feedback{ConversationID: "c1", MessageID: "m1", Rating: "up"}))

	msg, err := ps.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "client-feedback", msg.Channel)

	var fb domain.Feedback
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &fb))
	assert.Equal(t, "m1", fb.MessageID)

	assert.ErrorIs(t, pub.Publish(ctx, 42), domain.ErrUnsupportedRecord)
}

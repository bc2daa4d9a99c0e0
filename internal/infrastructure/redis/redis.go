package redis

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultPresenceTTL = 24 * time.Hour

type RedisClient struct {
	client      *redis.Client
	node        string
	presenceTTL time.Duration
}

// NewRedisClient connects lazily; call Ping to verify the server.
// node identifies this process in presence records.
func NewRedisClient(host, port, password, node string, presenceTTL time.Duration) *RedisClient {
	addr := fmt.Sprintf("%s:%s", host, port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return newRedisClient(client, node, presenceTTL)
}

func newRedisClient(client *redis.Client, node string, presenceTTL time.Duration) *RedisClient {
	if presenceTTL <= 0 {
		presenceTTL = defaultPresenceTTL
	}
	return &RedisClient{client: client, node: node, presenceTTL: presenceTTL}
}

package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// Channel is the per-user pub/sub channel. The websocket handler subscribes
// to the same name.
func Channel(userID string) string {
	return "sync:user:" + userID + ":events"
}

type RedisNotifier struct {
	rdb *redis.Client
}

func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

func (n *RedisNotifier) Publish(ctx context.Context, userID string, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, Channel(userID), b).Err()
}

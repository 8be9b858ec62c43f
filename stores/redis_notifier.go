package stores

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/oarkflow/abac"
)

// DefaultNotifyChannel is the pub/sub channel for break-glass events.
const DefaultNotifyChannel = "abac:break_glass"

// RedisNotifier publishes domain events as JSON on a Redis channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, ev abac.DomainEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, b).Err()
}

// Subscribe returns a channel of decoded events. Undecodable messages are
// skipped. The returned channel closes when ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context) <-chan abac.DomainEvent {
	sub := n.client.Subscribe(ctx, n.channel)
	out := make(chan abac.DomainEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev abac.DomainEvent
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

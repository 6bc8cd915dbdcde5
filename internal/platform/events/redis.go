package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dontdude/graphbroker/internal/domain"
)

// DefaultChannel is the pub/sub channel events go to.
const DefaultChannel = "graphbroker:events"

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects to addr and pings it.
func NewRedisPublisher(addr, channel string) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: rdb, channel: channel}, nil
}

// Publish sends e to the channel.
func (r *RedisPublisher) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe streams events from the channel until ctx is cancelled.
func (r *RedisPublisher) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to events: %w", err)
	}

	outCh := make(chan domain.Event)
	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var e domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					slog.Error("Failed to unmarshal event", "error", err)
					continue
				}
				select {
				case outCh <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return outCh, nil
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

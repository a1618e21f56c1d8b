package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Bus carries frames between hub instances serving the same document.
type Bus interface {
	Publish(ctx context.Context, docID string, frame []byte) error
	// Subscribe returns the stream of frames published by other
	// instances for docID. The channel closes when ctx is cancelled.
	Subscribe(ctx context.Context, docID string) (<-chan []byte, error)
}

// busMessage wraps a frame with its origin instance so subscribers can
// drop their own publications instead of echoing them.
type busMessage struct {
	Instance string `json:"instance"`
	Frame    []byte `json:"frame"`
}

// RedisBus fans frames out across hub instances via pub/sub.
type RedisBus struct {
	client   *redis.Client
	instance string
}

// NewRedisBus connects to redis at addr.
func NewRedisBus(ctx context.Context, addr string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return &RedisBus{client: client, instance: uuid.NewString()}, nil
}

func channelFor(docID string) string {
	return "syncpad:doc:" + docID
}

// Publish sends a frame to every other instance subscribed to docID.
func (b *RedisBus) Publish(ctx context.Context, docID string, frame []byte) error {
	msg, err := json.Marshal(busMessage{Instance: b.instance, Frame: frame})
	if err != nil {
		return fmt.Errorf("encode bus message: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(docID), msg).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", docID, err)
	}
	return nil
}

// Subscribe streams frames published for docID by other instances.
func (b *RedisBus) Subscribe(ctx context.Context, docID string) (<-chan []byte, error) {
	sub := b.client.Subscribe(ctx, channelFor(docID))
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", docID, err)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		for {
			select {
			case m, ok := <-sub.Channel():
				if !ok {
					return
				}
				var msg busMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					continue
				}
				if msg.Instance == b.instance {
					continue
				}
				select {
				case out <- msg.Frame:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close releases the redis client.
func (b *RedisBus) Close() error {
	return b.client.Close()
}

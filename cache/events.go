package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// EventsChannel carries every realtime broadcast.
	EventsChannel = "queuefm:events"
	// StateKey holds the most recent state snapshot.
	StateKey = "queuefm:state"
)

// EventMirror copies realtime traffic into redis so other processes
// (dashboards, a second read-only frontend) can follow the stream state.
type EventMirror struct {
	client *redis.Client
}

// NewEventMirror 创建事件镜像
func NewEventMirror(client *redis.Client) *EventMirror {
	return &EventMirror{client: client}
}

// Publish sends an already-encoded envelope to EventsChannel.
func (m *EventMirror) Publish(ctx context.Context, payload []byte) error {
	if err := m.client.Publish(ctx, EventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// StoreSnapshot overwrites the stored state snapshot.
func (m *EventMirror) StoreSnapshot(ctx context.Context, snapshot []byte) error {
	if err := m.client.Set(ctx, StateKey, snapshot, 0).Err(); err != nil {
		return fmt.Errorf("store snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns nil, nil when no snapshot was stored yet.
func (m *EventMirror) LoadSnapshot(ctx context.Context) ([]byte, error) {
	data, err := m.client.Get(ctx, StateKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

// Subscribe streams mirrored events until ctx is cancelled.
func (m *EventMirror) Subscribe(ctx context.Context) (<-chan []byte, error) {
	sub := m.client.Subscribe(ctx, EventsChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

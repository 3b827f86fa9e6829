package crosstab

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/sessionkit/sessionkit/pkg/logger"
)

// Bus is the same-origin broadcast channel peers publish and subscribe on.
// Delivery is best effort; nothing may depend on a message arriving.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	// Subscribe registers a handler and returns a func that stops delivery.
	Subscribe(ctx context.Context, handler func(Message)) (func(), error)
}

// RedisBus broadcasts over a Redis pub/sub channel shared by every peer
// process of the same install.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus creates a bus on the given channel. Channel may be empty.
func NewRedisBus(client *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "sessionkit:peers"
	}
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, handler func(Message)) (func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	// force the subscription to be established before returning so callers
	// never publish into a not-yet-listening channel in tests
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	ch := sub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					logger.Warnf("crosstab: dropping malformed message: %v", err)
					continue
				}
				handler(msg)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		_ = sub.Close()
	}, nil
}

// MemoryBus is an in-process bus for single-process deployments and tests.
type MemoryBus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Message)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[int]func(Message))}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	handlers := make([]func(Message), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, handler func(Message)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}

package bus

import (
	"context"
	"sync"

	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/redis/go-redis/v9"
)

// RedisBroker relays events over Redis pub/sub. All channels share one
// subscriber connection and one receive loop, which keeps per-channel order.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	logger logging.Logger

	pubsub   *redis.PubSub
	delivers map[string]func([]byte) // redis channel -> deliver
	done     chan struct{}
	mu       sync.Mutex
}

func NewRedisBroker(client redis.UniversalClient, prefix string, logger logging.Logger) *RedisBroker {
	return &RedisBroker{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		delivers: make(map[string]func([]byte)),
	}
}

func (rb *RedisBroker) name(channel string) string {
	return rb.prefix + channel
}

func (rb *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return rb.client.Publish(ctx, rb.name(channel), payload).Err()
}

func (rb *RedisBroker) Subscribe(ctx context.Context, channel string, deliver func(payload []byte)) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	name := rb.name(channel)
	started := rb.pubsub != nil
	if !started {
		rb.pubsub = rb.client.Subscribe(ctx)
	}

	if err := rb.pubsub.Subscribe(ctx, name); err != nil {
		if !started {
			_ = rb.pubsub.Close()
			rb.pubsub = nil
		}
		return err
	}
	rb.delivers[name] = deliver

	if !started {
		rb.done = make(chan struct{})
		go rb.receive(rb.pubsub, rb.done)
	}
	return nil
}

func (rb *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	name := rb.name(channel)
	delete(rb.delivers, name)

	if rb.pubsub == nil {
		return nil
	}
	return rb.pubsub.Unsubscribe(ctx, name)
}

func (rb *RedisBroker) receive(ps *redis.PubSub, done chan struct{}) {
	defer close(done)

	for msg := range ps.Channel() {
		rb.mu.Lock()
		deliver := rb.delivers[msg.Channel]
		rb.mu.Unlock()

		if deliver == nil {
			continue
		}
		deliver([]byte(msg.Payload))
	}

	rb.logger.Debug(logging.Redis, logging.Subscribe, "redis subscriber loop stopped", nil)
}

func (rb *RedisBroker) Close() error {
	rb.mu.Lock()
	ps, done := rb.pubsub, rb.done
	rb.pubsub = nil
	rb.mu.Unlock()

	if ps == nil {
		return nil
	}

	err := ps.Close()
	<-done
	return err
}

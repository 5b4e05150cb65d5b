package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/metrics"
)

// Broker relays events between processes. Subscribe registers deliver for
// every payload published on channel by any process, including this one.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, deliver func(payload []byte)) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// Bus layers the local dispatcher under an optional broker. Without a broker
// Publish emits locally. With one, Publish goes only to the broker and local
// handlers see the event when the broker echoes it back, so every process
// observes the same per-channel order.
type Bus struct {
	local   *Dispatcher
	broker  Broker
	logger  logging.Logger
	metrics *metrics.Metrics

	refs map[string]int
	mu   sync.Mutex
}

func New(broker Broker, logger logging.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		local:   NewDispatcher(),
		broker:  broker,
		logger:  logger,
		metrics: m,
		refs:    make(map[string]int),
	}
}

func (b *Bus) On(channel string, handler Handler) HandlerID {
	return b.local.On(channel, handler)
}

func (b *Bus) Off(channel string, id HandlerID) {
	b.local.Off(channel, id)
}

// Publish encodes event as JSON and fans it out on channel.
func (b *Bus) Publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event for %s: %w", channel, err)
	}

	b.metrics.EventPublished(kind(channel))

	if b.broker == nil {
		b.emit(channel, payload)
		return nil
	}

	if err := b.broker.Publish(ctx, channel, payload); err != nil {
		b.metrics.BrokerFailure("publish")
		return fmt.Errorf("%w: publish %s: %v", domain.ErrUnavailable, channel, err)
	}
	return nil
}

// Subscribe makes this process receive broker traffic for channel. Calls are
// counted; the broker subscription is held while the count is positive.
func (b *Bus) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refs[channel]++
	if b.refs[channel] > 1 || b.broker == nil {
		return nil
	}

	err := b.broker.Subscribe(ctx, channel, func(payload []byte) {
		b.emit(channel, payload)
	})
	if err != nil {
		b.refs[channel]--
		if b.refs[channel] == 0 {
			delete(b.refs, channel)
		}
		b.metrics.BrokerFailure("subscribe")
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrUnavailable, channel, err)
	}

	b.logger.Debug(logging.Bus, logging.Subscribe, "broker subscription opened", map[logging.ExtraKey]any{
		logging.Channel: channel,
	})
	return nil
}

// Unsubscribe releases one Subscribe. Extra calls are ignored.
func (b *Bus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	count, ok := b.refs[channel]
	if !ok {
		return nil
	}
	if count > 1 {
		b.refs[channel] = count - 1
		return nil
	}
	delete(b.refs, channel)

	if b.broker == nil {
		return nil
	}

	if err := b.broker.Unsubscribe(ctx, channel); err != nil {
		b.metrics.BrokerFailure("unsubscribe")
		return fmt.Errorf("%w: unsubscribe %s: %v", domain.ErrUnavailable, channel, err)
	}

	b.logger.Debug(logging.Bus, logging.Subscribe, "broker subscription closed", map[logging.ExtraKey]any{
		logging.Channel: channel,
	})
	return nil
}

func (b *Bus) Subscriptions(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs[channel]
}

func (b *Bus) Close() error {
	if b.broker == nil {
		return nil
	}
	return b.broker.Close()
}

func (b *Bus) emit(channel string, payload []byte) {
	delivered, errs := b.local.Emit(channel, payload)
	b.metrics.EventDelivered(kind(channel), delivered)

	for _, err := range errs {
		b.logger.Error(logging.Bus, logging.Publish, "event handler failed", map[logging.ExtraKey]any{
			logging.Channel:      channel,
			logging.ErrorMessage: err.Error(),
		})
	}
}

// kind is the channel's concern, e.g. "message" for "message:abc".
func kind(channel string) string {
	k, _, _ := strings.Cut(channel, ":")
	return k
}

package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/nats-io/nats.go"
)

const flushTimeout = 2 * time.Second

// NATSBroker relays events over core NATS subjects. "message:abc" maps to
// "<prefix>message.abc".
type NATSBroker struct {
	conn   *nats.Conn
	prefix string
	logger logging.Logger

	subs map[string]*nats.Subscription
	mu   sync.Mutex
}

func NewNATSBroker(conn *nats.Conn, prefix string, logger logging.Logger) *NATSBroker {
	return &NATSBroker{
		conn:   conn,
		prefix: prefix,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}
}

func (nb *NATSBroker) subject(channel string) string {
	return nb.prefix + strings.ReplaceAll(channel, ":", ".")
}

func (nb *NATSBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return nb.conn.Publish(nb.subject(channel), payload)
}

func (nb *NATSBroker) Subscribe(ctx context.Context, channel string, deliver func(payload []byte)) error {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	if _, ok := nb.subs[channel]; ok {
		return nil
	}

	sub, err := nb.conn.Subscribe(nb.subject(channel), func(msg *nats.Msg) {
		deliver(msg.Data)
	})
	if err != nil {
		return err
	}

	// make sure the server has the interest before returning
	if err := nb.conn.FlushTimeout(flushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return err
	}

	nb.subs[channel] = sub
	return nil
}

func (nb *NATSBroker) Unsubscribe(ctx context.Context, channel string) error {
	nb.mu.Lock()
	sub, ok := nb.subs[channel]
	delete(nb.subs, channel)
	nb.mu.Unlock()

	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}

func (nb *NATSBroker) Close() error {
	nb.mu.Lock()
	nb.subs = make(map[string]*nats.Subscription)
	nb.mu.Unlock()

	nb.logger.Info(logging.NATS, logging.Shutdown, "draining nats connection", nil)
	return nb.conn.Drain()
}

package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/contracts"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/messaging"
	"github.com/rabbitmq/amqp091-go"
)

type MessageConsumer interface {
	ConsumeMessages(ctx context.Context, queueName string, handler messaging.MessageHandler) error
}

// RoomConsumer writes every room audit event it receives to the audit log.
type RoomConsumer struct {
	consumer   MessageConsumer
	repository domain.RoomAuditRepository
	logger     logging.Logger
}

func NewRoomConsumer(consumer MessageConsumer, repository domain.RoomAuditRepository, logger logging.Logger) *RoomConsumer {
	return &RoomConsumer{
		consumer:   consumer,
		repository: repository,
		logger:     logger,
	}
}

func (c *RoomConsumer) Listen(ctx context.Context) error {
	return c.consumer.ConsumeMessages(ctx, messaging.RoomsQueue, c.handle)
}

func (c *RoomConsumer) handle(ctx context.Context, msg amqp091.Delivery) error {
	var message contracts.AmqpMessage
	if err := json.Unmarshal(msg.Body, &message); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	var entry domain.RoomAuditLog
	if err := json.Unmarshal(message.Data, &entry); err != nil {
		return fmt.Errorf("failed to unmarshal audit log: %w", err)
	}

	if err := c.repository.Log(ctx, &entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}

	c.logger.Debug(logging.MongoDB, logging.Audit, "audit log written", map[logging.ExtraKey]any{
		logging.RoomID:  entry.RoomID,
		logging.Channel: msg.RoutingKey,
	})
	return nil
}

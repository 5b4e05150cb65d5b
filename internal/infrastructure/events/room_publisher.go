package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/contracts"
)

type MessagePublisher interface {
	PublishMessage(ctx context.Context, routingKey string, message contracts.AmqpMessage) error
}

// RoomPublisher sends room lifecycle audit records to the broker.
type RoomPublisher struct {
	publisher MessagePublisher
}

func NewRoomPublisher(publisher MessagePublisher) *RoomPublisher {
	return &RoomPublisher{publisher: publisher}
}

func (p *RoomPublisher) PublishRoomEvent(ctx context.Context, log *domain.RoomAuditLog) error {
	routingKey, err := routingKeyFor(log.EventType)
	if err != nil {
		return err
	}

	data, err := json.Marshal(log)
	if err != nil {
		return err
	}

	return p.publisher.PublishMessage(ctx, routingKey, contracts.AmqpMessage{
		RoomID: log.RoomID,
		Data:   data,
	})
}

func routingKeyFor(eventType domain.RoomEventType) (string, error) {
	switch eventType {
	case domain.EventRoomCreated:
		return contracts.EventRoomCreated, nil
	case domain.EventRoomDeleted:
		return contracts.EventRoomDeleted, nil
	case domain.EventRoomExpired:
		return contracts.EventRoomExpired, nil
	case domain.EventMemberJoined:
		return contracts.EventMemberJoined, nil
	}
	return "", fmt.Errorf("unknown room event type %q", eventType)
}

package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/metrics"
)

type RoomUseCase interface {
	Create(ctx context.Context, name, creatorName string) (*domain.Room, string, error)
	GetByID(ctx context.Context, id string) (*domain.Room, error)
	GetAll(ctx context.Context) ([]*domain.Room, error)
	Join(ctx context.Context, id, userName string) error
	GetMessages(ctx context.Context, id string) ([]domain.Message, error)
	AppendMessage(ctx context.Context, id string, draft domain.MessageDraft) (*domain.Message, error)
	SetTyping(ctx context.Context, id, userName string, isTyping bool) error
	Delete(ctx context.Context, id, adminSecret string) error
	SweepExpired(ctx context.Context) (int, error)
}

type Publisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// AuditPublisher receives lifecycle records. Failures never fail the
// operation that produced them.
type AuditPublisher interface {
	PublishRoomEvent(ctx context.Context, log *domain.RoomAuditLog) error
}

type roomUseCase struct {
	repository domain.RoomRepository
	publisher  Publisher
	audit      AuditPublisher
	metrics    *metrics.Metrics
	logger     logging.Logger
	ttl        time.Duration
}

// NewRoomUseCase wires the lifecycle. audit and m may be nil.
func NewRoomUseCase(
	repository domain.RoomRepository,
	publisher Publisher,
	audit AuditPublisher,
	m *metrics.Metrics,
	logger logging.Logger,
	ttl time.Duration,
) RoomUseCase {
	return &roomUseCase{
		repository: repository,
		publisher:  publisher,
		audit:      audit,
		metrics:    m,
		logger:     logger,
		ttl:        ttl,
	}
}

func (uc *roomUseCase) Create(ctx context.Context, name, creatorName string) (*domain.Room, string, error) {
	name = strings.TrimSpace(name)
	creatorName = strings.TrimSpace(creatorName)

	if err := validateRoomName(name); err != nil {
		return nil, "", invalid(err)
	}
	if err := validateUserName(creatorName); err != nil {
		return nil, "", invalid(err)
	}

	room, secret, err := uc.repository.Create(ctx, name, creatorName)
	if err != nil {
		uc.logger.Error(logging.Internal, logging.RoomLifecycle, "failed to create room", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		return nil, "", fmt.Errorf("failed to create room: %w", err)
	}

	uc.metrics.RoomCreated()
	uc.logger.Info(logging.General, logging.RoomLifecycle, "room created", map[logging.ExtraKey]any{
		logging.RoomID:   room.ID,
		logging.UserName: creatorName,
	})
	uc.recordAudit(ctx, domain.NewRoomCreatedLog(room.ID, room.Name, uc.ttl))

	return room, secret, nil
}

func (uc *roomUseCase) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	room, err := uc.repository.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return room, nil
}

func (uc *roomUseCase) GetAll(ctx context.Context) ([]*domain.Room, error) {
	rooms, err := uc.repository.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

func (uc *roomUseCase) Join(ctx context.Context, id, userName string) error {
	userName = strings.TrimSpace(userName)
	if err := validateUserName(userName); err != nil {
		return invalid(err)
	}

	if err := uc.repository.Join(ctx, id, userName); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}

	if uc.audit != nil {
		if room, err := uc.repository.GetByID(ctx, id); err == nil {
			uc.recordAudit(ctx, domain.NewMemberJoinedLog(id, len(room.Users)))
		}
	}

	return nil
}

func (uc *roomUseCase) GetMessages(ctx context.Context, id string) ([]domain.Message, error) {
	room, err := uc.repository.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return room.Messages, nil
}

// AppendMessage persists first and publishes after. A failed publish still
// returns the stored message; readers catch up on the next fetch.
func (uc *roomUseCase) AppendMessage(ctx context.Context, id string, draft domain.MessageDraft) (*domain.Message, error) {
	draft.SenderName = strings.TrimSpace(draft.SenderName)
	// presence of sender and body is checked by the repository
	if err := validateSenderName(draft.SenderName); err != nil {
		return nil, invalid(err)
	}
	if err := validateContent(draft.Content); err != nil {
		return nil, invalid(err)
	}

	msg, err := uc.repository.AppendMessage(ctx, id, draft)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	uc.metrics.MessageAppended()

	if err := uc.publisher.Publish(ctx, domain.MessageChannel(id), msg); err != nil {
		uc.logger.Warn(logging.Bus, logging.Publish, "failed to publish message", map[logging.ExtraKey]any{
			logging.RoomID:       id,
			logging.ErrorMessage: err.Error(),
		})
	}

	return msg, nil
}

// SetTyping is fire-and-forget: the room is not looked up and publish
// failures are only logged.
func (uc *roomUseCase) SetTyping(ctx context.Context, id, userName string, isTyping bool) error {
	if strings.TrimSpace(userName) == "" {
		return invalid(fmt.Errorf("userName: this field is required"))
	}

	event := domain.TypingEvent{
		RoomID:   id,
		UserName: userName,
		IsTyping: isTyping,
	}
	if err := uc.publisher.Publish(ctx, domain.TypingChannel(id), event); err != nil {
		uc.logger.Warn(logging.Bus, logging.Publish, "failed to publish typing event", map[logging.ExtraKey]any{
			logging.RoomID:       id,
			logging.UserName:     userName,
			logging.ErrorMessage: err.Error(),
		})
	}

	return nil
}

func (uc *roomUseCase) Delete(ctx context.Context, id, adminSecret string) error {
	if err := uc.repository.Delete(ctx, id, adminSecret); err != nil {
		if errors.Is(err, domain.ErrForbidden) {
			uc.logger.Warn(logging.Validation, logging.RoomLifecycle, "room deletion with wrong admin secret", map[logging.ExtraKey]any{
				logging.RoomID: id,
			})
		}
		return fmt.Errorf("failed to delete room: %w", err)
	}

	uc.metrics.RoomsRemoved("deleted", 1)
	uc.logger.Info(logging.General, logging.RoomLifecycle, "room deleted", map[logging.ExtraKey]any{
		logging.RoomID: id,
	})
	uc.recordAudit(ctx, domain.NewRoomDeletedLog(id))

	return nil
}

// SweepExpired reclaims storage for rooms past their TTL. Visibility never
// depends on it; every read already treats those rooms as absent.
func (uc *roomUseCase) SweepExpired(ctx context.Context) (int, error) {
	ids, err := uc.repository.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired rooms: %w", err)
	}

	uc.metrics.RoomsRemoved("expired", len(ids))
	for _, id := range ids {
		uc.recordAudit(ctx, domain.NewRoomExpiredLog(id))
	}

	return len(ids), nil
}

func (uc *roomUseCase) recordAudit(ctx context.Context, log *domain.RoomAuditLog) {
	if uc.audit == nil {
		return
	}

	if err := uc.audit.PublishRoomEvent(ctx, log); err != nil {
		uc.logger.Warn(logging.RabbitMQ, logging.Audit, "failed to publish audit event", map[logging.ExtraKey]any{
			logging.RoomID:       log.RoomID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

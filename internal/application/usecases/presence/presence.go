package presence

import (
	"context"
	"errors"
	"sync"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
)

type Publisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// PresenceTracker keeps a room's active-user set and announces every change
// on the room's presence channel.
type PresenceTracker interface {
	// AddActiveUser returns the snapshot after the change, or nil when the
	// room is absent.
	AddActiveUser(ctx context.Context, roomID, userName string) ([]string, error)
	// RemoveActiveUser releases one connection. The user leaves the set only
	// when their last connection in this process is released.
	RemoveActiveUser(ctx context.Context, roomID, userName string) ([]string, error)
}

// connections counts open streams for one (room, user) pair. mu serializes
// repository writes for the pair; holders is guarded by the tracker's mutex.
type connections struct {
	mu      sync.Mutex
	open    int
	holders int
}

type presenceTracker struct {
	repository domain.RoomRepository
	publisher  Publisher
	logger     logging.Logger

	mu    sync.Mutex
	conns map[string]*connections
}

func NewPresenceTracker(repository domain.RoomRepository, publisher Publisher, logger logging.Logger) PresenceTracker {
	return &presenceTracker{
		repository: repository,
		publisher:  publisher,
		logger:     logger,
		conns:      make(map[string]*connections),
	}
}

func connectionKey(roomID, userName string) string {
	return roomID + "\x00" + userName
}

func (t *presenceTracker) acquire(key string) *connections {
	t.mu.Lock()
	c, ok := t.conns[key]
	if !ok {
		c = &connections{}
		t.conns[key] = c
	}
	c.holders++
	t.mu.Unlock()

	c.mu.Lock()
	return c
}

func (t *presenceTracker) release(key string, c *connections) {
	idle := c.open == 0
	c.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	c.holders--
	if c.holders == 0 && idle {
		delete(t.conns, key)
	}
}

func (t *presenceTracker) AddActiveUser(ctx context.Context, roomID, userName string) ([]string, error) {
	key := connectionKey(roomID, userName)
	c := t.acquire(key)
	defer t.release(key, c)

	snapshot, err := t.repository.AddActiveUser(ctx, roomID, userName)
	if err == nil {
		c.open++
	}
	return t.announce(ctx, domain.PresenceJoin, roomID, userName, snapshot, err)
}

// RemoveActiveUser publishes even when nobody is left to read it locally; it
// is the only signal other processes get that the user is gone.
func (t *presenceTracker) RemoveActiveUser(ctx context.Context, roomID, userName string) ([]string, error) {
	key := connectionKey(roomID, userName)
	c := t.acquire(key)
	defer t.release(key, c)

	if c.open > 1 {
		c.open--
		return t.current(ctx, roomID, userName)
	}
	c.open = 0

	snapshot, err := t.repository.RemoveActiveUser(ctx, roomID, userName)
	return t.announce(ctx, domain.PresenceLeave, roomID, userName, snapshot, err)
}

// current returns the unchanged roster while another stream keeps the user
// active.
func (t *presenceTracker) current(ctx context.Context, roomID, userName string) ([]string, error) {
	room, err := t.repository.GetByID(ctx, roomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	t.logger.Debug(logging.Presence, logging.Session, "user still connected on another stream", map[logging.ExtraKey]any{
		logging.RoomID:   roomID,
		logging.UserName: userName,
	})
	return room.Snapshot(), nil
}

func (t *presenceTracker) announce(
	ctx context.Context,
	kind domain.PresenceType,
	roomID, userName string,
	snapshot []string,
	err error,
) ([]string, error) {
	extra := map[logging.ExtraKey]any{
		logging.RoomID:   roomID,
		logging.UserName: userName,
	}

	if errors.Is(err, domain.ErrRoomNotFound) {
		t.logger.Debug(logging.Presence, logging.Session, "presence change on absent room ignored", extra)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		snapshot = []string{}
	}

	event := domain.PresenceEvent{
		Type:        kind,
		UserName:    userName,
		ActiveUsers: snapshot,
	}
	if err := t.publisher.Publish(ctx, domain.PresenceChannel(roomID), event); err != nil {
		extra[logging.ErrorMessage] = err.Error()
		t.logger.Warn(logging.Presence, logging.Publish, "failed to publish presence event", extra)
	}

	return snapshot, nil
}

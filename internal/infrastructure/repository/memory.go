package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/token"
)

type memoryEntry struct {
	room        *domain.Room
	adminSecret string
}

// memoryRoomRepository keeps rooms in process. One mutex serializes every
// read-modify-write, so appends to a room are strictly ordered.
type memoryRoomRepository struct {
	rooms map[string]*memoryEntry // ID -> entry
	ttl   time.Duration
	now   func() time.Time
	mu    *sync.Mutex
}

func NewMemoryRoomRepository(ttl time.Duration, opts ...Option) domain.RoomRepository {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &memoryRoomRepository{
		rooms: make(map[string]*memoryEntry),
		ttl:   ttl,
		now:   o.now,
		mu:    &sync.Mutex{},
	}
}

func (r *memoryRoomRepository) Create(ctx context.Context, name, creatorName string) (*domain.Room, string, error) {
	if name == "" || creatorName == "" {
		return nil, "", domain.ErrInvalidInput
	}

	secret, err := token.AdminSecret()
	if err != nil {
		return nil, "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var id string
	for {
		id, err = token.RoomID()
		if err != nil {
			return nil, "", err
		}
		// ids are never reused while a previous holder could still be live
		if _, taken := r.rooms[id]; !taken {
			break
		}
	}

	room := domain.NewRoom(id, name, creatorName, r.now())
	r.rooms[id] = &memoryEntry{room: room, adminSecret: secret}

	return room.Clone(), secret, nil
}

// live returns the entry for id, evicting it when expired. Caller holds mu.
func (r *memoryRoomRepository) live(id string) (*memoryEntry, bool) {
	entry, exists := r.rooms[id]
	if !exists {
		return nil, false
	}
	if entry.room.IsExpired(r.now(), r.ttl) {
		delete(r.rooms, id)
		return nil, false
	}
	return entry, true
}

func (r *memoryRoomRepository) GetByID(ctx context.Context, id string) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.live(id)
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	return entry.room.Clone(), nil
}

func (r *memoryRoomRepository) GetAll(ctx context.Context) ([]*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make([]*domain.Room, 0, len(r.rooms))
	for id := range r.rooms {
		if entry, ok := r.live(id); ok {
			rooms = append(rooms, entry.room.Summary())
		}
	}

	slices.SortFunc(rooms, func(a, b *domain.Room) int {
		return newestFirst(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})

	return rooms, nil
}

func (r *memoryRoomRepository) update(id string, fn func(room *domain.Room) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.live(id)
	if !ok {
		return domain.ErrRoomNotFound
	}

	return fn(entry.room)
}

func (r *memoryRoomRepository) Join(ctx context.Context, id, userName string) error {
	if userName == "" {
		return domain.ErrInvalidInput
	}

	return r.update(id, func(room *domain.Room) error {
		room.AddUser(userName)
		return nil
	})
}

func (r *memoryRoomRepository) AppendMessage(ctx context.Context, id string, draft domain.MessageDraft) (*domain.Message, error) {
	if err := draft.Validate(); err != nil {
		return nil, err
	}

	var msg domain.Message
	err := r.update(id, func(room *domain.Room) error {
		msg = room.AppendMessage(token.MessageID(), draft, r.now())
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &msg, nil
}

func (r *memoryRoomRepository) AddActiveUser(ctx context.Context, id, userName string) ([]string, error) {
	var snapshot []string
	err := r.update(id, func(room *domain.Room) error {
		room.AddActiveUser(userName)
		snapshot = room.Snapshot()
		return nil
	})
	return snapshot, err
}

func (r *memoryRoomRepository) RemoveActiveUser(ctx context.Context, id, userName string) ([]string, error) {
	var snapshot []string
	err := r.update(id, func(room *domain.Room) error {
		room.RemoveActiveUser(userName)
		snapshot = room.Snapshot()
		return nil
	})
	return snapshot, err
}

func (r *memoryRoomRepository) Delete(ctx context.Context, id, adminSecret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.live(id)
	if !ok {
		return domain.ErrRoomNotFound
	}
	if !token.Equal(entry.adminSecret, adminSecret) {
		return domain.ErrForbidden
	}

	delete(r.rooms, id)
	return nil
}

func (r *memoryRoomRepository) DeleteExpired(ctx context.Context) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var expired []string
	for id, entry := range r.rooms {
		if entry.room.IsExpired(now, r.ttl) {
			delete(r.rooms, id)
			expired = append(expired, id)
		}
	}

	return expired, nil
}

func (r *memoryRoomRepository) Close() error {
	return nil
}

package domain

import (
	"context"
	"slices"
	"time"
)

type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedAt   int64     `json:"createdAt"`
	Users       []string  `json:"users"`
	ActiveUsers []string  `json:"activeUsers"`
	Messages    []Message `json:"messages"`
}

// RoomRepository owns the authoritative room record. Every read treats a room
// whose age has reached the TTL as absent, whether or not it is still stored.
type RoomRepository interface {
	// Create stores a fresh room and returns it with its admin secret. The
	// secret is never readable again through the repository.
	Create(ctx context.Context, name, creatorName string) (*Room, string, error)
	GetByID(ctx context.Context, id string) (*Room, error)
	// GetAll returns live rooms without messages, newest first.
	GetAll(ctx context.Context) ([]*Room, error)
	Join(ctx context.Context, id, userName string) error
	AppendMessage(ctx context.Context, id string, draft MessageDraft) (*Message, error)
	// AddActiveUser and RemoveActiveUser return the active-user snapshot after
	// the change.
	AddActiveUser(ctx context.Context, id, userName string) ([]string, error)
	RemoveActiveUser(ctx context.Context, id, userName string) ([]string, error)
	Delete(ctx context.Context, id, adminSecret string) error
	// DeleteExpired physically removes expired rooms and returns their ids.
	DeleteExpired(ctx context.Context) ([]string, error)
	Close() error
}

func NewRoom(id, name, creatorName string, createdAt time.Time) *Room {
	return &Room{
		ID:          id,
		Name:        name,
		CreatedAt:   createdAt.UnixMilli(),
		Users:       []string{creatorName},
		ActiveUsers: []string{creatorName},
		Messages:    []Message{},
	}
}

func (r *Room) Created() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

func (r *Room) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.Created()) >= ttl
}

// Remaining is how long the room has left before it expires, never negative.
func (r *Room) Remaining(now time.Time, ttl time.Duration) time.Duration {
	left := ttl - now.Sub(r.Created())
	if left < 0 {
		return 0
	}
	return left
}

// AddUser records userName in the join history. Returns false if already present.
func (r *Room) AddUser(userName string) bool {
	if slices.Contains(r.Users, userName) {
		return false
	}
	r.Users = append(r.Users, userName)
	return true
}

func (r *Room) AddActiveUser(userName string) bool {
	if slices.Contains(r.ActiveUsers, userName) {
		return false
	}
	r.ActiveUsers = append(r.ActiveUsers, userName)
	return true
}

func (r *Room) RemoveActiveUser(userName string) bool {
	idx := slices.Index(r.ActiveUsers, userName)
	if idx < 0 {
		return false
	}
	r.ActiveUsers = slices.Delete(r.ActiveUsers, idx, idx+1)
	return true
}

// AppendMessage stamps the draft and appends it. Timestamps never go backwards
// within a room even if the wall clock does.
func (r *Room) AppendMessage(id string, draft MessageDraft, now time.Time) Message {
	ts := now.UnixMilli()
	if n := len(r.Messages); n > 0 && r.Messages[n-1].Timestamp > ts {
		ts = r.Messages[n-1].Timestamp
	}

	msg := Message{
		ID:         id,
		SenderID:   draft.SenderID,
		SenderName: draft.SenderName,
		Content:    draft.Content,
		Attachment: draft.Attachment,
		Timestamp:  ts,
	}
	r.Messages = append(r.Messages, msg)
	return msg
}

func (r *Room) Snapshot() []string {
	return slices.Clone(r.ActiveUsers)
}

// Summary returns a copy of the room with its messages stripped.
func (r *Room) Summary() *Room {
	cpy := r.Clone()
	cpy.Messages = nil
	return cpy
}

func (r *Room) Clone() *Room {
	cpy := *r
	cpy.Users = slices.Clone(r.Users)
	cpy.ActiveUsers = slices.Clone(r.ActiveUsers)
	cpy.Messages = slices.Clone(r.Messages)
	if cpy.Messages == nil {
		cpy.Messages = []Message{}
	}
	return &cpy
}

package rooms

import "github.com/hilthontt/dropchat/internal/domain"

type createRoomRequest struct {
	Name        string `json:"name"`
	CreatorName string `json:"creatorName"`
}

type joinRoomRequest struct {
	UserName string `json:"userName"`
}

type roomSummaryResponse struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	CreatedAt   int64    `json:"createdAt"`
	Users       []string `json:"users"`
	ActiveUsers []string `json:"activeUsers"`
}

type roomResponse struct {
	roomSummaryResponse
	Messages []domain.Message `json:"messages"`
}

// createRoomResponse is the only response that ever carries the admin secret.
type createRoomResponse struct {
	roomResponse
	AdminSecret string `json:"adminSecret"`
}

func newRoomSummaryResponse(room *domain.Room) roomSummaryResponse {
	resp := roomSummaryResponse{
		ID:          room.ID,
		Name:        room.Name,
		CreatedAt:   room.CreatedAt,
		Users:       room.Users,
		ActiveUsers: room.ActiveUsers,
	}
	if resp.Users == nil {
		resp.Users = []string{}
	}
	if resp.ActiveUsers == nil {
		resp.ActiveUsers = []string{}
	}
	return resp
}

func newRoomResponse(room *domain.Room) roomResponse {
	resp := roomResponse{
		roomSummaryResponse: newRoomSummaryResponse(room),
		Messages:            room.Messages,
	}
	if resp.Messages == nil {
		resp.Messages = []domain.Message{}
	}
	return resp
}

package rooms

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/infrastructure/json"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/presentation/utils"
)

const AdminSecretHeader = "X-Admin-Secret"

type Handler struct {
	rooms  room.RoomUseCase
	logger logging.Logger
}

func NewHandler(rooms room.RoomUseCase, logger logging.Logger) *Handler {
	return &Handler{
		rooms:  rooms,
		logger: logger,
	}
}

func (h *Handler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req createRoomRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	created, secret, err := h.rooms.Create(r.Context(), req.Name, req.CreatorName)
	if err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusCreated, createRoomResponse{
		roomResponse: newRoomResponse(created),
		AdminSecret:  secret,
	})
}

func (h *Handler) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.rooms.GetAll(r.Context())
	if err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	resp := make([]roomSummaryResponse, 0, len(rooms))
	for _, rm := range rooms {
		resp = append(resp, newRoomSummaryResponse(rm))
	}

	_ = json.Write(w, http.StatusOK, resp)
}

func (h *Handler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	found, err := h.rooms.GetByID(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusOK, newRoomResponse(found))
}

func (h *Handler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req joinRoomRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	if err := h.rooms.Join(r.Context(), roomID, req.UserName); err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusOK, utils.Success{Success: true, RoomID: roomID})
}

// DeleteRoomHandler takes the admin secret from the X-Admin-Secret header,
// falling back to the adminSecret query parameter.
func (h *Handler) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	secret := r.Header.Get(AdminSecretHeader)
	if secret == "" {
		secret = r.URL.Query().Get("adminSecret")
	}

	if err := h.rooms.Delete(r.Context(), roomID, secret); err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusOK, utils.Success{Success: true, RoomID: roomID})
}

package messages

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/domain"
	"github.com/hilthontt/dropchat/internal/infrastructure/json"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/presentation/utils"
)

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

func (h *Handler) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	messages, err := h.rooms.GetMessages(r.Context(), chi.URLParam(r, "roomId"))
	if err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}
	if messages == nil {
		messages = []domain.Message{}
	}

	_ = json.Write(w, http.StatusOK, messages)
}

func (h *Handler) CreateMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req createMessageRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	msg, err := h.rooms.AppendMessage(r.Context(), chi.URLParam(r, "roomId"), domain.MessageDraft{
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Content:    req.Content,
		Attachment: req.Attachment,
	})
	if err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusCreated, msg)
}

// TypingHandler is fire-and-forget: the event is published, never stored.
func (h *Handler) TypingHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")

	var req typingRequest
	if err := json.Read(w, r, &req); err != nil {
		json.WriteValidationError(w, err)
		return
	}

	if err := h.rooms.SetTyping(r.Context(), roomID, req.UserName, req.IsTyping); err != nil {
		utils.WriteError(w, r, h.logger, err)
		return
	}

	_ = json.Write(w, http.StatusAccepted, utils.Success{Success: true, RoomID: roomID})
}

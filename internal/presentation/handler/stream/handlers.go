package stream

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/hilthontt/dropchat/internal/application/usecases/room"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
	"github.com/hilthontt/dropchat/internal/infrastructure/stream"
	"github.com/hilthontt/dropchat/internal/presentation/utils"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

type Config struct {
	KeepAlive      time.Duration
	BufferSize     int
	AllowedOrigins []string
}

type Handler struct {
	deps     stream.Dependencies
	config   Config
	upgrader *websocket.Upgrader
}

func NewHandler(deps stream.Dependencies, config Config) *Handler {
	return &Handler{
		deps:     deps,
		config:   config,
		upgrader: stream.NewUpgrader(config.AllowedOrigins),
	}
}

func (h *Handler) sessionConfig(transport string) stream.Config {
	return stream.Config{
		KeepAlive:  h.config.KeepAlive,
		BufferSize: h.config.BufferSize,
		Transport:  transport,
	}
}

// params reads the room id and the optional userName. A non-empty userName
// must pass the same checks as a join.
func params(r *http.Request) (roomID, userName string, err error) {
	roomID = chi.URLParam(r, "roomId")
	userName = strings.TrimSpace(r.URL.Query().Get("userName"))
	if userName == "" {
		return roomID, "", nil
	}
	if err := room.ValidateUserName(userName); err != nil {
		return "", "", err
	}
	return roomID, userName, nil
}

// SSEHandler streams room events as text/event-stream until the client goes
// away. Without a userName the stream is a read-only observer.
func (h *Handler) SSEHandler(w http.ResponseWriter, r *http.Request) {
	roomID, userName, err := params(r)
	if err != nil {
		utils.WriteError(w, r, h.deps.Logger, err)
		return
	}

	sink := stream.NewSSESink(w)
	session := stream.NewSession(roomID, userName, sink, h.deps, h.sessionConfig(TransportSSE))

	if err := session.Open(r.Context()); err != nil {
		utils.WriteError(w, r, h.deps.Logger, err)
		return
	}

	if err := sink.Start(); err != nil {
		session.Close(r.Context())
		return
	}

	session.Run(r.Context())
	sink.Close()
}

// WebSocketHandler carries the same frames as the SSE stream, one JSON
// envelope per frame. The room is checked before upgrading so a missing room
// is still a plain 404.
func (h *Handler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	roomID, userName, err := params(r)
	if err != nil {
		utils.WriteError(w, r, h.deps.Logger, err)
		return
	}

	if _, err := h.deps.Rooms.GetByID(r.Context(), roomID); err != nil {
		utils.WriteError(w, r, h.deps.Logger, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.deps.Logger.Warn(logging.Stream, logging.Session, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	sink := stream.NewWebSocketSink(conn)
	defer sink.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session := stream.NewSession(roomID, userName, sink, h.deps, h.sessionConfig(TransportWebSocket))
	if err := session.Open(ctx); err != nil {
		return
	}

	go sink.ReadLoop(cancel, session.KeepAlive())
	session.Run(ctx)
}

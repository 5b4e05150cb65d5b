package utils

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/dropchat/internal/infrastructure/json"
	"github.com/hilthontt/dropchat/internal/infrastructure/logging"
)

// WriteError answers with the status for err and logs anything the client
// cannot fix.
func WriteError(w http.ResponseWriter, r *http.Request, logger logging.Logger, err error) {
	if status := json.StatusFor(err); status >= http.StatusInternalServerError {
		logger.Error(logging.RequestResponse, logging.ExternalService, "request failed", map[logging.ExtraKey]any{
			logging.Method:       r.Method,
			logging.Path:         r.URL.Path,
			logging.RoomID:       chi.URLParam(r, "roomId"),
			logging.StatusCode:   status,
			logging.ErrorMessage: err.Error(),
		})
	}
	json.WriteDomainError(w, err)
}

// Success is the body of endpoints that only acknowledge.
type Success struct {
	Success bool   `json:"success"`
	RoomID  string `json:"roomId,omitempty"`
}

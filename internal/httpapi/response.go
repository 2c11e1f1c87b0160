// Package httpapi exposes the auth service over HTTP: routing,
// middleware (rate limiting, bearer guard), request validation, and the
// uniform response envelope.
package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/keygate-dev/keygate/internal/apperr"
)

// envelope is the shape of every response body.
type envelope struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	// Error carries the underlying failure detail. Populated only when
	// the server runs in non-production mode.
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, message string, data any) {
	writeJSON(w, status, envelope{
		Success: true,
		Status:  status,
		Message: message,
		Data:    data,
	})
}

// writeError renders err through the taxonomy. Operational errors surface
// their message; anything else is masked as a generic internal error and
// logged with full request context.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := apperr.From(err)

	if !e.Operational {
		s.logger.Error("request failed",
			"path", r.URL.Path,
			"method", r.Method,
			"error", err,
			"stack", string(debug.Stack()),
		)
		body := envelope{Status: http.StatusInternalServerError, Message: "internal server error"}
		if !s.production {
			body.Error = err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, body)
		return
	}

	s.logger.Info("request rejected",
		"path", r.URL.Path,
		"method", r.Method,
		"status", e.Status,
		"message", e.Message,
	)
	writeJSON(w, e.Status, envelope{Status: e.Status, Message: e.Message})
}

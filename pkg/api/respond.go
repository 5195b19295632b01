package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stintlab/stint/pkg/manager"
	"github.com/stintlab/stint/pkg/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the {"error": ...} body; payload is a string or, for
// validation failures, a field-to-messages object
func writeError(w http.ResponseWriter, code int, payload any) {
	writeJSON(w, code, map[string]any{"error": payload})
}

// fail maps domain errors onto the HTTP taxonomy. One-line messages
// only; no stack detail or internal labels cross the boundary.
func fail(w http.ResponseWriter, err error) {
	var verr manager.ValidationErrors
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr)
	case errors.Is(err, manager.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, manager.ErrAccountDisabled):
		writeError(w, http.StatusForbidden, "Account disabled")
	case errors.Is(err, manager.ErrAgentUnavailable):
		writeError(w, http.StatusBadRequest, "Selected agent not available")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, manager.ErrConflict):
		writeError(w, http.StatusConflict, conflictMessage(err))
	case errors.Is(err, manager.ErrNoAgents):
		writeError(w, http.StatusServiceUnavailable, "No available agents")
	default:
		writeError(w, http.StatusInternalServerError, "Internal error")
	}
}

// conflictMessage strips the internal sentinel prefix so a 409 body
// reads "Cannot cancel booking in active status", not "conflict: ..."
func conflictMessage(err error) string {
	msg := err.Error()
	if rest, ok := strings.CutPrefix(msg, manager.ErrConflict.Error()+": "); ok {
		msg = rest
	}
	if msg == "" {
		return "Conflict"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

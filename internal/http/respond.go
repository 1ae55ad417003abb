package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/martocorp/deployment-queue-api/internal/repository"
	"github.com/martocorp/deployment-queue-api/internal/service/auth"
	"github.com/martocorp/deployment-queue-api/internal/service/deployment"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto HTTP statuses. Unknown errors
// become opaque 500s so storage details never leak to callers.
func (r *Router) writeServiceError(w http.ResponseWriter, req *http.Request, err error) {
	var vErr *deployment.ValidationError
	if errors.As(err, &vErr) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  "validation failed",
			"fields": vErr.Fields,
		})
		return
	}
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		writeError(w, authErr.Status, authErr.Message)
		return
	}
	switch {
	case errors.Is(err, deployment.ErrEmptyUpdate):
		writeError(w, http.StatusBadRequest, "update carries no fields")
	case errors.Is(err, deployment.ErrNotRollbackable):
		writeError(w, http.StatusConflict, "only failed deployments can be rolled back")
	case errors.Is(err, deployment.ErrNoSuccessfulDeployment):
		writeError(w, http.StatusNotFound, "no previous successful deployment to roll back to")
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, repository.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, "invalid value")
	default:
		r.logger.Error("request failed", "method", req.Method, "path", req.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

package api

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/catalog"
	"github.com/t77yq/taskscheduler/internal/model"
	"github.com/t77yq/taskscheduler/internal/monitor"
	"github.com/t77yq/taskscheduler/internal/schedule"
	"github.com/t77yq/taskscheduler/internal/service"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// statusOf maps a service error to an HTTP status and error code
func statusOf(err error) (int, string) {
	var transition *model.InvalidTransitionError
	switch {
	case storage.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case schedule.IsInvalidSchedule(err):
		return http.StatusBadRequest, "invalid_schedule"
	case errors.Is(err, catalog.ErrInvalidDefinition), errors.Is(err, service.ErrValidation):
		return http.StatusBadRequest, "invalid_input"
	case errors.As(err, &transition), errors.Is(err, monitor.ErrAlertState):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, storage.ErrConcurrencyLimit):
		return http.StatusConflict, "concurrency_limit"
	case errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, storage.ErrConcurrencyConflict):
		return http.StatusConflict, "conflict"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

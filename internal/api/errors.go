package api

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"pipesched/internal/cronexpr"
	"pipesched/internal/scheduler"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

// errBadRequest marks client input errors found by the handlers themselves.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), errBadRequest)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrNotRunning),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, cronexpr.ErrMalformedCron),
		errors.Is(err, cronexpr.ErrNoFrequency),
		errors.Is(err, storage.ErrInvalid),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

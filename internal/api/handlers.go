package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"pipesched/internal/cronexpr"
	"pipesched/internal/storage"
)

const maxPreview = 50

func pathID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id %q", raw)
	}
	return id, nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s %q", key, raw)
	}
	return n, nil
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	snap := h.sched.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"scheduler": snap.Running,
		"jobs":      len(snap.Triggers),
		"in_flight": snap.InFlight,
	})
}

func (h *Handler) SchedulerSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

// ---- programs ----

func (h *Handler) ListPrograms(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListPrograms(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) CreateProgram(w http.ResponseWriter, r *http.Request) {
	var p storage.Program
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}
	out, err := h.store.CreateProgram(r.Context(), p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) GetProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.store.GetProgram(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdateProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var p storage.Program
	if err := decodeJSON(r, &p); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}
	out, err := h.store.UpdateProgram(r.Context(), id, p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) DeleteProgram(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.DeleteProgram(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- jobs ----

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := h.store.ListJobs(r.Context(), enabledOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	in := storage.JobInput{Enabled: true}
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}
	job, err := h.store.CreateJob(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.sched.Install(job)
	writeJSON(w, http.StatusCreated, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// UpdateJob replaces the job's editable fields; omitted fields keep their
// current values.
func (h *Handler) UpdateJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cur, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	in := storage.JobInput{
		Name:           cur.Name,
		ProgramID:      cur.ProgramID,
		CronExpression: cur.CronExpression,
		Enabled:        cur.Enabled,
	}
	if err := decodeJSON(r, &in); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}
	job, err := h.store.UpdateJob(r.Context(), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.sched.Install(job)
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.DeleteJob(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.sched.Remove(id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.sched.Status(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) JobHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.sched.History(r.Context(), id, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []storage.Execution{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	e, err := h.sched.Trigger(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

// ---- executions ----

func (h *Handler) GetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.store.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) AbortExecution(w http.ResponseWriter, r *http.Request) {
	e, err := h.sched.Abort(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// ---- cron helpers ----

func (h *Handler) CronNext(w http.ResponseWriter, r *http.Request) {
	expr := r.URL.Query().Get("expr")
	count, err := queryInt(r, "count", 5)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	count = max(1, min(count, maxPreview))
	ref := h.now().In(h.sched.Location())
	next, err := cronexpr.NextFireTimes(expr, ref, count)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"expression": strings.TrimSpace(expr),
		"timezone":   ref.Location().String(),
		"next":       next,
	})
}

// CronExpressionFor renders a named frequency as an expression.
func (h *Handler) CronExpressionFor(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Frequency cronexpr.Kind `json:"frequency"`
		Time      string        `json:"time"`
		Weekday   string        `json:"weekday"`
		MonthDay  int           `json:"month_day"`
	}
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, r, badRequest("invalid request body: %v", err))
		return
	}
	hour, minute, err := cronexpr.ParseClock(body.Time)
	if err != nil {
		h.writeError(w, r, badRequest("%v", err))
		return
	}
	f := cronexpr.Frequency{Kind: body.Frequency, Hour: hour, Minute: minute, MonthDay: body.MonthDay}
	if body.Frequency == cronexpr.Weekly {
		if f.Weekday, err = cronexpr.ParseWeekday(body.Weekday); err != nil {
			h.writeError(w, r, badRequest("%v", err))
			return
		}
	}
	expr, err := f.Expression()
	if err != nil {
		h.writeError(w, r, badRequest("%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"expression": expr})
}

// CronFrequencyOf is the reverse of CronExpressionFor.
func (h *Handler) CronFrequencyOf(w http.ResponseWriter, r *http.Request) {
	f, err := cronexpr.ParseFrequency(r.URL.Query().Get("expr"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

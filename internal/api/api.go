// Package api serves the scheduler's HTTP surface: program and job CRUD,
// status, history, manual trigger and abort, cron helpers and metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pipesched/internal/scheduler"
	"pipesched/internal/storage"
	logx "pipesched/pkg/logx"
)

// Store is the CRUD surface the handlers need.
type Store interface {
	CreateProgram(ctx context.Context, p storage.Program) (storage.Program, error)
	GetProgram(ctx context.Context, id int64) (storage.Program, error)
	ListPrograms(ctx context.Context) ([]storage.Program, error)
	UpdateProgram(ctx context.Context, id int64, p storage.Program) (storage.Program, error)
	DeleteProgram(ctx context.Context, id int64) error

	CreateJob(ctx context.Context, in storage.JobInput) (storage.Job, error)
	GetJob(ctx context.Context, id int64) (storage.Job, error)
	ListJobs(ctx context.Context, enabledOnly bool) ([]storage.Job, error)
	UpdateJob(ctx context.Context, id int64, in storage.JobInput) (storage.Job, error)
	DeleteJob(ctx context.Context, id int64) error

	GetExecution(ctx context.Context, id string) (storage.Execution, error)
}

// Scheduler is the runtime surface the handlers need.
type Scheduler interface {
	Install(job storage.Job)
	Remove(jobID int64)
	Trigger(ctx context.Context, jobID int64) (storage.Execution, error)
	Abort(ctx context.Context, execID string) (storage.Execution, error)
	Status(ctx context.Context, jobID int64) (scheduler.JobStatus, error)
	History(ctx context.Context, jobID int64, limit int) ([]storage.Execution, error)
	Snapshot() scheduler.Snapshot
	Location() *time.Location
}

type Handler struct {
	store       Store
	sched       Scheduler
	log         logx.Logger
	now         func() time.Time
	metrics     http.Handler
	metricsPath string
}

type Option func(*Handler)

// WithMetrics mounts h at path.
func WithMetrics(path string, h http.Handler) Option {
	return func(x *Handler) {
		x.metricsPath = path
		x.metrics = h
	}
}

// WithClock replaces time.Now for the cron preview endpoint.
func WithClock(now func() time.Time) Option {
	return func(x *Handler) { x.now = now }
}

func New(store Store, sched Scheduler, log logx.Logger, opts ...Option) *Handler {
	h := &Handler{store: store, sched: sched, log: log, now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi route tree.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requestLogger)

	r.Get("/healthz", h.Health)
	r.Get("/scheduler", h.SchedulerSnapshot)

	r.Route("/programs", func(r chi.Router) {
		r.Get("/", h.ListPrograms)
		r.Post("/", h.CreateProgram)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetProgram)
			r.Put("/", h.UpdateProgram)
			r.Delete("/", h.DeleteProgram)
		})
	})

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", h.ListJobs)
		r.Post("/", h.CreateJob)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetJob)
			r.Put("/", h.UpdateJob)
			r.Delete("/", h.DeleteJob)
			r.Get("/status", h.JobStatus)
			r.Get("/history", h.JobHistory)
			r.Post("/trigger", h.TriggerJob)
		})
	})

	r.Route("/executions/{id}", func(r chi.Router) {
		r.Get("/", h.GetExecution)
		r.Post("/abort", h.AbortExecution)
	})

	r.Route("/cron", func(r chi.Router) {
		r.Get("/next", h.CronNext)
		r.Get("/frequency", h.CronFrequencyOf)
		r.Post("/frequency", h.CronExpressionFor)
	})

	if h.metrics != nil {
		r.Method(http.MethodGet, h.metricsPath, h.metrics)
	}
	return r
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

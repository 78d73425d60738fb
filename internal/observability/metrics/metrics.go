// Package metrics exports scheduler activity to Prometheus. Counters are fed
// from the event bus so no scheduling code depends on the client library.
package metrics

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipesched/internal/eventbus"
	logx "pipesched/pkg/logx"
)

const namespace = "pipesched"

// Gauges supplies point-in-time values sampled on every scrape.
type Gauges interface {
	InstalledJobs() int
	RunningJobs() int
}

type Metrics struct {
	reg *prometheus.Registry
	log logx.Logger

	started     *prometheus.CounterVec
	finished    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	dropped     *prometheus.CounterVec
	retries     prometheus.Counter
	jobChanges  *prometheus.CounterVec
	unprocessed prometheus.Counter
}

// New builds a collector on its own registry. g may be nil.
func New(g Gauges, log logx.Logger) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		log: log,
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions started, by job.",
		}, []string{"job"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status, by job and status.",
		}, []string{"job", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall time of finished executions.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}, []string{"job", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fires_dropped_total",
			Help:      "Fires skipped because the job was still running.",
		}, []string{"job", "manual"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_retries_total",
			Help:      "Storage operations retried after busy/locked errors.",
		}),
		jobChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_changes_total",
			Help:      "Triggers installed or removed from the registry.",
		}, []string{"change"}),
		unprocessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_unknown_total",
			Help:      "Bus events the collector did not recognise.",
		}),
	}
	reg.MustRegister(
		m.started, m.finished, m.duration, m.dropped, m.retries, m.jobChanges, m.unprocessed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if g != nil {
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_installed",
				Help:      "Jobs with an installed trigger.",
			}, func() float64 { return float64(g.InstalledJobs()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs_running",
				Help:      "Jobs with an execution in flight.",
			}, func() float64 { return float64(g.RunningJobs()) }),
		)
	}
	return m
}

// Registry is exposed for tests and for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies a single event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.ExecutionEvent:
		switch e.Type {
		case eventbus.ExecutionStarted:
			m.started.WithLabelValues(d.JobName).Inc()
		case eventbus.ExecutionFinished, eventbus.ExecutionAborted:
			m.finished.WithLabelValues(d.JobName, d.Status).Inc()
			if d.Duration > 0 {
				m.duration.WithLabelValues(d.JobName, d.Status).Observe(d.Duration.Seconds())
			}
		default:
			m.unprocessed.Inc()
		}
	case eventbus.DropEvent:
		m.dropped.WithLabelValues(d.JobName, strconv.FormatBool(d.Manual)).Inc()
	case eventbus.RetryEvent:
		m.retries.Inc()
	case eventbus.JobEvent:
		switch e.Type {
		case eventbus.JobInstalled:
			m.jobChanges.WithLabelValues("installed").Inc()
		case eventbus.JobRemoved:
			m.jobChanges.WithLabelValues("removed").Inc()
		default:
			m.unprocessed.Inc()
		}
	default:
		m.unprocessed.Inc()
		m.log.Debug("metrics: unknown event", logx.String("type", e.Type))
	}
}

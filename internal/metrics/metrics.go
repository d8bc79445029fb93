// Package metrics exposes run, stage, job and host-pool metrics in the
// Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stagehand"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	Runs         *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	Stages       *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	RunningJobs  prometheus.Gauge
	HostsBusy    prometheus.Gauge
	HostsTotal   prometheus.Gauge
	HostWaitTime prometheus.Histogram
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by verdict.",
		}, []string{"verdict"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}),
		Stages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Stages by name and verdict.",
		}, []string{"stage", "verdict"}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Jobs by stage and outcome.",
		}, []string{"stage", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time a job held its host.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"stage"}),
		RunningJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Jobs currently holding a host.",
		}),
		HostsBusy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_busy",
			Help:      "Hosts currently allocated.",
		}),
		HostsTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hosts_total",
			Help:      "Hosts in the pool.",
		}),
		HostWaitTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "host_wait_seconds",
			Help:      "Time jobs waited for a qualifying host.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// Registry exposes the underlying registry for gathering.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RunFinished(verdict string, d time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(verdict).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) StageFinished(stage, verdict string) {
	if m == nil {
		return
	}
	m.Stages.WithLabelValues(stage, verdict).Inc()
}

func (m *Metrics) JobStarted(waited time.Duration) {
	if m == nil {
		return
	}
	m.RunningJobs.Inc()
	m.HostWaitTime.Observe(waited.Seconds())
}

// JobFinished records a terminal job. held is zero for jobs that never got a
// host; running tells whether JobStarted was called for it.
func (m *Metrics) JobFinished(stage, outcome string, held time.Duration, running bool) {
	if m == nil {
		return
	}
	if running {
		m.RunningJobs.Dec()
		m.JobDuration.WithLabelValues(stage).Observe(held.Seconds())
	}
	m.Jobs.WithLabelValues(stage, outcome).Inc()
}

// SetHosts records pool occupancy.
func (m *Metrics) SetHosts(busy, total int) {
	if m == nil {
		return
	}
	m.HostsBusy.Set(float64(busy))
	m.HostsTotal.Set(float64(total))
}

// WatchDroppedEvents exports n as the count of events lost to slow
// followers of the event stream.
func (m *Metrics) WatchDroppedEvents(n func() uint64) {
	if m == nil || n == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_dropped_total",
		Help:      "Events not delivered to a follower whose buffer was full.",
	}, func() float64 { return float64(n()) }))
}

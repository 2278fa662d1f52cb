// Package metrics exposes Prometheus collectors for scheduler activity.
//
// Counters are driven by lifecycle events from the event bus; gauges that
// mirror live state are read on scrape through Sources.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"agentcron/internal/eventbus"
	"agentcron/internal/task/record"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentcron"

// Sources are read at scrape time. Nil funcs report zero.
type Sources struct {
	InFlight        func() int
	BusDropped      func() uint64
	ProgressDropped func() uint64
}

type Metrics struct {
	invocations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	misfires    *prometheus.CounterVec
	lateResults *prometheus.CounterVec
	reloads     prometheus.Counter
}

// MustNewMetrics registers the collectors on reg. Collectors that are already
// registered (a second instance on the same registry) are reused.
func MustNewMetrics(reg prometheus.Registerer, src Sources) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Finished invocations by job and terminal status.",
		}, []string{"job", "status"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_failures_total",
			Help:      "Failed invocations by job and error kind.",
		}, []string{"job", "kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of admitted invocations.",
			// 0.5s .. ~68m
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"job", "status"}),
		misfires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misfires_total",
			Help:      "Firings skipped because the job was still running.",
		}, []string{"job", "trigger"}),
		lateResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_results_total",
			Help:      "Agent results that arrived after the invocation was abandoned.",
		}, []string{"job"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_reloads_total",
			Help:      "Job table reloads applied.",
		}),
	}

	m.invocations = mustRegister(reg, m.invocations)
	m.failures = mustRegister(reg, m.failures)
	m.duration = mustRegister(reg, m.duration)
	m.misfires = mustRegister(reg, m.misfires)
	m.lateResults = mustRegister(reg, m.lateResults)
	m.reloads = mustRegister(reg, m.reloads)

	mustRegister[prometheus.Collector](reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "invocations_running",
		Help:      "Invocations currently in flight.",
	}, func() float64 {
		if src.InFlight == nil {
			return 0
		}
		return float64(src.InFlight())
	}))
	mustRegister[prometheus.Collector](reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Lifecycle events not delivered to a full subscriber.",
	}, uintFunc(src.BusDropped)))
	mustRegister[prometheus.Collector](reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_dropped_total",
		Help:      "Progress events discarded by drop-oldest subscribers.",
	}, uintFunc(src.ProgressDropped)))
	return m
}

func uintFunc(fn func() uint64) func() float64 {
	return func() float64 {
		if fn == nil {
			return 0
		}
		return float64(fn())
	}
}

func mustRegister[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Observe folds one lifecycle event into the collectors.
func (m *Metrics) Observe(e eventbus.Event) {
	if m == nil {
		return
	}
	switch e.Type {
	case eventbus.TypeInvocationSucceeded, eventbus.TypeInvocationFailed:
		rec, ok := e.Data.(record.ExecutionRecord)
		if !ok {
			return
		}
		status := string(rec.Status)
		m.invocations.WithLabelValues(rec.JobName, status).Inc()
		if rec.Error != nil {
			m.failures.WithLabelValues(rec.JobName, string(rec.Error.Kind)).Inc()
			if rec.Error.Kind == record.KindAgentResolution {
				// Never admitted; no duration to report.
				return
			}
		}
		m.duration.WithLabelValues(rec.JobName, status).Observe(rec.Duration().Seconds())
	case eventbus.TypeJobMisfire:
		trig := ""
		if mf, ok := e.Data.(record.Misfire); ok {
			trig = string(mf.Trigger)
		}
		m.misfires.WithLabelValues(e.Job, trig).Inc()
	case eventbus.TypeInvocationLateResult:
		m.lateResults.WithLabelValues(e.Job).Inc()
	case eventbus.TypeSchedulerReloaded:
		m.reloads.Inc()
	}
}

// Consume observes events until ctx is done or ch is closed. It is meant to
// run under a supervisor.
func (m *Metrics) Consume(ctx context.Context, ch <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

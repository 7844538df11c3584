package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics mirror the progress counters for a node exporter textfile
// collector. Only the run loop touches them.
type metrics struct {
	revisions   prometheus.Counter
	reports     prometheus.Counter
	runs        *prometheus.CounterVec
	duration    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		revisions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "revindex",
			Name:      "revisions_indexed_total",
			Help:      "Revisions written to the index sink.",
		}),
		reports: f.NewCounter(prometheus.CounterOpts{
			Namespace: "revindex",
			Name:      "progress_reports_total",
			Help:      "Progress reports emitted.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "revindex",
			Name:      "runs_total",
			Help:      "Index runs by outcome.",
		}, []string{"outcome"}),
		duration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "revindex",
			Name:      "last_run_duration_seconds",
			Help:      "Wall clock duration of the last run.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "revindex",
			Name:      "last_run_success",
			Help:      "1 if the last run completed, 0 if it failed.",
		}),
	}
}

func (m *metrics) finish(ok bool, elapsed time.Duration) {
	m.duration.Set(elapsed.Seconds())
	if ok {
		m.runs.WithLabelValues("completed").Inc()
		m.lastSuccess.Set(1)
		return
	}
	m.runs.WithLabelValues("failed").Inc()
	m.lastSuccess.Set(0)
}

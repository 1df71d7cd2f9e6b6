// Package metrics exposes enrichment outcomes as Prometheus metrics.
//
// A batch job has no scrape endpoint, so the registry is written in text
// format to a file after each run for the node_exporter textfile collector.
//
// Example:
//
//	m := metrics.New()
//	p := enrich.New(engine, enrich.Options{Observer: m.ObserveEntry}, log)
//	res, _ := p.Run(ctx, plan)
//	m.ObserveRun(res)
//	_ = m.WriteToTextfile("/var/lib/node_exporter/ekgenrich.prom")
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orneryd/ekgenrich/pkg/enrich"
)

const namespace = "ekgenrich"

// Metrics holds one private registry. Safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	entries       *prometheus.CounterVec
	produced      *prometheus.CounterVec
	processed     *prometheus.CounterVec
	ambiguities   *prometheus.CounterVec
	entryDuration *prometheus.HistogramVec
	runDuration   prometheus.Gauge
	lastRun       prometheus.Gauge
	lastFailed    prometheus.Gauge
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		entries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_total",
			Help:      "Plan entries executed, by stage and outcome",
		}, []string{"stage", "outcome"}),
		produced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "produced_total",
			Help:      "Nodes or edges created or linked by succeeded entries",
		}, []string{"stage"}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_total",
			Help:      "Input rows worked through by succeeded entries",
		}, []string{"stage"}),
		ambiguities: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ambiguous_lifecycles_total",
			Help:      "Objects whose lifecycle start or end was not unique",
		}, []string{"stage", "kind"}),
		entryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "entry_duration_seconds",
			Help:      "Wall time of a single plan entry",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10), // 10ms to ~43min
		}, []string{"stage"}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall time of the last run",
		}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
		lastFailed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_failed_entries",
			Help:      "Failed entries in the last run",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveEntry records one finished entry. It matches enrich.Options.Observer.
func (m *Metrics) ObserveEntry(r enrich.EntryResult) {
	stage := string(r.Stage)
	m.entries.WithLabelValues(stage, string(r.Outcome)).Inc()
	for _, a := range r.Ambiguities {
		m.ambiguities.WithLabelValues(stage, string(a.Kind)).Inc()
	}
	if r.Outcome != enrich.OutcomeSucceeded {
		return
	}
	m.produced.WithLabelValues(stage).Add(float64(r.Count))
	m.processed.WithLabelValues(stage).Add(float64(r.Processed))
	m.entryDuration.WithLabelValues(stage).Observe(r.Duration.Seconds())
}

// ObserveRun records run-level gauges.
func (m *Metrics) ObserveRun(r *enrich.RunResult) {
	m.runDuration.Set(r.Duration().Seconds())
	m.lastRun.Set(float64(r.FinishedAt.Unix()))
	m.lastFailed.Set(float64(len(r.Failed())))
}

// WriteToTextfile atomically writes the registry in text format.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}

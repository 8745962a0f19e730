// Package metrics collects in-process run metrics on a dedicated Prometheus
// registry. There is no scrape endpoint — agentpipe is not a daemon — but
// the counters feed the analytics command and give embedders a standard
// registry to export however they like.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the scheduler and executor update.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	stagesTotal   *prometheus.CounterVec
	stageDuration prometheus.Histogram
	retriesTotal  prometheus.Counter
	reductions    prometheus.Counter
}

// New creates a Metrics bundle on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpipe_runs_total",
			Help: "Pipeline runs by final status.",
		}, []string{"status"}),
		stagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentpipe_stages_total",
			Help: "Stage executions by terminal status.",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentpipe_stage_duration_seconds",
			Help:    "Wall-clock duration of completed stage attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		retriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpipe_stage_retries_total",
			Help: "Stage attempts beyond the first.",
		}),
		reductions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentpipe_context_reductions_total",
			Help: "Successful context reductions.",
		}),
	}
	m.registry.MustRegister(m.runsTotal, m.stagesTotal, m.stageDuration, m.retriesTotal, m.reductions)
	return m
}

// Registry exposes the underlying registry for embedders.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a terminal stage status and its duration.
func (m *Metrics) ObserveStage(status string, d time.Duration) {
	m.stagesTotal.WithLabelValues(status).Inc()
	if d > 0 {
		m.stageDuration.Observe(d.Seconds())
	}
}

// ObserveRetry records one retry attempt.
func (m *Metrics) ObserveRetry() { m.retriesTotal.Inc() }

// ObserveReduction records one successful context reduction.
func (m *Metrics) ObserveReduction() { m.reductions.Inc() }

// Snapshot renders the counter and histogram values as sorted
// "name{labels} value" lines for display by the analytics command.
func (m *Metrics) Snapshot() string {
	families, err := m.registry.Gather()
	if err != nil {
		return ""
	}

	var lines []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue()))
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case metric.GetCounter() != nil:
				lines = append(lines, fmt.Sprintf("%s %g", name, metric.GetCounter().GetValue()))
			case metric.GetHistogram() != nil:
				h := metric.GetHistogram()
				lines = append(lines, fmt.Sprintf("%s_count %d", name, h.GetSampleCount()))
				lines = append(lines, fmt.Sprintf("%s_sum %g", name, h.GetSampleSum()))
			}
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all the Prometheus metrics for the audit service.
// Methods are safe to call on a nil receiver.
type Metrics struct {
	CollectionsTotal       *prometheus.CounterVec
	CollectionRetriesTotal *prometheus.CounterVec
	CollectionDuration     *prometheus.HistogramVec
	FindingsTotal          *prometheus.CounterVec
	SuppressedTotal        prometheus.Counter
	RunsTotal              *prometheus.CounterVec
	LastSuccessfulTick     prometheus.Gauge
	TargetsDegraded        prometheus.Gauge
	Agents                 *prometheus.GaugeVec
	SubmissionsTotal       *prometheus.CounterVec
	PublishErrors          *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		CollectionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_collections_total",
			Help: "Total number of target collections by protocol and result",
		}, []string{"protocol", "result"}),
		CollectionRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_collection_retries_total",
			Help: "Total number of connector retries by protocol",
		}, []string{"protocol"}),
		CollectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "netvault_collection_duration_seconds",
			Help:    "Collection latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"protocol"}),
		FindingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_findings_total",
			Help: "Total number of findings by verdict and severity",
		}, []string{"verdict", "severity"}),
		SuppressedTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "netvault_findings_suppressed_total",
			Help: "Total number of repeated failures recorded without alerting",
		}),
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_audit_runs_total",
			Help: "Total number of finished audit runs by trigger and status",
		}, []string{"trigger", "status"}),
		LastSuccessfulTick: f.NewGauge(prometheus.GaugeOpts{
			Name: "netvault_last_successful_tick_timestamp_seconds",
			Help: "Unix time of the last scheduler tick that completed",
		}),
		TargetsDegraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "netvault_targets_degraded",
			Help: "Number of targets currently degraded",
		}),
		Agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "netvault_agents",
			Help: "Number of agents by status",
		}, []string{"status"}),
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_agent_submissions_total",
			Help: "Total number of agent fact submissions by result",
		}, []string{"result"}),
		PublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "netvault_event_publish_errors_total",
			Help: "Total number of event publish errors by sink",
		}, []string{"sink"}),
	}
}

// ObserveCollection records one finished collection
func (m *Metrics) ObserveCollection(protocol, result string, retries int, d time.Duration) {
	if m == nil {
		return
	}
	m.CollectionsTotal.WithLabelValues(protocol, result).Inc()
	if retries > 0 {
		m.CollectionRetriesTotal.WithLabelValues(protocol).Add(float64(retries))
	}
	m.CollectionDuration.WithLabelValues(protocol).Observe(d.Seconds())
}

// ObserveFinding records one finding
func (m *Metrics) ObserveFinding(verdict, severity string, suppressed bool) {
	if m == nil {
		return
	}
	m.FindingsTotal.WithLabelValues(verdict, severity).Inc()
	if suppressed {
		m.SuppressedTotal.Inc()
	}
}

// ObserveRun records a finished audit run
func (m *Metrics) ObserveRun(trigger, status string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(trigger, status).Inc()
}

// SetLastSuccessfulTick records the completion time of a scheduler tick
func (m *Metrics) SetLastSuccessfulTick(t time.Time) {
	if m == nil {
		return
	}
	m.LastSuccessfulTick.Set(float64(t.Unix()))
}

// SetDegraded sets the number of degraded targets
func (m *Metrics) SetDegraded(n int) {
	if m == nil {
		return
	}
	m.TargetsDegraded.Set(float64(n))
}

// SetAgents replaces the per-status agent gauges
func (m *Metrics) SetAgents(counts map[string]int) {
	if m == nil {
		return
	}
	m.Agents.Reset()
	for status, n := range counts {
		m.Agents.WithLabelValues(status).Set(float64(n))
	}
}

// IncSubmission counts an agent submission outcome
func (m *Metrics) IncSubmission(result string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(result).Inc()
}

// IncPublishError counts a failed event publish
func (m *Metrics) IncPublishError(sink string) {
	if m == nil {
		return
	}
	m.PublishErrors.WithLabelValues(sink).Inc()
}

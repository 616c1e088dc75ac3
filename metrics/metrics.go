package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeDeadLetter = "dead-letter"
)

type Metrics struct {
	sourceBlockGauge       prometheus.Gauge
	processedBlockGauge    prometheus.Gauge
	eventCount             *prometheus.CounterVec
	skippedLogCount        prometheus.Counter
	enqueuedJobCount       prometheus.Counter
	enqueueRetryCount      prometheus.Counter
	registryErrorCount     prometheus.Counter
	jobOutcomeCount        *prometheus.CounterVec
	remediationCount       prometheus.Counter
	remediatedPositionsSum prometheus.Counter
	activePositionsGauge   prometheus.Gauge
}

// NewMetrics registers all collectors with reg. Pass prometheus.DefaultRegisterer to expose them on /metrics.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := Metrics{
		// chain watcher
		sourceBlockGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_source_block", namespace),
			Help: "The latest known (confirmed) block of the chain",
		}),
		processedBlockGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_processed_block", namespace),
			Help: "The latest fully processed block",
		}),
		eventCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_event_count", namespace),
			Help: "The total number of processed chain events by kind",
		}, []string{"kind"}),
		skippedLogCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_skipped_log_count", namespace),
			Help: "The total number of matching logs that could not be decoded",
		}),
		enqueuedJobCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_enqueued_job_count", namespace),
			Help: "The total number of enqueued jobs",
		}),
		enqueueRetryCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_enqueue_retry_count", namespace),
			Help: "The total number of failed enqueue attempts that were retried",
		}),
		registryErrorCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_registry_error_count", namespace),
			Help: "The total number of rejected position registrations",
		}),
		// remediation worker
		jobOutcomeCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_job_outcome_count", namespace),
			Help: "The total number of consumed jobs by outcome",
		}, []string{"outcome"}),
		remediationCount: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_remediation_count", namespace),
			Help: "The total number of confirmed remediation transactions",
		}),
		remediatedPositionsSum: factory.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_remediated_position_count", namespace),
			Help: "The total number of positions removed by remediation transactions",
		}),
		activePositionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_active_positions", namespace),
			Help: "The number of registered positions that were not remediated yet",
		}),
	}
	return &m
}

func (m *Metrics) SetSourceBlock(block uint64) {
	m.sourceBlockGauge.Set(float64(block))
}

func (m *Metrics) SetProcessedBlock(block uint64) {
	m.processedBlockGauge.Set(float64(block))
}

func (m *Metrics) IncEvents(kind string) {
	m.eventCount.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSkippedLogs() {
	m.skippedLogCount.Inc()
}

func (m *Metrics) IncEnqueuedJobs() {
	m.enqueuedJobCount.Inc()
}

func (m *Metrics) IncEnqueueRetries() {
	m.enqueueRetryCount.Inc()
}

func (m *Metrics) IncRegistryErrors() {
	m.registryErrorCount.Inc()
}

func (m *Metrics) IncJobOutcome(outcome string) {
	m.jobOutcomeCount.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddRemediation(positions int) {
	m.remediationCount.Inc()
	m.remediatedPositionsSum.Add(float64(positions))
}

func (m *Metrics) SetActivePositions(count int64) {
	m.activePositionsGauge.Set(float64(count))
}

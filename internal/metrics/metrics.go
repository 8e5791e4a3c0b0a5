package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeResolved labels investigations that confirmed a root cause.
	OutcomeResolved = "resolved"
	// OutcomeEscalated labels investigations that ran out of iterations.
	OutcomeEscalated = "escalated"
	// OutcomeError labels failed investigations (reasoning or dependency issues).
	OutcomeError = "error"
	// OutcomeTimeout labels investigations abandoned at their deadline.
	OutcomeTimeout = "timeout"
)

var (
	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sre_agent",
			Name:      "alerts_total",
			Help:      "Alerts seen at intake, partitioned by disposition (received, enqueued, suppressed, skipped).",
		},
		[]string{"disposition"},
	)

	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sre_agent",
			Name:      "investigations_total",
			Help:      "Total number of investigations handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "sre_agent",
			Name:      "investigation_seconds",
			Help:      "Investigation latency in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 180, 300, 450, 600},
		},
	)

	investigationsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "sre_agent",
			Name:      "investigations_in_flight",
			Help:      "Investigations currently holding a concurrency slot.",
		},
	)

	evidenceQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sre_agent",
			Name:      "evidence_queries_total",
			Help:      "Evidence queries executed, partitioned by tool and result.",
		},
		[]string{"tool", "result"},
	)

	reasoningCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sre_agent",
			Name:      "reasoning_calls_total",
			Help:      "Reasoning service calls, partitioned by stage and result.",
		},
		[]string{"stage", "result"},
	)
)

// Register attaches sre-agent collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		alertsTotal,
		investigationsTotal,
		investigationDurationSeconds,
		investigationsInFlight,
		evidenceQueriesTotal,
		reasoningCallsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAlert counts an intake disposition.
func ObserveAlert(disposition string) {
	alertsTotal.WithLabelValues(disposition).Inc()
}

// ObserveInvestigation records an investigation duration and outcome label.
func ObserveInvestigation(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeResolved, OutcomeEscalated, OutcomeTimeout:
	default:
		outcome = OutcomeError
	}
	investigationsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// InvestigationStarted bumps the in-flight gauge; call the returned func when done.
func InvestigationStarted() func() {
	investigationsInFlight.Inc()
	return investigationsInFlight.Dec
}

// ObserveEvidence counts one evidence query.
func ObserveEvidence(tool string, failed bool) {
	result := "ok"
	if failed {
		result = "error"
	}
	evidenceQueriesTotal.WithLabelValues(tool, result).Inc()
}

// ObserveReasoning counts one reasoning call.
func ObserveReasoning(stage string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	reasoningCallsTotal.WithLabelValues(stage, result).Inc()
}

package service

import "github.com/prometheus/client_golang/prometheus"

const metricsNamespace = "group_exchange"

// Metrics are the prometheus collectors updated by Service
type Metrics struct {
	StudentsAdded       prometheus.Counter
	RequestsSubmitted   prometheus.Counter
	Rejections          *prometheus.CounterVec // labels: operation, code
	SettlementRuns      prometheus.Counter
	SettlementConflicts prometheus.Counter
	ExchangesSettled    prometheus.Counter
	SkippedRequests     prometheus.Counter
	PendingRequests     prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg when it is non-nil
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StudentsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "students_added_total",
			Help:      "Students admitted to the roster.",
		}),
		RequestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_submitted_total",
			Help:      "Move requests accepted as pending.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rejections_total",
			Help:      "Commands rejected by validation.",
		}, []string{"operation", "code"}),
		SettlementRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settlement_runs_total",
			Help:      "Settlement passes executed.",
		}),
		SettlementConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "settlement_conflicts_total",
			Help:      "Settlement plans discarded because the store changed before they were applied.",
		}),
		ExchangesSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "exchanges_settled_total",
			Help:      "Pairs of students whose groups were swapped.",
		}),
		SkippedRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_requests_total",
			Help:      "Pending requests skipped because the requester is not on the roster.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Pending move requests in the store.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.StudentsAdded,
			m.RequestsSubmitted,
			m.Rejections,
			m.SettlementRuns,
			m.SettlementConflicts,
			m.ExchangesSettled,
			m.SkippedRequests,
			m.PendingRequests,
		)
	}
	return m
}

package overseer

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the observable state of queues and workers for
// scraping.
type Metrics struct {
	QueueLength  *prometheus.GaugeVec
	QueueWorkers *prometheus.GaugeVec
	// QueueRatio is messages per active worker, the signal an autoscaler
	// would act on. Reported as the queue length when there are no
	// workers at all.
	QueueRatio    *prometheus.GaugeVec
	WorkersTotal  prometheus.Gauge
	EventsHandled *prometheus.CounterVec
	EventSeconds  prometheus.Summary
}

// NewMetrics creates and registers the overseer metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		QueueLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_length",
			Help:      "Number of messages waiting on a job queue.",
		}, []string{"account", "queue"}),
		QueueWorkers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_workers",
			Help:      "Number of active workers listening to a job queue.",
		}, []string{"account", "queue"}),
		QueueRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "queue_length_worker_ratio",
			Help:      "Messages per active worker on a job queue.",
		}, []string{"account", "queue"}),
		WorkersTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "conductor",
			Name:      "workers_total",
			Help:      "Number of active workers.",
		}),
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conductor",
			Name:      "events_handled_total",
			Help:      "Events consumed from the events exchange, by routing key.",
		}, []string{"routing_key"}),
		EventSeconds: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  "conductor",
			Name:       "event_handling_seconds",
			Help:       "Time taken to reconcile one event.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
		}),
	}

	reg.MustRegister(
		m.QueueLength,
		m.QueueWorkers,
		m.QueueRatio,
		m.WorkersTotal,
		m.EventsHandled,
		m.EventSeconds,
	)

	return m
}

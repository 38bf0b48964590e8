package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the notifier.
type Metrics struct {
	RemindersFired   prometheus.Counter
	StaleFires       prometheus.Counter
	IndexSize        prometheus.Gauge
	Deliveries       *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	Alerts           prometheus.Counter
	Subscribers      *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. Passing a fresh
// prometheus.NewRegistry() keeps parallel test instances isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RemindersFired: f.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_reminders_fired_total",
			Help: "Reminders fired by the scheduler and dispatched",
		}),
		StaleFires: f.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_stale_fires_total",
			Help: "Scheduler fires dropped because the reminder changed meanwhile",
		}),
		IndexSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "lifeline_scheduler_index_size",
			Help: "Reminders waiting in the due-time index",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_deliveries_total",
			Help: "Deliveries that reached a terminal status",
		}, []string{"channel", "status"}),
		DeliveryAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lifeline_delivery_attempts_total",
			Help: "Individual send attempts, including retries",
		}, []string{"channel"}),
		Alerts: f.NewCounter(prometheus.CounterOpts{
			Name: "lifeline_delivery_alerts_total",
			Help: "Permanent delivery failures surfaced to alerting",
		}),
		Subscribers: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lifeline_live_subscribers",
			Help: "Currently registered real-time subscribers",
		}, []string{"transport"}),
	}
}

// NewNop returns metrics registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

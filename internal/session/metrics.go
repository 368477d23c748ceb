package session

import "github.com/prometheus/client_golang/prometheus"

// Rejection reasons reported by Metrics.Rejections.
const (
	reasonDisabled = "creation_disabled"
	reasonCapacity = "capacity"
	reasonStart    = "agent_start"
)

// Metrics holds the session manager's Prometheus collectors.
type Metrics struct {
	Sessions            prometheus.Gauge
	Created             prometheus.Counter
	Rejections          *prometheus.CounterVec
	LeaseWait           prometheus.Histogram
	PersistenceFailures *prometheus.CounterVec
	DisconnectCancels   prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "live",
			Help:      "Number of sessions currently registered.",
		}),
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
		Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "rejections_total",
			Help:      "Session resolutions that failed, by reason.",
		}, []string{"reason"}),
		LeaseWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "lease_wait_seconds",
			Help:      "Time requests waited for a session lease.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "persistence_failures_total",
			Help:      "Lease releases whose trace was not persisted, by stage.",
		}, []string{"stage"}),
		DisconnectCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentd",
			Subsystem: "session",
			Name:      "disconnect_cancels_total",
			Help:      "Agent cancellations issued for abandoned response streams.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.Created,
			m.Rejections,
			m.LeaseWait,
			m.PersistenceFailures,
			m.DisconnectCancels,
		)
	}
	return m
}

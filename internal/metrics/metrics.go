// Package metrics exposes the proxy runtime's Prometheus counters and
// gauges: live session count, poll interval, broker retries, NAT-inference
// failures, and bytes relayed in each direction.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the metrics emitted by a single Scheduler instance. A
// fresh Registry should be registered with a prometheus.Registerer once per
// process; tests construct an unregistered Registry directly with New.
type Registry struct {
	LiveSessions   prometheus.Gauge
	PollIntervalMs prometheus.Gauge
	MaxNumClients  prometheus.Gauge
	NATFailures    prometheus.Gauge
	Retries        prometheus.Counter
	Polls          prometheus.Counter
	BrokerErrors   prometheus.Counter
	SessionsClosed *prometheus.CounterVec
	BytesRelayed   *prometheus.CounterVec
}

// New creates a Registry with the standard "snowproxy" metric namespace.
func New() *Registry {
	return &Registry{
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snowproxy",
			Name:      "live_sessions",
			Help:      "Number of sessions currently forwarding or being established.",
		}),
		PollIntervalMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snowproxy",
			Name:      "poll_interval_milliseconds",
			Help:      "Current adaptive broker poll interval.",
		}),
		MaxNumClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snowproxy",
			Name:      "max_num_clients",
			Help:      "Current concurrency cap applied to new sessions.",
		}),
		NATFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snowproxy",
			Name:      "nat_failures",
			Help:      "Consecutive datachannel-timeout failures attributed to a restricted client NAT.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snowproxy",
			Name:      "poll_retries_total",
			Help:      "Total number of broker poll attempts made.",
		}),
		Polls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snowproxy",
			Name:      "polls_total",
			Help:      "Total number of poll cycles run, including skipped ones.",
		}),
		BrokerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snowproxy",
			Name:      "broker_errors_total",
			Help:      "Total number of broker requests that failed with a transport or protocol error.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snowproxy",
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed, labeled by terminal reason.",
		}, []string{"reason"}),
		BytesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snowproxy",
			Name:      "bytes_relayed_total",
			Help:      "Total bytes relayed, labeled by direction.",
		}, []string{"direction"}),
	}
}

// MustRegister registers all of the Registry's collectors with r.
func (m *Registry) MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		m.LiveSessions,
		m.PollIntervalMs,
		m.MaxNumClients,
		m.NATFailures,
		m.Retries,
		m.Polls,
		m.BrokerErrors,
		m.SessionsClosed,
		m.BytesRelayed,
	)
}

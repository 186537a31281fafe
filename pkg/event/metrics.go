package event

import "github.com/prometheus/client_golang/prometheus"

type busMetrics struct {
	published *prometheus.CounterVec
	delivered *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	if reg == nil {
		return nil
	}

	m := &busMetrics{
		published: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_events_published_total",
				Help: "Total number of agent events published by event type",
			},
			[]string{"event_type"},
		),
		delivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_events_delivered_total",
				Help: "Total number of agent events delivered to subscribers by event type",
			},
			[]string{"event_type"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_events_dropped_total",
				Help: "Total number of agent events dropped due to full channel buffers",
			},
			[]string{"event_type"},
		),
	}

	reg.MustRegister(m.published, m.delivered, m.dropped)
	return m
}

func (m *busMetrics) incPublished(t Type) {
	if m != nil {
		m.published.WithLabelValues(string(t)).Inc()
	}
}

func (m *busMetrics) incDelivered(t Type) {
	if m != nil {
		m.delivered.WithLabelValues(string(t)).Inc()
	}
}

func (m *busMetrics) incDropped(t Type) {
	if m != nil {
		m.dropped.WithLabelValues(string(t)).Inc()
	}
}

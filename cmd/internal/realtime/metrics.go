package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrumentation surface of the realtime core.
// All collectors are optional: a nil *Metrics disables instrumentation.
type Metrics struct {
	MessagesAccepted  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesRejected  *prometheus.CounterVec
	FanoutDelivered   prometheus.Counter
	FanoutDropped     prometheus.Counter
	PushEmitted       prometheus.Counter
	HeartbeatRTT      prometheus.Histogram
}

// NewMetrics registers the realtime collectors, including gauges derived from
// the hub's live registry.
func NewMetrics(reg prometheus.Registerer, hub *Hub) *Metrics {
	m := &Metrics{
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_messages_accepted_total",
			Help: "Messages persisted and fanned out.",
		}),
		MessagesDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_messages_duplicate_total",
			Help: "Sends suppressed by idempotency-key dedupe.",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_messages_rejected_total",
			Help: "Sends rejected before persistence, by wire error code.",
		}, []string{"code"}),
		FanoutDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_fanout_delivered_total",
			Help: "Envelopes delivered to subscribed connections.",
		}),
		FanoutDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_fanout_dropped_total",
			Help: "Envelopes dropped due to slow-consumer backpressure.",
		}),
		PushEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vigil_push_events_total",
			Help: "Deliver-if-absent events handed to the push gateway.",
		}),
		HeartbeatRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vigil_heartbeat_rtt_seconds",
			Help:    "Server-measured heartbeat round-trip time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}),
	}

	reg.MustRegister(
		m.MessagesAccepted,
		m.MessagesDuplicate,
		m.MessagesRejected,
		m.FanoutDelivered,
		m.FanoutDropped,
		m.PushEmitted,
		m.HeartbeatRTT,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vigil_connections_active",
			Help: "Live websocket connections.",
		}, func() float64 { return float64(hub.ConnCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vigil_rooms_active",
			Help: "Rooms with at least one live subscription.",
		}, func() float64 { return float64(hub.RoomCount()) }),
	)

	return m
}

func (m *Metrics) rejected(code string) {
	if m != nil {
		m.MessagesRejected.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) accepted(dup bool) {
	if m == nil {
		return
	}
	if dup {
		m.MessagesDuplicate.Inc()
		return
	}
	m.MessagesAccepted.Inc()
}

func (m *Metrics) fanout(delivered, dropped int) {
	if m == nil {
		return
	}
	m.FanoutDelivered.Add(float64(delivered))
	m.FanoutDropped.Add(float64(dropped))
}

func (m *Metrics) push(n int) {
	if m != nil && n > 0 {
		m.PushEmitted.Add(float64(n))
	}
}

func (m *Metrics) heartbeat(seconds float64) {
	if m != nil {
		m.HeartbeatRTT.Observe(seconds)
	}
}

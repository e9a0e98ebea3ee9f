package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the Prometheus collectors exported by the realtime layer.
type Metrics struct {
	Connections       prometheus.Gauge
	Events            *prometheus.CounterVec
	Rejected          *prometheus.CounterVec
	BroadcastFailures prometheus.Counter
	CommittedShapes   prometheus.Gauge
	RedoShapes        prometheus.Gauge
	JournalDropped    prometheus.Counter
}

// NewMetrics builds the collectors and registers them with reg.
// A nil reg yields working but unregistered collectors (tests, embedded use).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "whiteboard",
			Name:      "connections",
			Help:      "Number of registered websocket connections.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whiteboard",
			Name:      "events_total",
			Help:      "Applied client events by type.",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whiteboard",
			Name:      "rejected_total",
			Help:      "Client frames rejected at the protocol boundary, by reason.",
		}, []string{"reason"}),
		BroadcastFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "whiteboard",
			Name:      "broadcast_failures_total",
			Help:      "Deliveries that failed and dropped the receiving connection.",
		}),
		CommittedShapes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "whiteboard",
			Name:      "committed_shapes",
			Help:      "Shapes currently on the board.",
		}),
		RedoShapes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "whiteboard",
			Name:      "redo_shapes",
			Help:      "Shapes currently available to redo.",
		}),
		JournalDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "whiteboard",
			Name:      "journal_dropped_total",
			Help:      "Journal entries dropped because the writer queue was full or the write failed.",
		}),
	}
}

func (m *Metrics) observeState(s *State) {
	m.CommittedShapes.Set(float64(s.Len()))
	m.RedoShapes.Set(float64(s.RedoLen()))
}

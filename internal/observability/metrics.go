package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metaworkspace"

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsRejected *prometheus.CounterVec
	PresenceActive      prometheus.Gauge
	RoomOccupancy       *prometheus.GaugeVec
	EventsReceived      *prometheus.CounterVec
	EventsIgnored       *prometheus.CounterVec
	EventsSent          *prometheus.CounterVec
	DeliveriesDropped   prometheus.Counter
	StoreErrors         *prometheus.CounterVec
}

// NewMetrics registers all collectors with registerer. Pass a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open websocket connections",
		}),
		ConnectionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Websocket connections refused, by reason",
		}, []string{"reason"}),
		PresenceActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "presence_records",
			Help:      "Connections that joined the workspace",
		}),
		RoomOccupancy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "room_occupancy",
			Help:      "Connections inside each room",
		}, []string{"room"}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound client events, by name",
		}, []string{"event"}),
		EventsIgnored: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ignored_total",
			Help:      "Inbound events dropped without effect, by reason",
		}, []string{"reason"}),
		EventsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_sent_total",
			Help:      "Outbound event deliveries, by name",
		}, []string{"event"}),
		DeliveriesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_dropped_total",
			Help:      "Outbound frames dropped for dead or slow connections",
		}),
		StoreErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Durable store operations that failed, by operation",
		}, []string{"op"}),
	}
}

// RoomChanged adjusts the occupancy gauge for a room.
func (m *Metrics) RoomChanged(roomID string, delta int) {
	if m == nil {
		return
	}
	m.RoomOccupancy.WithLabelValues(roomID).Add(float64(delta))
}

// ForgetRoom drops the occupancy series of a room that no longer exists.
func (m *Metrics) ForgetRoom(roomID string) {
	if m == nil {
		return
	}
	m.RoomOccupancy.DeleteLabelValues(roomID)
}

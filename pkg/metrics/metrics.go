package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Room and relay metrics
	ActiveRooms    prometheus.Gauge
	RoomJoins      *prometheus.CounterVec
	RoomEvictions  prometheus.Counter
	SignalsRelayed *prometheus.CounterVec
	SignalsDropped *prometheus.CounterVec

	// Chat metrics
	ChatMessagesSent  prometheus.Counter
	ChatFanoutLatency prometheus.Histogram
	ChatHistorySize   prometheus.Histogram

	// Session metrics
	SessionTransitions *prometheus.CounterVec

	// Infrastructure metrics
	DatabaseOperations *prometheus.CounterVec
	RedisOperations    *prometheus.CounterVec
}

// NewMetrics creates and registers all application metrics
func NewMetrics(namespace, subsystem string) *Metrics {
	return &Metrics{
		ActiveRooms: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_rooms",
			Help:      "Current number of open consultation rooms",
		}),
		RoomJoins: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "room_joins_total",
			Help:      "Total number of room joins",
		}, []string{"role"}),
		RoomEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "room_evictions_total",
			Help:      "Total number of sessions evicted by a duplicate role join",
		}),
		SignalsRelayed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signals_relayed_total",
			Help:      "Total number of signaling messages relayed between participants",
		}, []string{"type"}),
		SignalsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signals_dropped_total",
			Help:      "Signaling messages dropped because the peer was absent or send failed",
		}, []string{"reason"}),

		ChatMessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chat_messages_sent_total",
			Help:      "Total number of chat messages persisted",
		}),
		ChatFanoutLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chat_fanout_duration_seconds",
			Help:      "Time from broker receipt to local room delivery",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25},
		}),
		ChatHistorySize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "chat_history_messages",
			Help:      "Number of messages replayed on room join",
			Buckets:   []float64{0, 10, 25, 50, 100, 250, 500, 1000},
		}),

		SessionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "session_transitions_total",
			Help:      "Client session state machine transitions",
		}, []string{"from", "to"}),

		DatabaseOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "database_operations_total",
			Help:      "Total number of database operations",
		}, []string{"operation", "status"}),
		RedisOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		}, []string{"operation", "status"}),
	}
}

package cover

import "github.com/prometheus/client_golang/prometheus"

var (
	commandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cover2mqtt_commands_total",
		Help: "Hardware commands issued per cover.",
	}, []string{"cover", "command"})

	snapshotsSuppressedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cover2mqtt_snapshots_suppressed_total",
		Help: "Polled snapshots discarded in favour of the local estimate.",
	}, []string{"cover", "reason"})

	sessionsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cover2mqtt_movement_sessions_completed_total",
		Help: "Timed movement sessions that ran to their delayed stop.",
	}, []string{"cover"})
)

// Collectors returns the package collectors for registry assembly in main.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{commandsTotal, snapshotsSuppressedTotal, sessionsCompletedTotal}
}

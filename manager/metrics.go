package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	telemetryRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hoverfleet_manager_telemetry_rows_total",
		Help: "Count of telemetry rows persisted, by status type.",
	}, []string{"type"})
	geofenceCrossingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_manager_geofence_crossings_total",
		Help: "Count of geofence boundary crossings detected.",
	})
	immobilizeCommandsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_manager_immobilize_commands_total",
		Help: "Count of immobilizer commands transmitted to vehicles.",
	})
)

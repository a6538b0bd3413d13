package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	simulatorsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_worker_simulators_started_total",
		Help: "Vehicle simulator tasks started by the dispatcher.",
	})
	simulatorsStoppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_worker_simulators_stopped_total",
		Help: "Vehicle simulator tasks cancelled by the dispatcher.",
	})
)

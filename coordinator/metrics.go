package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_coordinator_evictions_total",
		Help: "Workers evicted for missed heartbeats.",
	})
	membershipPublishesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hoverfleet_coordinator_membership_publishes_total",
		Help: "Membership snapshots broadcast to workers.",
	})
)

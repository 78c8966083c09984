package syncserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_active",
		Help: "Rooms with a live session",
	})

	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rooms_connections",
		Help: "Open synchronization connections",
	})

	loadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_loads_total",
		Help: "Room loads, by result",
	}, []string{"result"})

	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_updates_total",
		Help: "Inbound update messages, by result",
	}, []string{"result"})

	savesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_saves_total",
		Help: "Room saves, by result",
	}, []string{"result"})

	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rooms_save_duration_seconds",
		Help:    "Time to persist one room snapshot, retries included",
		Buckets: prometheus.DefBuckets,
	})

	slowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rooms_slow_consumers_total",
		Help: "Connections dropped because their send buffer was full",
	})

	leasesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rooms_leases_lost_total",
		Help: "Rooms unloaded because their lease was taken over or expired",
	})
)

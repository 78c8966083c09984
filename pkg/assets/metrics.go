package assets

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rooms_asset_deletions_total",
		Help: "Asset deletions attempted, by result",
	}, []string{"result"})

	deletionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rooms_asset_deletions_dropped_total",
		Help: "Asset deletions dropped because the cleanup queue was full",
	})

	deletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rooms_asset_deletion_duration_seconds",
		Help:    "Time spent deleting one asset",
		Buckets: prometheus.DefBuckets,
	})
)

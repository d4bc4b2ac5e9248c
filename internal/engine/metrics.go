package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodterrain",
		Subsystem: "engine",
		Name:      "live_tiles",
		Help:      "Tiles in the live table",
	})

	// shuttingDownTiles stays above zero while a tile waits on requests that
	// never finish.
	shuttingDownTiles = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodterrain",
		Subsystem: "engine",
		Name:      "tiles_shutting_down",
		Help:      "Tiles waiting for their requests to drain",
	})

	releaseQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodterrain",
		Subsystem: "engine",
		Name:      "release_queue_depth",
		Help:      "Retired tiles awaiting GPU release",
	})

	// tileTransitions counts lifecycle events.
	// Labels: event (registered, retired, revived, released)
	tileTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lodterrain",
		Subsystem: "engine",
		Name:      "tile_transitions_total",
		Help:      "Tile lifecycle transitions",
	}, []string{"event"})

	updateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lodterrain",
		Subsystem: "engine",
		Name:      "update_pass_seconds",
		Help:      "Duration of one update pass",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
)

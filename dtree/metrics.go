package dtree

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var refineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "dendro_tree_refine_duration_seconds",
	Help:    "Wall time of UpdateRefinement on this process",
	Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
})

var ownedNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dendro_tree_owned_nodes",
	Help: "Locally owned tree nodes after the last refinement",
})

var leafNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dendro_tree_leaf_nodes",
	Help: "Locally owned leaves after the last refinement",
})

var ghostNodesGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "dendro_tree_ghost_nodes",
	Help: "Ghost copies held locally after the last refinement",
})

var balancePassesTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "dendro_tree_balance_passes_total",
	Help: "The total number of 2:1 balance refinement passes run",
})

func observeRefinement(d time.Duration, owned, leaves, ghosts int) {
	refineDuration.Observe(d.Seconds())
	ownedNodesGauge.Set(float64(owned))
	leafNodesGauge.Set(float64(leaves))
	ghostNodesGauge.Set(float64(ghosts))
}

func observeBalancePass() {
	balancePassesTotal.Inc()
}

package peerbus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerbus",
		Name:      "sends_total",
		Help:      "Messages accepted and committed into receiver queues.",
	})

	deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerbus",
		Name:      "deliveries_total",
		Help:      "Entries dequeued by receivers.",
	})

	quotaRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerbus",
		Name:      "quota_rejections_total",
		Help:      "Sends rejected by the per-user quota engine.",
	})

	destroyedNodes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "peerbus",
		Name:      "destroyed_nodes_total",
		Help:      "Nodes that completed the destruction protocol.",
	})

	livePeers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "peerbus",
		Name:      "live_peers",
		Help:      "Peers currently initialized.",
	})
)

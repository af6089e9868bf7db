package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "livewire"

// Broadcast Hub / Connection Registry
var (
	// ConnectedClients tracks currently registered WebSocket clients
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "connected_clients",
		Help:      "Number of WebSocket clients currently registered.",
	})

	// ConnectionsRejected counts upgrades refused because the registry is full
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "connections_rejected_total",
		Help:      "WebSocket connections rejected at the connection cap.",
	})

	// EventsBroadcast counts change events fanned out, by collection
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "events_broadcast_total",
		Help:      "Change events fanned out to clients, by collection.",
	}, []string{"collection"})

	// DeliveryFailures counts per-client write failures and dropped enqueues
	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "delivery_failures_total",
		Help:      "Per-client delivery failures, by reason.",
	}, []string{"reason"})

	// FanoutDuration tracks the time to enqueue one event for every client
	FanoutDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "hub",
		Name:      "fanout_duration_seconds",
		Help:      "Time to enqueue one event on every client queue.",
		Buckets:   []float64{.00001, .0001, .0005, .001, .005, .01, .05},
	})

	// InboundMessages counts client->server messages, by outcome
	InboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "inbound_messages_total",
		Help:      "Messages received from clients, by outcome.",
	}, []string{"outcome"})
)

// Change Feed Listener
var (
	// FeedEvents counts changes observed on each collection feed
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Changes observed on the store feed, by collection.",
	}, []string{"collection"})

	// FeedReconnects counts re-established subscriptions
	FeedReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "reconnects_total",
		Help:      "Subscriptions re-established after a failure, by collection.",
	}, []string{"collection"})

	// FeedConnected is 1 while a collection's subscription is open
	FeedConnected = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "connected",
		Help:      "1 while the collection subscription is open, 0 during an outage.",
	}, []string{"collection"})
)

// Store
var (
	// ChangesPruned counts change-log rows removed by compaction
	ChangesPruned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "changes_pruned_total",
		Help:      "Change-log rows removed by compaction.",
	})

	// StoreErrors counts failed store calls from the HTTP layer, by error type
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Failed mutation or lookup calls, by error type.",
	}, []string{"type"})
)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Intent lifecycle
var (
	IntentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_intents_created_total",
		Help: "The total number of accepted intent submissions",
	}, []string{"chain_id"})

	IntentsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_intents_rejected_total",
		Help: "The total number of rejected intent submissions by error code",
	}, []string{"code"})

	IntentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_intent_transitions_total",
		Help: "Intent status transitions",
	}, []string{"from", "to"})

	OpenIntents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctioneer_open_intents",
		Help: "The number of intents with an open bidding window",
	})

	ExpiredBySweep = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctioneer_sweep_expired_total",
		Help: "Intents expired by the overdue sweep",
	})
)

// Bids and selection
var (
	BidsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_bids_submitted_total",
		Help: "Bid submissions by result (ok or error code)",
	}, []string{"result"})

	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auctioneer_bid_admission_seconds",
		Help:    "Time taken to admit or reject a bid",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // Start at 0.5ms with 12 buckets doubling in size
	})

	SelectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auctioneer_winner_selection_seconds",
		Help:    "Time taken to select a winner",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	SelectionOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_selection_outcomes_total",
		Help: "Winner selection outcomes (filled, no_bids, already_decided, replayed)",
	}, []string{"outcome"})

	CASConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_cas_conflicts_total",
		Help: "Optimistic concurrency conflicts on intent records by operation",
	}, []string{"op"})
)

// Fan-out
var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctioneer_feed_connections",
		Help: "Current number of feed connections",
	})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_events_published_total",
		Help: "Events published by type",
	}, []string{"type"})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctioneer_events_dropped_total",
		Help: "Event frames dropped because a connection queue was full",
	})

	ClientsDisconnected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_clients_disconnected_total",
		Help: "Feed connections removed by reason",
	}, []string{"reason"})
)

// Settlement handoff
var (
	SettlementHandoffs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_settlement_handoffs_total",
		Help: "Settlement handoffs by result",
	}, []string{"result"})

	SettlementErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_settlement_errors_total",
		Help: "Settlement handoff errors by type",
	}, []string{"error_type"})

	SettlementRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_settlement_retries_total",
		Help: "Settlement handoff retries that were executed",
	}, []string{"error_type"})

	SettlementMaxRetriesReached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auctioneer_settlement_max_retries_reached_total",
		Help: "Handoffs that reached the maximum retry attempts",
	}, []string{"error_type"})

	SettlementDroppedRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "auctioneer_settlement_retries_dropped_total",
		Help: "Retries dropped due to queue capacity",
	})

	SettlementQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctioneer_settlement_retry_queue_size",
		Help: "Current size of the settlement retry queue",
	})

	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "auctioneer_settlement_handoff_seconds",
		Help:    "Time taken to hand a winner to settlement",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
	})

	CircuitBreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auctioneer_settlement_circuit_open",
		Help: "1 while the settlement circuit breaker is open",
	})
)

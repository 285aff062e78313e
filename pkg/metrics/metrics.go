// Package metrics provides Prometheus metrics for the person resolver.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PersonsCreated tracks persons created, by code path (first_seen, merge)
	PersonsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "person",
			Name:      "created_total",
			Help:      "Total number of persons created",
		},
		[]string{"path"},
	)

	// PersonCreateRaces tracks creations abandoned because another worker won the race
	PersonCreateRaces = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "person",
			Name:      "create_races_total",
			Help:      "Total number of person creations lost to a concurrent worker",
		},
	)

	// PersonPropertyWrites tracks property updates written to the store
	PersonPropertyWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "person",
			Name:      "property_writes_total",
			Help:      "Total number of person property updates written",
		},
	)

	// PersonUpdateRetries tracks updates retried after the person was merged away
	PersonUpdateRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "person",
			Name:      "update_retries_total",
			Help:      "Total number of person updates retried against a re-resolved person",
		},
	)

	// MergeOutcomes tracks identify/alias dispatch outcomes
	MergeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "merge",
			Name:      "outcomes_total",
			Help:      "Total number of identify/alias dispatches by outcome",
		},
		[]string{"outcome"},
	)

	// MergeRetries tracks dispatch retries by reason
	MergeRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "merge",
			Name:      "retries_total",
			Help:      "Total number of identify/alias dispatch retries",
		},
		[]string{"reason"},
	)

	// MergeTransactionDuration tracks the full merge transaction duration in seconds
	MergeTransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "person_resolver",
			Subsystem: "merge",
			Name:      "transaction_duration_seconds",
			Help:      "Duration of full person merge transactions in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)

	// IdentifySlow tracks identify/alias dispatches that tripped the soft timeout
	IdentifySlow = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "merge",
			Name:      "slow_total",
			Help:      "Total number of identify/alias dispatches that exceeded the warning threshold",
		},
	)

	// IngestionWarnings tracks ingestion warnings by type and delivery status
	IngestionWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "warnings",
			Name:      "total",
			Help:      "Total number of ingestion warnings by type and status",
		},
		[]string{"type", "status"},
	)

	// ErrorsCaptured tracks errors forwarded to error tracking
	ErrorsCaptured = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "errors",
			Name:      "captured_total",
			Help:      "Total number of errors forwarded to error tracking",
		},
		[]string{"component"},
	)

	// MessagesProcessed tracks consumed event messages by status
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "processor",
			Name:      "messages_total",
			Help:      "Total number of event messages processed by status",
		},
		[]string{"status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "person_resolver",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "person_resolver",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)
)

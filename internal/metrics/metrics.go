package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_ingest_events_total",
			Help: "Total number of events received",
		},
		[]string{"type", "status"}, // status: accepted, rejected
	)

	IngestBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_ingest_batch_size",
			Help:    "Size of event batches received",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// Pipeline metrics
	PipelineBufferSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_pipeline_buffer_size",
			Help: "Current number of buffered events awaiting flush",
		},
	)

	PipelineProcessedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_pipeline_processed_total",
			Help: "Total number of events processed by handlers",
		},
	)

	PipelineFailedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_pipeline_failed_total",
			Help: "Total number of events that failed processing",
		},
	)

	PipelineFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_pipeline_flush_duration_seconds",
			Help:    "Time taken to complete a flush including retries",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
	)

	PipelineRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_pipeline_retries_total",
			Help: "Total number of dispatch retry attempts",
		},
	)

	PipelineValidationRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_pipeline_validation_rejections_total",
			Help: "Total number of events rejected by validation",
		},
		[]string{"error_type"},
	)

	DeadLetterSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_dead_letter_size",
			Help: "Current number of events in the dead-letter store",
		},
	)

	DeadLetteredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "beacon_dead_lettered_total",
			Help: "Total number of events moved to the dead-letter store",
		},
	)

	// Kafka sink metrics
	KafkaPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_kafka_publish_total",
			Help: "Total number of messages published to Kafka",
		},
		[]string{"status"}, // status: success, failed
	)

	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "beacon_kafka_publish_duration_seconds",
			Help:    "Time taken to publish to Kafka",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Panic recovery
	PanicsRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_panics_recovered_total",
			Help: "Total number of panics recovered",
		},
		[]string{"component"},
	)
)

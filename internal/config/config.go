package config

import (
	"errors"
	"time"
)

// Config holds runtime configuration for the beacon service.
type Config struct {
	// LogLevel for zerolog (debug, info, warn, error)
	LogLevel string

	// HTTPAddr is the listen address for the ingest API
	HTTPAddr string

	Pipeline PipelineConfig
	Kafka    KafkaConfig
}

// PipelineConfig holds the event pipeline knobs. Every field is required;
// Validate rejects unset values rather than filling in defaults.
type PipelineConfig struct {
	// BatchSize is the soft flush trigger: buffering this many events
	// forces a synchronous flush
	BatchSize int

	// FlushInterval is the period of the background flush timer
	FlushInterval time.Duration

	// MaxRetries is the number of dispatch attempts per batch (>= 1)
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff between attempts
	RetryDelay time.Duration

	// MaxBufferSize is the hard cap on buffered events; reaching it forces
	// a flush even when one is already scheduled
	MaxBufferSize int

	// EnableDeadLetterQueue moves events that exhaust retries to the
	// dead-letter store instead of dropping them
	EnableDeadLetterQueue bool

	// ProcessingTimeout bounds a single handler invocation
	ProcessingTimeout time.Duration
}

// KafkaConfig configures the optional Kafka sink handler.
type KafkaConfig struct {
	// Enabled wires the sink as the pipeline's default handler
	Enabled bool

	Brokers []string
	Topic   string

	// Compression codec name: gzip, snappy, lz4, zstd or empty
	Compression string

	WriteTimeout time.Duration
	RequiredAcks int
}

// Pipeline config validation errors
var (
	ErrBatchSize         = errors.New("pipeline batch size must be positive")
	ErrFlushInterval     = errors.New("pipeline flush interval must be positive")
	ErrMaxRetries        = errors.New("pipeline max retries must be at least 1")
	ErrRetryDelay        = errors.New("pipeline retry delay must be positive")
	ErrMaxBufferSize     = errors.New("pipeline max buffer size must be at least batch size")
	ErrProcessingTimeout = errors.New("pipeline processing timeout must be positive")
)

// Validate checks that every required pipeline knob was set explicitly.
func (c PipelineConfig) Validate() error {
	if c.BatchSize <= 0 {
		return ErrBatchSize
	}
	if c.FlushInterval <= 0 {
		return ErrFlushInterval
	}
	if c.MaxRetries < 1 {
		return ErrMaxRetries
	}
	if c.RetryDelay <= 0 {
		return ErrRetryDelay
	}
	if c.MaxBufferSize < c.BatchSize {
		return ErrMaxBufferSize
	}
	if c.ProcessingTimeout <= 0 {
		return ErrProcessingTimeout
	}
	return nil
}

// Default returns a sensible default config for local dev.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		Pipeline: PipelineConfig{
			BatchSize:             100,
			FlushInterval:         time.Second,
			MaxRetries:            3,
			RetryDelay:            100 * time.Millisecond,
			MaxBufferSize:         10000,
			EnableDeadLetterQueue: true,
			ProcessingTimeout:     5 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:      false,
			Brokers:      []string{"localhost:9092"},
			Topic:        "beacon.events",
			Compression:  "snappy",
			WriteTimeout: 10 * time.Second,
			RequiredAcks: -1,
		},
	}
}

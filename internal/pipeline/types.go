package pipeline

import (
	"context"
	"time"

	"beacon/internal/models"
)

// DefaultHandlerType is the registry fallback key. When no handler is
// registered for an event's type, dispatch falls back to this one.
const DefaultHandlerType = "default"

// Handler processes one type group of a drained batch. It may return an
// error, which the pipeline treats the same as a result reporting every
// event failed.
type Handler func(ctx context.Context, events []models.Event) (HandlerResult, error)

// HandlerResult is a handler's account of one invocation. ProcessedCount
// plus FailedCount must equal the number of events passed in; the pipeline
// treats a mismatch as full failure.
type HandlerResult struct {
	Succeeded      bool
	ProcessedCount int
	FailedCount    int
	Errors         []error
}

// ProcessingResult is the outcome of a flush or batch submission, folding
// in validation rejections and processing failures across all retries.
type ProcessingResult struct {
	Success        bool
	ProcessedCount int
	FailedCount    int
	Errors         []error
}

// Statistics holds the pipeline's running counters. Reads are snapshot
// copies; the live values are owned by the pipeline.
type Statistics struct {
	TotalProcessed        uint64
	TotalFailed           uint64
	LastProcessedAt       time.Time
	AverageProcessingTime time.Duration
}

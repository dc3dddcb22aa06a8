package pipeline

import (
	"sync"
	"time"
)

// smoothingFactor is the weight given to the latest flush when updating
// the exponential moving average of processing time.
const smoothingFactor = 0.2

// statsRecorder owns the pipeline's running counters. Only the flush
// completion step writes; readers always get a copy.
type statsRecorder struct {
	mu              sync.Mutex
	totalProcessed  uint64
	totalFailed     uint64
	lastProcessedAt time.Time
	avgProcessing   time.Duration
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{}
}

func (s *statsRecorder) record(processed, failed int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalProcessed += uint64(processed)
	s.totalFailed += uint64(failed)
	s.lastProcessedAt = time.Now().UTC()

	if s.avgProcessing == 0 {
		s.avgProcessing = elapsed
	} else {
		s.avgProcessing = time.Duration(
			float64(s.avgProcessing)*(1-smoothingFactor) + float64(elapsed)*smoothingFactor,
		)
	}
}

func (s *statsRecorder) snapshot() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Statistics{
		TotalProcessed:        s.totalProcessed,
		TotalFailed:           s.totalFailed,
		LastProcessedAt:       s.lastProcessedAt,
		AverageProcessingTime: s.avgProcessing,
	}
}

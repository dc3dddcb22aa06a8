package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"beacon/internal/config"
	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// ErrShuttingDown marks submissions rejected because shutdown began.
var ErrShuttingDown = errors.New("pipeline is shutting down")

// Pipeline ingests user-interaction events and delivers them to
// type-specific handlers in bounded batches, with retry, dead-lettering,
// and lifecycle notifications. It owns every piece of mutable state
// (buffer, registry, dead-letter store, statistics); at most one flush
// runs at a time.
type Pipeline struct {
	cfg config.PipelineConfig

	buf         *eventBuffer
	registry    *handlerRegistry
	deadLetters *deadLetterStore
	stats       *statsRecorder

	obsMu     sync.RWMutex
	observers []Observer

	shuttingDown atomic.Bool

	// Lifetime of the background flush timer
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates the configuration and starts a pipeline, including its
// background flush timer. The caller must Shutdown the pipeline to stop
// the timer and drain remaining events.
func New(cfg config.PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		cfg:         cfg,
		buf:         newEventBuffer(cfg.BatchSize),
		registry:    newHandlerRegistry(),
		deadLetters: newDeadLetterStore(),
		stats:       newStatsRecorder(),
		ctx:         ctx,
		cancel:      cancel,
	}

	p.wg.Add(1)
	go p.flushLoop()

	log := logger.WithComponent("pipeline")
	log.Info().
		Int("batch_size", cfg.BatchSize).
		Dur("flush_interval", cfg.FlushInterval).
		Int("max_retries", cfg.MaxRetries).
		Dur("retry_delay", cfg.RetryDelay).
		Int("max_buffer_size", cfg.MaxBufferSize).
		Bool("dead_letter_queue", cfg.EnableDeadLetterQueue).
		Dur("processing_timeout", cfg.ProcessingTimeout).
		Msg("pipeline started")

	return p, nil
}

// RegisterHandler binds a handler to an event type. Registering under
// DefaultHandlerType installs the fallback. Takes effect on the next
// flush; a flush already running keeps the handlers it looked up.
func (p *Pipeline) RegisterHandler(eventType string, h Handler) {
	p.registry.register(eventType, h)
	log := logger.WithComponent("pipeline")
	log.Info().
		Str("event_type", eventType).
		Msg("handler registered")
	p.emit(Notification{Kind: NotifyHandlerRegistered, EventType: eventType})
}

// UnregisterHandler removes the handler for an event type.
func (p *Pipeline) UnregisterHandler(eventType string) {
	if !p.registry.unregister(eventType) {
		return
	}
	log := logger.WithComponent("pipeline")
	log.Info().
		Str("event_type", eventType).
		Msg("handler unregistered")
	p.emit(Notification{Kind: NotifyHandlerUnregistered, EventType: eventType})
}

// Subscribe adds a lifecycle observer. Observers are invoked synchronously
// and must not block.
func (p *Pipeline) Subscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

func (p *Pipeline) emit(n Notification) {
	p.obsMu.RLock()
	observers := p.observers
	p.obsMu.RUnlock()

	for _, o := range observers {
		o.Notify(n)
	}
}

// Submit validates and buffers a single event. It returns false when the
// pipeline is shutting down or the event is invalid; those rejections are
// never retried and never reach statistics. Crossing the batch-size or
// buffer-cap threshold triggers a synchronous flush, so Submit can take as
// long as a full flush with retries.
func (p *Pipeline) Submit(ctx context.Context, event models.Event) bool {
	if p.shuttingDown.Load() {
		return false
	}

	if err := event.Validate(); err != nil {
		metrics.PipelineValidationRejections.WithLabelValues(err.Error()).Inc()
		log := logger.WithComponent("pipeline")
		log.Debug().
			Err(err).
			Str("event_id", event.ID).
			Msg("event rejected by validation")
		return false
	}

	size := p.buf.append(event)
	metrics.PipelineBufferSize.Set(float64(size))
	p.emit(Notification{Kind: NotifyEventBuffered, EventType: event.Type, BufferSize: size})

	if size >= p.cfg.BatchSize || size >= p.cfg.MaxBufferSize {
		p.Flush(ctx)
	}

	return true
}

// SubmitBatch validates each event, buffers the valid ones, flushes
// unconditionally, and folds validation rejections into the returned
// counts alongside processing failures.
func (p *Pipeline) SubmitBatch(ctx context.Context, events []models.Event) ProcessingResult {
	if p.shuttingDown.Load() {
		return ProcessingResult{
			FailedCount: len(events),
			Errors:      []error{ErrShuttingDown},
		}
	}

	var rejected int
	var rejectionErrs []error

	for _, e := range events {
		if err := e.Validate(); err != nil {
			rejected++
			rejectionErrs = append(rejectionErrs, fmt.Errorf("event %s: %w", e.ID, err))
			metrics.PipelineValidationRejections.WithLabelValues(err.Error()).Inc()
			continue
		}
		size := p.buf.append(e)
		metrics.PipelineBufferSize.Set(float64(size))
		p.emit(Notification{Kind: NotifyEventBuffered, EventType: e.Type, BufferSize: size})
	}

	result := p.Flush(ctx)
	result.FailedCount += rejected
	result.Errors = append(rejectionErrs, result.Errors...)
	if rejected > 0 {
		result.Success = false
	}
	return result
}

// Flush drains the buffer and dispatches its contents through the retry
// loop. It is a no-op success when the buffer is empty or another flush is
// already running. A panic escaping dispatch re-queues the drained events
// at the front of the buffer and reports a flush-level error instead of
// dropping them.
func (p *Pipeline) Flush(ctx context.Context) ProcessingResult {
	batch, ok := p.buf.drainForFlush()
	if !ok {
		return ProcessingResult{Success: true}
	}
	defer p.buf.finishFlush()

	metrics.PipelineBufferSize.Set(float64(p.buf.len()))
	log := logger.WithComponent("pipeline")

	start := time.Now()
	var result ProcessingResult
	panicked := true

	func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				log.Error().
					Interface("panic", r).
					Bytes("stack", stack).
					Int("batch_size", len(batch)).
					Msg("flush panic recovered, re-queueing batch")
				metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()

				p.buf.requeueFront(batch)

				err := fmt.Errorf("flush failed: %v", r)
				result = ProcessingResult{FailedCount: len(batch), Errors: []error{err}}
				p.emit(Notification{Kind: NotifyFlushError, Err: err, Count: len(batch)})
			}
		}()

		result = p.dispatch(ctx, batch)
		panicked = false
	}()

	elapsed := time.Since(start)
	metrics.PipelineFlushDuration.Observe(elapsed.Seconds())

	if panicked {
		return result
	}

	p.stats.record(result.ProcessedCount, result.FailedCount, elapsed)
	metrics.PipelineProcessedTotal.Add(float64(result.ProcessedCount))
	metrics.PipelineFailedTotal.Add(float64(result.FailedCount))

	log.Debug().
		Int("processed", result.ProcessedCount).
		Int("failed", result.FailedCount).
		Dur("duration", elapsed).
		Msg("batch processed")

	p.emit(Notification{
		Kind:      NotifyBatchProcessed,
		Processed: result.ProcessedCount,
		Failed:    result.FailedCount,
		Elapsed:   elapsed,
	})

	return result
}

// ReprocessDeadLetterEvents atomically drains the dead-letter store and
// re-submits its contents through the normal submit/flush path, as if
// freshly produced. Useful after a broken handler has been replaced.
func (p *Pipeline) ReprocessDeadLetterEvents(ctx context.Context) ProcessingResult {
	// Drain only while submissions are still accepted; otherwise the
	// events would be rejected downstream with no way back into the store
	if p.shuttingDown.Load() {
		return ProcessingResult{
			FailedCount: p.deadLetters.size(),
			Errors:      []error{ErrShuttingDown},
		}
	}

	events := p.deadLetters.drainAll()
	metrics.DeadLetterSize.Set(0)

	if len(events) == 0 {
		return ProcessingResult{Success: true}
	}

	log := logger.WithComponent("pipeline")
	log.Info().
		Int("count", len(events)).
		Msg("reprocessing dead-letter events")
	p.emit(Notification{Kind: NotifyDeadLetterCleared, Count: len(events)})

	result := p.SubmitBatch(ctx, events)
	if len(result.Errors) > 0 && errors.Is(result.Errors[0], ErrShuttingDown) {
		// Shutdown raced the drain; SubmitBatch rejected wholesale before
		// buffering anything, so the events go back to the store
		p.deadLetters.push(events)
		metrics.DeadLetterSize.Set(float64(p.deadLetters.size()))
	}
	return result
}

// Shutdown stops the flush timer, rejects further submissions, runs a
// final flush of anything still buffered, and blocks until no flush is in
// flight. Safe to call more than once.
func (p *Pipeline) Shutdown(ctx context.Context) {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	log := logger.WithComponent("pipeline")
	log.Info().Msg("pipeline shutting down")

	p.cancel()
	p.wg.Wait()

	// Final flush; if a racing flush holds the critical section this
	// returns immediately and waitIdle picks up the slack
	p.Flush(ctx)
	p.buf.waitIdle()

	// A panic during the final flush can re-queue events; give them one
	// last attempt before reporting
	if p.buf.len() > 0 {
		p.Flush(ctx)
		p.buf.waitIdle()
	}

	stats := p.stats.snapshot()
	log.Info().
		Uint64("total_processed", stats.TotalProcessed).
		Uint64("total_failed", stats.TotalFailed).
		Int("dead_letter_size", p.deadLetters.size()).
		Msg("pipeline stopped")

	p.emit(Notification{
		Kind:           NotifyShutdown,
		Stats:          stats,
		DeadLetterSize: p.deadLetters.size(),
	})
}

// BufferSize reports the number of events awaiting flush.
func (p *Pipeline) BufferSize() int { return p.buf.len() }

// DeadLetterSize reports the number of dead-lettered events.
func (p *Pipeline) DeadLetterSize() int { return p.deadLetters.size() }

// Stats returns a snapshot copy of the running statistics.
func (p *Pipeline) Stats() Statistics { return p.stats.snapshot() }

// Healthy reports liveness: false once the buffer or dead-letter store
// reaches the hard cap, or the pipeline is shutting down. Submissions are
// still accepted while unhealthy; they force flushes instead.
func (p *Pipeline) Healthy() bool {
	return !p.shuttingDown.Load() &&
		p.buf.len() < p.cfg.MaxBufferSize &&
		p.deadLetters.size() < p.cfg.MaxBufferSize
}

// flushLoop fires periodic flushes until shutdown cancels it.
func (p *Pipeline) flushLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if p.buf.len() > 0 {
				p.Flush(context.Background())
			}
		}
	}
}

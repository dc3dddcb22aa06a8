package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// Dispatch errors
var (
	ErrNoHandler     = errors.New("no handler registered for event type")
	ErrCountMismatch = errors.New("handler result counts do not reconcile with batch size")
)

// typeGroup is one event type's slice of a drained batch, in buffer order.
type typeGroup struct {
	eventType string
	events    []models.Event
}

// groupByType partitions a batch per routing type, preserving both the
// order types were first seen and the order of events within each type.
func groupByType(events []models.Event) []typeGroup {
	index := make(map[string]int, len(events))
	groups := make([]typeGroup, 0, len(events))

	for _, e := range events {
		i, ok := index[e.Type]
		if !ok {
			i = len(groups)
			index[e.Type] = i
			groups = append(groups, typeGroup{eventType: e.Type})
		}
		groups[i].events = append(groups[i].events, e)
	}
	return groups
}

// dispatch drives the retry loop for one drained batch: group by type,
// invoke handlers under the processing timeout, keep only failed subsets
// for the next attempt, back off exponentially, and dead-letter whatever
// survives every attempt.
func (p *Pipeline) dispatch(ctx context.Context, batch []models.Event) ProcessingResult {
	log := logger.WithComponent("pipeline")

	result := ProcessingResult{}
	remaining := batch
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		groups := groupByType(remaining)

		// Independent type groups run concurrently within one attempt;
		// indexed result slots keep accumulation deterministic.
		failed := make([][]models.Event, len(groups))
		errs := make([]error, len(groups))
		processed := make([]int, len(groups))

		var wg sync.WaitGroup
		for i, g := range groups {
			wg.Add(1)
			go func(i int, g typeGroup) {
				defer wg.Done()
				defer func() {
					// A panic here would escape Flush's recover and kill
					// the process; convert it to a group failure instead
					if r := recover(); r != nil {
						stack := debug.Stack()
						log.Error().
							Interface("panic", r).
							Bytes("stack", stack).
							Str("event_type", g.eventType).
							Msg("dispatch panic recovered")
						metrics.PanicsRecovered.WithLabelValues("pipeline").Inc()
						failed[i] = g.events
						errs[i] = fmt.Errorf("dispatch panic: %v", r)
					}
				}()
				processed[i], failed[i], errs[i] = p.dispatchGroup(ctx, g)
			}(i, g)
		}
		wg.Wait()

		var next []models.Event
		for i := range groups {
			result.ProcessedCount += processed[i]
			next = append(next, failed[i]...)
			if errs[i] != nil {
				result.Errors = append(result.Errors, errs[i])
				lastErr = errs[i]
			}
		}

		if len(next) == 0 {
			result.Success = true
			return result
		}
		remaining = next

		if attempt < p.cfg.MaxRetries {
			delay := p.cfg.RetryDelay << (attempt - 1)

			log.Warn().
				Int("attempt", attempt+1).
				Dur("backoff", delay).
				Int("remaining", len(remaining)).
				Err(lastErr).
				Msg("retrying event dispatch")
			metrics.PipelineRetriesTotal.Inc()

			p.emit(Notification{
				Kind:      NotifyRetryAttempt,
				Attempt:   attempt + 1,
				Delay:     delay,
				Remaining: len(remaining),
				Err:       lastErr,
			})

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Treat cancellation like exhaustion so the residual
				// events are never silently dropped
				result.Errors = append(result.Errors, ctx.Err())
				return p.exhaust(remaining, result)
			}
		}
	}

	return p.exhaust(remaining, result)
}

// dispatchGroup invokes the handler for one type group and reports how
// many events succeeded, which events must be retried, and the group's
// error if any.
func (p *Pipeline) dispatchGroup(ctx context.Context, g typeGroup) (int, []models.Event, error) {
	h, ok := p.registry.get(g.eventType)
	if !ok {
		return 0, g.events, fmt.Errorf("%w: %s", ErrNoHandler, g.eventType)
	}

	res, err := invokeWithTimeout(ctx, h, g.events, p.cfg.ProcessingTimeout)
	if err != nil {
		return 0, g.events, fmt.Errorf("handler %s: %w", g.eventType, err)
	}

	if res.ProcessedCount < 0 || res.FailedCount < 0 ||
		res.ProcessedCount+res.FailedCount != len(g.events) {
		// A handler that cannot account for every event is treated as
		// having failed all of them
		return 0, g.events, fmt.Errorf("handler %s: %w (processed %d, failed %d, batch %d)",
			g.eventType, ErrCountMismatch, res.ProcessedCount, res.FailedCount, len(g.events))
	}

	if res.FailedCount == 0 {
		return res.ProcessedCount, nil, nil
	}

	// Handlers report counts, not event ids, so the trailing FailedCount
	// events of the group are the ones retried. Documented policy: the
	// selection is size-based, not identity-based.
	retry := g.events[len(g.events)-res.FailedCount:]

	groupErr := fmt.Errorf("handler %s: %d of %d events failed", g.eventType, res.FailedCount, len(g.events))
	if len(res.Errors) > 0 {
		groupErr = fmt.Errorf("handler %s: %d of %d events failed: %w",
			g.eventType, res.FailedCount, len(g.events), res.Errors[len(res.Errors)-1])
	}

	return res.ProcessedCount, retry, groupErr
}

// exhaust finalizes a dispatch whose residual events ran out of attempts:
// they move to the dead-letter store when enabled, and the result reports
// overall failure with the accumulated tally.
func (p *Pipeline) exhaust(residual []models.Event, result ProcessingResult) ProcessingResult {
	log := logger.WithComponent("pipeline")

	result.Success = false
	result.FailedCount += len(residual)

	if p.cfg.EnableDeadLetterQueue {
		p.deadLetters.push(residual)
		metrics.DeadLetteredTotal.Add(float64(len(residual)))
		metrics.DeadLetterSize.Set(float64(p.deadLetters.size()))

		log.Error().
			Int("count", len(residual)).
			Int("dead_letter_size", p.deadLetters.size()).
			Msg("events moved to dead-letter store")

		p.emit(Notification{Kind: NotifyDeadLettered, Count: len(residual)})
	} else {
		log.Error().
			Int("count", len(residual)).
			Msg("events dropped after exhausting retries, dead-letter queue disabled")
	}

	return result
}

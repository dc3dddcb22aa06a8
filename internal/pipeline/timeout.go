package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"beacon/internal/logger"
	"beacon/internal/metrics"
	"beacon/internal/models"
)

// ErrHandlerTimeout marks a handler invocation that exceeded the
// processing deadline.
var ErrHandlerTimeout = errors.New("handler invocation timed out")

// invokeWithTimeout races a handler invocation against the deadline. On
// overrun it returns ErrHandlerTimeout immediately and never awaits the
// straggling goroutine again; the handler's context is cancelled so a
// well-behaved handler can stop on its own.
func invokeWithTimeout(ctx context.Context, h Handler, events []models.Event, timeout time.Duration) (HandlerResult, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res HandlerResult
		err error
	}

	// Buffered so the straggler can finish and exit after a timeout
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				log := logger.WithComponent("pipeline")
				log.Error().
					Interface("panic", r).
					Bytes("stack", stack).
					Msg("handler panic recovered")
				metrics.PanicsRecovered.WithLabelValues("handler").Inc()
				done <- outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()

		res, err := h(hctx, events)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-hctx.Done():
		if err := ctx.Err(); err != nil {
			return HandlerResult{}, err
		}
		return HandlerResult{}, ErrHandlerTimeout
	}
}

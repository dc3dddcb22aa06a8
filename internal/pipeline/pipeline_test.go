package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"beacon/internal/config"
	"beacon/internal/models"
	"beacon/internal/pipeline"
)

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		BatchSize:             5,
		FlushInterval:         time.Minute, // keep the timer out of the way
		MaxRetries:            3,
		RetryDelay:            100 * time.Millisecond,
		MaxBufferSize:         100,
		EnableDeadLetterQueue: true,
		ProcessingTimeout:     5 * time.Second,
	}
}

func newTestPipeline(t *testing.T, cfg config.PipelineConfig) *pipeline.Pipeline {
	t.Helper()
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func testEvent(id, eventType string) models.Event {
	return models.Event{
		ID:        id,
		UserID:    "user-1",
		SessionID: "sess-1",
		Timestamp: time.Now(),
		Type:      eventType,
	}
}

// recordingHandler captures every batch it sees, in order.
type recordingHandler struct {
	mu      sync.Mutex
	batches [][]models.Event
}

func (h *recordingHandler) handle(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	batch := make([]models.Event, len(events))
	copy(batch, events)
	h.batches = append(h.batches, batch)
	return pipeline.HandlerResult{Succeeded: true, ProcessedCount: len(events)}, nil
}

func (h *recordingHandler) seenIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for _, b := range h.batches {
		for _, e := range b {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func TestPipeline_EmptyFlushIdempotent(t *testing.T) {
	p := newTestPipeline(t, testConfig())

	for i := 0; i < 3; i++ {
		res := p.Flush(context.Background())
		if !res.Success || res.ProcessedCount != 0 || res.FailedCount != 0 {
			t.Errorf("flush %d: %+v, want success with zero counts", i, res)
		}
	}
}

func TestPipeline_RejectsInvalidEvent(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	p.RegisterHandler("click", (&recordingHandler{}).handle)

	bad := testEvent("evt-1", "click")
	bad.UserID = ""

	if p.Submit(context.Background(), bad) {
		t.Error("invalid event was accepted")
	}
	if p.BufferSize() != 0 {
		t.Errorf("invalid event was buffered: size %d", p.BufferSize())
	}
	if got := p.Stats().TotalProcessed; got != 0 {
		t.Errorf("rejection leaked into statistics: %d", got)
	}
}

func TestPipeline_ThresholdAutoFlush(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	h := &recordingHandler{}
	p.RegisterHandler("page_view", h.handle)

	for i := 1; i <= 5; i++ {
		if !p.Submit(context.Background(), testEvent(fmt.Sprintf("evt-%d", i), "page_view")) {
			t.Fatalf("event %d rejected", i)
		}
		wantSize := i % 5 // 1,2,3,4 then 0 after the auto-flush
		if got := p.BufferSize(); got != wantSize {
			t.Errorf("after event %d: buffer size %d, want %d", i, got, wantSize)
		}
	}

	stats := p.Stats()
	if stats.TotalProcessed != 5 || stats.TotalFailed != 0 {
		t.Errorf("stats = %+v, want 5 processed, 0 failed", stats)
	}
	if stats.LastProcessedAt.IsZero() {
		t.Error("lastProcessedAt not set")
	}
}

func TestPipeline_OrderingWithinType(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 50
	p := newTestPipeline(t, cfg)

	clicks := &recordingHandler{}
	views := &recordingHandler{}
	p.RegisterHandler("click", clicks.handle)
	p.RegisterHandler("page_view", views.handle)

	var wantClicks, wantViews []string
	for i := 0; i < 10; i++ {
		clickID := fmt.Sprintf("c-%d", i)
		viewID := fmt.Sprintf("v-%d", i)
		p.Submit(context.Background(), testEvent(clickID, "click"))
		p.Submit(context.Background(), testEvent(viewID, "page_view"))
		wantClicks = append(wantClicks, clickID)
		wantViews = append(wantViews, viewID)
	}

	res := p.Flush(context.Background())
	if !res.Success || res.ProcessedCount != 20 {
		t.Fatalf("flush result: %+v", res)
	}

	checkOrder := func(name string, got, want []string) {
		if len(got) != len(want) {
			t.Fatalf("%s: got %d events, want %d", name, len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("%s: position %d got %s, want %s", name, i, got[i], want[i])
			}
		}
	}
	checkOrder("clicks", clicks.seenIDs(), wantClicks)
	checkOrder("views", views.seenIDs(), wantViews)
}

func TestPipeline_DefaultHandlerFallback(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	h := &recordingHandler{}
	p.RegisterHandler(pipeline.DefaultHandlerType, h.handle)

	p.Submit(context.Background(), testEvent("evt-1", "unmapped_type"))
	res := p.Flush(context.Background())

	if !res.Success || res.ProcessedCount != 1 {
		t.Errorf("flush result: %+v", res)
	}
	if ids := h.seenIDs(); len(ids) != 1 || ids[0] != "evt-1" {
		t.Errorf("default handler saw %v", ids)
	}
}

func TestPipeline_NoHandlerDeadLetters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	p := newTestPipeline(t, cfg)

	p.Submit(context.Background(), testEvent("evt-1", "orphan"))
	res := p.Flush(context.Background())

	if res.Success {
		t.Error("flush succeeded with no handler registered")
	}
	if res.FailedCount != 1 {
		t.Errorf("failed count = %d, want 1", res.FailedCount)
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], pipeline.ErrNoHandler) {
		t.Errorf("errors = %v, want ErrNoHandler", res.Errors)
	}
	if p.DeadLetterSize() != 1 {
		t.Errorf("dead letter size = %d, want 1", p.DeadLetterSize())
	}
}

func TestPipeline_BackoffGrowth(t *testing.T) {
	cfg := testConfig()
	p := newTestPipeline(t, cfg)

	var mu sync.Mutex
	var attemptTimes []time.Time
	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		mu.Lock()
		attemptTimes = append(attemptTimes, time.Now())
		n := len(attemptTimes)
		mu.Unlock()
		if n < 3 {
			return pipeline.HandlerResult{}, errors.New("transient failure")
		}
		return pipeline.HandlerResult{Succeeded: true, ProcessedCount: len(events)}, nil
	})

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	res := p.Flush(context.Background())

	if !res.Success {
		t.Fatalf("flush result: %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(attemptTimes) != 3 {
		t.Fatalf("handler invoked %d times, want 3", len(attemptTimes))
	}

	gap1 := attemptTimes[1].Sub(attemptTimes[0])
	gap2 := attemptTimes[2].Sub(attemptTimes[1])
	if gap1 < 100*time.Millisecond {
		t.Errorf("delay before attempt 2 = %v, want >= 100ms", gap1)
	}
	if gap2 < 200*time.Millisecond {
		t.Errorf("delay before attempt 3 = %v, want >= 200ms", gap2)
	}
}

func TestPipeline_PartialFailureRetriesTail(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 10
	cfg.RetryDelay = 10 * time.Millisecond
	p := newTestPipeline(t, cfg)

	h := &recordingHandler{}
	first := true
	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		h.handle(ctx, events)
		if first {
			first = false
			// Counts only: the pipeline retries the trailing two events
			return pipeline.HandlerResult{ProcessedCount: len(events) - 2, FailedCount: 2}, nil
		}
		return pipeline.HandlerResult{Succeeded: true, ProcessedCount: len(events)}, nil
	})

	for i := 0; i < 5; i++ {
		p.Submit(context.Background(), testEvent(fmt.Sprintf("evt-%d", i), "click"))
	}
	res := p.Flush(context.Background())

	if !res.Success || res.ProcessedCount != 5 {
		t.Fatalf("flush result: %+v", res)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.batches) != 2 {
		t.Fatalf("handler saw %d batches, want 2", len(h.batches))
	}
	retried := h.batches[1]
	if len(retried) != 2 || retried[0].ID != "evt-3" || retried[1].ID != "evt-4" {
		t.Errorf("retried batch = %v, want the last two events", retried)
	}
}

func TestPipeline_CountMismatchIsFullFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	p := newTestPipeline(t, cfg)

	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		// Claims fewer events than it was given
		return pipeline.HandlerResult{Succeeded: true, ProcessedCount: len(events) - 1}, nil
	})

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	p.Submit(context.Background(), testEvent("evt-2", "click"))
	res := p.Flush(context.Background())

	if res.Success {
		t.Error("flush succeeded despite unreconciled handler counts")
	}
	if res.FailedCount != 2 {
		t.Errorf("failed count = %d, want 2 (whole group)", res.FailedCount)
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], pipeline.ErrCountMismatch) {
		t.Errorf("errors = %v, want ErrCountMismatch", res.Errors)
	}
}

func TestPipeline_NegativeCountsAreFullFailure(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	p := newTestPipeline(t, cfg)

	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		// Sums to the batch size but the counts are nonsense; slicing a
		// retry subset from these would index out of range
		return pipeline.HandlerResult{ProcessedCount: -2, FailedCount: len(events) + 2}, nil
	})

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	p.Submit(context.Background(), testEvent("evt-2", "click"))
	res := p.Flush(context.Background())

	if res.Success {
		t.Error("flush succeeded despite negative handler counts")
	}
	if res.FailedCount != 2 {
		t.Errorf("failed count = %d, want 2 (whole group)", res.FailedCount)
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], pipeline.ErrCountMismatch) {
		t.Errorf("errors = %v, want ErrCountMismatch", res.Errors)
	}
	if p.DeadLetterSize() != 2 {
		t.Errorf("dead letter size = %d, want 2", p.DeadLetterSize())
	}

	// The pipeline must stay usable afterwards
	if res := p.Flush(context.Background()); !res.Success {
		t.Errorf("follow-up flush result: %+v", res)
	}
}

func TestPipeline_ReprocessAfterShutdownKeepsStore(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		return pipeline.HandlerResult{}, errors.New("handler bug")
	})
	p.Submit(context.Background(), testEvent("evt-1", "click"))
	p.Flush(context.Background())

	if p.DeadLetterSize() != 1 {
		t.Fatalf("dead letter size = %d, want 1", p.DeadLetterSize())
	}

	p.Shutdown(context.Background())

	res := p.ReprocessDeadLetterEvents(context.Background())
	if res.Success {
		t.Error("reprocess succeeded during shutdown")
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], pipeline.ErrShuttingDown) {
		t.Errorf("errors = %v, want ErrShuttingDown", res.Errors)
	}
	if p.DeadLetterSize() != 1 {
		t.Errorf("dead letter size = %d after rejected reprocess, want 1 (event must not vanish)", p.DeadLetterSize())
	}
	if p.BufferSize() != 0 {
		t.Errorf("buffer size = %d, want 0", p.BufferSize())
	}
}

func TestPipeline_TimeoutFailsInvocation(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 1
	cfg.ProcessingTimeout = 50 * time.Millisecond
	p := newTestPipeline(t, cfg)

	p.RegisterHandler("slow", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return pipeline.HandlerResult{Succeeded: true, ProcessedCount: len(events)}, nil
	})

	p.Submit(context.Background(), testEvent("evt-1", "slow"))

	start := time.Now()
	res := p.Flush(context.Background())
	elapsed := time.Since(start)

	if res.Success {
		t.Error("flush succeeded despite handler timeout")
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], pipeline.ErrHandlerTimeout) {
		t.Errorf("errors = %v, want ErrHandlerTimeout", res.Errors)
	}
	if elapsed > 2*time.Second {
		t.Errorf("flush latency not bounded by timeout: %v", elapsed)
	}
	if p.DeadLetterSize() != 1 {
		t.Errorf("dead letter size = %d, want 1", p.DeadLetterSize())
	}
}

func TestPipeline_AtLeastOnceUntilExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 3
	cfg.RetryDelay = 10 * time.Millisecond
	p := newTestPipeline(t, cfg)

	var invocations int
	var mu sync.Mutex
	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		mu.Lock()
		invocations++
		mu.Unlock()
		return pipeline.HandlerResult{}, errors.New("permanent failure")
	})

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	res := p.Flush(context.Background())

	if res.Success || res.FailedCount != 1 {
		t.Errorf("flush result: %+v", res)
	}

	mu.Lock()
	if invocations != 3 {
		t.Errorf("handler invoked %d times, want 3", invocations)
	}
	mu.Unlock()

	if p.DeadLetterSize() != 1 {
		t.Errorf("event dead-lettered %d times, want exactly once", p.DeadLetterSize())
	}
}

func TestPipeline_DeadLetterReprocessing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	p := newTestPipeline(t, cfg)

	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		return pipeline.HandlerResult{}, errors.New("handler bug")
	})

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	if res := p.Flush(context.Background()); res.Success {
		t.Fatal("expected failing flush")
	}
	if p.DeadLetterSize() != 1 {
		t.Fatalf("dead letter size = %d, want 1", p.DeadLetterSize())
	}

	// Swap in a fixed handler and reprocess
	h := &recordingHandler{}
	p.RegisterHandler("click", h.handle)

	res := p.ReprocessDeadLetterEvents(context.Background())
	if !res.Success || res.ProcessedCount != 1 {
		t.Errorf("reprocess result: %+v", res)
	}
	if p.DeadLetterSize() != 0 {
		t.Errorf("dead letter store not emptied: %d", p.DeadLetterSize())
	}
	if ids := h.seenIDs(); len(ids) != 1 || ids[0] != "evt-1" {
		t.Errorf("reprocessed events = %v", ids)
	}
}

func TestPipeline_SubmitBatchFoldsRejections(t *testing.T) {
	p := newTestPipeline(t, testConfig())
	h := &recordingHandler{}
	p.RegisterHandler("click", h.handle)

	invalid := testEvent("evt-bad", "click")
	invalid.SessionID = ""

	res := p.SubmitBatch(context.Background(), []models.Event{
		testEvent("evt-1", "click"),
		invalid,
		testEvent("evt-2", "click"),
	})

	if res.Success {
		t.Error("batch with a rejection reported success")
	}
	if res.ProcessedCount != 2 || res.FailedCount != 1 {
		t.Errorf("counts = %d/%d, want 2 processed, 1 failed", res.ProcessedCount, res.FailedCount)
	}
	if len(res.Errors) == 0 || !errors.Is(res.Errors[0], models.ErrEmptySessionID) {
		t.Errorf("errors = %v, want validation error first", res.Errors)
	}
}

func TestPipeline_PostShutdownRejection(t *testing.T) {
	cfg := testConfig()
	p, err := pipeline.New(cfg)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	h := &recordingHandler{}
	p.RegisterHandler("click", h.handle)

	p.Submit(context.Background(), testEvent("evt-1", "click"))
	p.Shutdown(context.Background())

	// Final flush drained the straggler
	if len(h.seenIDs()) != 1 {
		t.Errorf("shutdown did not flush buffered events: %v", h.seenIDs())
	}

	if p.Submit(context.Background(), testEvent("evt-2", "click")) {
		t.Error("submit accepted after shutdown")
	}
	if p.BufferSize() != 0 {
		t.Errorf("buffer size = %d after shutdown, want 0", p.BufferSize())
	}
	if p.Healthy() {
		t.Error("pipeline reports healthy after shutdown")
	}

	// Idempotent
	p.Shutdown(context.Background())
}

func TestPipeline_TimerFlush(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 50
	cfg.FlushInterval = 50 * time.Millisecond
	p := newTestPipeline(t, cfg)

	h := &recordingHandler{}
	p.RegisterHandler("click", h.handle)

	p.Submit(context.Background(), testEvent("evt-1", "click"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.BufferSize() == 0 && len(h.seenIDs()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("timer flush never fired: buffer=%d seen=%v", p.BufferSize(), h.seenIDs())
}

func TestPipeline_Notifications(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryDelay = 10 * time.Millisecond
	p := newTestPipeline(t, cfg)

	var mu sync.Mutex
	seen := make(map[pipeline.NotificationKind][]pipeline.Notification)
	p.Subscribe(pipeline.ObserverFunc(func(n pipeline.Notification) {
		mu.Lock()
		seen[n.Kind] = append(seen[n.Kind], n)
		mu.Unlock()
	}))

	p.RegisterHandler("click", func(ctx context.Context, events []models.Event) (pipeline.HandlerResult, error) {
		return pipeline.HandlerResult{}, errors.New("always fails")
	})
	p.Submit(context.Background(), testEvent("evt-1", "click"))
	p.Flush(context.Background())

	mu.Lock()
	defer mu.Unlock()

	if len(seen[pipeline.NotifyHandlerRegistered]) != 1 {
		t.Error("missing handler-registered notification")
	}
	if buffered := seen[pipeline.NotifyEventBuffered]; len(buffered) != 1 || buffered[0].BufferSize != 1 {
		t.Errorf("event-buffered notifications: %+v", buffered)
	}
	retries := seen[pipeline.NotifyRetryAttempt]
	if len(retries) != 1 {
		t.Fatalf("retry notifications = %d, want 1", len(retries))
	}
	if retries[0].Attempt != 2 || retries[0].Remaining != 1 || retries[0].Err == nil {
		t.Errorf("retry notification = %+v", retries[0])
	}
	if dl := seen[pipeline.NotifyDeadLettered]; len(dl) != 1 || dl[0].Count != 1 {
		t.Errorf("dead-lettered notifications: %+v", dl)
	}
	if bp := seen[pipeline.NotifyBatchProcessed]; len(bp) != 1 || bp[0].Failed != 1 {
		t.Errorf("batch-processed notifications: %+v", bp)
	}
}

func TestPipeline_ConcurrentSubmit(t *testing.T) {
	cfg := testConfig()
	cfg.BatchSize = 25
	cfg.MaxBufferSize = 1000
	p := newTestPipeline(t, cfg)

	h := &recordingHandler{}
	p.RegisterHandler("click", h.handle)

	var wg sync.WaitGroup
	const producers = 8
	const perProducer = 50

	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				id := fmt.Sprintf("p%d-%d", i, j)
				if !p.Submit(context.Background(), testEvent(id, "click")) {
					t.Errorf("submit of %s rejected", id)
				}
			}
		}(i)
	}
	wg.Wait()

	// A racing threshold flush may still be in flight; keep flushing
	// until every event is accounted for
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		p.Flush(context.Background())
		if p.Stats().TotalProcessed == producers*perProducer {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	stats := p.Stats()
	if stats.TotalProcessed != producers*perProducer {
		t.Errorf("processed = %d, want %d", stats.TotalProcessed, producers*perProducer)
	}
	if stats.TotalFailed != 0 {
		t.Errorf("failed = %d, want 0", stats.TotalFailed)
	}
}

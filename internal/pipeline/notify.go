package pipeline

import "time"

// NotificationKind identifies a lifecycle notification.
type NotificationKind string

const (
	NotifyHandlerRegistered   NotificationKind = "handler_registered"
	NotifyHandlerUnregistered NotificationKind = "handler_unregistered"
	NotifyEventBuffered       NotificationKind = "event_buffered"
	NotifyRetryAttempt        NotificationKind = "retry_attempt"
	NotifyDeadLettered        NotificationKind = "dead_lettered"
	NotifyDeadLetterCleared   NotificationKind = "dead_letter_cleared"
	NotifyBatchProcessed      NotificationKind = "batch_processed"
	NotifyFlushError          NotificationKind = "flush_error"
	NotifyShutdown            NotificationKind = "shutdown"
)

// Notification is a lifecycle event emitted by the pipeline. Only the
// fields relevant to the Kind are populated.
type Notification struct {
	Kind NotificationKind

	// EventType is set for handler registration and event-buffered kinds
	EventType string

	// BufferSize accompanies event-buffered
	BufferSize int

	// Retry fields: the upcoming attempt number, the backoff delay before
	// it, how many events remain, and the most recent error
	Attempt   int
	Delay     time.Duration
	Remaining int
	Err       error

	// Count accompanies dead-lettered and dead-letter-cleared
	Count int

	// Flush outcome fields
	Processed int
	Failed    int
	Elapsed   time.Duration

	// Shutdown fields
	Stats          Statistics
	DeadLetterSize int
}

// Observer receives lifecycle notifications. Notify is called synchronously
// from pipeline goroutines; implementations must not block.
type Observer interface {
	Notify(n Notification)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Notification)

// Notify implements Observer.
func (f ObserverFunc) Notify(n Notification) { f(n) }

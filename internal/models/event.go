package models

import (
	"errors"
	"time"
)

// Event represents a single user-interaction event submitted by a producer.
// The pipeline treats everything beyond the required routing fields as an
// opaque payload.
type Event struct {
	// Unique identifier assigned by the producer
	ID string `json:"id"`

	// User that generated the interaction
	UserID string `json:"user_id"`

	// Browser or client session the interaction belongs to
	SessionID string `json:"session_id"`

	// Timestamp when the interaction occurred
	Timestamp time.Time `json:"timestamp"`

	// Type is the routing key used to select a handler
	// (e.g. "page_view", "click", "purchase")
	Type string `json:"type"`

	// Optional page context
	Page     string `json:"page,omitempty"`
	Referrer string `json:"referrer,omitempty"`

	// Optional structured properties
	Properties map[string]string `json:"properties,omitempty"`
}

// Validation errors
var (
	ErrEmptyID        = errors.New("event ID cannot be empty")
	ErrEmptyUserID    = errors.New("user ID cannot be empty")
	ErrEmptySessionID = errors.New("session ID cannot be empty")
	ErrZeroTimestamp  = errors.New("timestamp cannot be zero")
	ErrEmptyType      = errors.New("event type cannot be empty")
	ErrTooManyProps   = errors.New("too many property keys")
)

const MaxPropertyKeys = 100

// Validate checks that the Event carries every field the pipeline requires
// for routing. An event failing validation is never buffered.
func (e *Event) Validate() error {
	if e.ID == "" {
		return ErrEmptyID
	}

	if e.UserID == "" {
		return ErrEmptyUserID
	}

	if e.SessionID == "" {
		return ErrEmptySessionID
	}

	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if e.Type == "" {
		return ErrEmptyType
	}

	if len(e.Properties) > MaxPropertyKeys {
		return ErrTooManyProps
	}

	return nil
}

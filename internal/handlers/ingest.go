package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"beacon/internal/metrics"
	"beacon/internal/models"
	"beacon/internal/pipeline"
)

// IngestHandler accepts user-interaction events over HTTP and feeds them
// into the pipeline.
type IngestHandler struct {
	pipe *pipeline.Pipeline

	// Max body size (default 10MB)
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler
type IngestConfig struct {
	Pipeline    *pipeline.Pipeline
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}

	return &IngestHandler{
		pipe:        cfg.Pipeline,
		maxBodySize: maxBodySize,
	}
}

// IngestRequest represents the incoming JSON payload (single or batch)
type IngestRequest struct {
	// Single event (if Events is empty)
	Event *EventInput `json:"event,omitempty"`

	// Batch of events
	Events []EventInput `json:"events,omitempty"`
}

// EventInput is the input format for events (with string timestamp)
type EventInput struct {
	ID         string            `json:"id"`
	UserID     string            `json:"user_id"`
	SessionID  string            `json:"session_id"`
	Timestamp  string            `json:"timestamp"` // String for flexible parsing
	Type       string            `json:"type"`
	Page       string            `json:"page,omitempty"`
	Referrer   string            `json:"referrer,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// IngestResponse is the response returned to clients
type IngestResponse struct {
	Success  bool          `json:"success"`
	BatchID  string        `json:"batch_id"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a validation error for a specific event
type IngestError struct {
	Index   int    `json:"index"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	inputs, err := h.parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if len(inputs) == 0 {
		h.writeError(w, http.StatusBadRequest, "no events provided")
		return
	}

	metrics.IngestBatchSize.Observe(float64(len(inputs)))

	response := h.processEvents(r.Context(), inputs)
	response.BatchID = uuid.New().String()

	w.Header().Set("Content-Type", "application/json")
	if response.Rejected > 0 && response.Accepted == 0 {
		w.WriteHeader(http.StatusBadRequest)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// parseBody parses the JSON body into a slice of EventInput
func (h *IngestHandler) parseBody(body []byte) ([]EventInput, error) {
	// Try parsing as IngestRequest first
	var req IngestRequest
	if err := json.Unmarshal(body, &req); err == nil {
		if len(req.Events) > 0 {
			return req.Events, nil
		}
		if req.Event != nil {
			return []EventInput{*req.Event}, nil
		}
	}

	// Try parsing as array of events
	var events []EventInput
	if err := json.Unmarshal(body, &events); err == nil && len(events) > 0 {
		return events, nil
	}

	// Try parsing as single event
	var single EventInput
	if err := json.Unmarshal(body, &single); err == nil && single.ID != "" {
		return []EventInput{single}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected event object or array of events")
}

// processEvents converts, normalizes, and submits events to the pipeline
func (h *IngestHandler) processEvents(ctx context.Context, inputs []EventInput) IngestResponse {
	response := IngestResponse{
		Success: true,
		Errors:  make([]IngestError, 0),
	}

	for i, input := range inputs {
		event, err := h.convertInput(input)
		if err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				EventID: input.ID,
				Error:   err.Error(),
			})
			response.Rejected++
			metrics.IngestEventsTotal.WithLabelValues(input.Type, "rejected").Inc()
			continue
		}

		event.Normalize()

		if err := event.Validate(); err != nil {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				EventID: event.ID,
				Error:   err.Error(),
			})
			response.Rejected++
			metrics.IngestEventsTotal.WithLabelValues(event.Type, "rejected").Inc()
			continue
		}

		if !h.pipe.Submit(ctx, *event) {
			response.Errors = append(response.Errors, IngestError{
				Index:   i,
				EventID: event.ID,
				Error:   "pipeline rejected event",
			})
			response.Rejected++
			metrics.IngestEventsTotal.WithLabelValues(event.Type, "rejected").Inc()
			continue
		}

		response.Accepted++
		metrics.IngestEventsTotal.WithLabelValues(event.Type, "accepted").Inc()
	}

	response.Success = response.Rejected == 0
	return response
}

// convertInput converts EventInput to Event
func (h *IngestHandler) convertInput(input EventInput) (*models.Event, error) {
	ts, err := models.ParseTimestamp(input.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}

	return &models.Event{
		ID:         input.ID,
		UserID:     input.UserID,
		SessionID:  input.SessionID,
		Timestamp:  ts,
		Type:       input.Type,
		Page:       input.Page,
		Referrer:   input.Referrer,
		Properties: input.Properties,
	}, nil
}

func (h *IngestHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

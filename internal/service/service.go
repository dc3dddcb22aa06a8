package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"beacon/internal/config"
	"beacon/internal/handlers"
	"beacon/internal/logger"
	"beacon/internal/middleware"
	"beacon/internal/pipeline"
	"beacon/internal/sink"
)

// Service is the high-level coordinator for ingesting, buffering, and
// dispatching events.
type Service struct {
	cfg        *config.Config
	pipe       *pipeline.Pipeline
	kafkaSink  *sink.KafkaSink
	httpServer *http.Server
	wg         sync.WaitGroup
}

// New constructs a Service with given config.
func New(cfg *config.Config) *Service {
	return &Service{cfg: cfg}
}

// Pipeline exposes the underlying pipeline so callers can register
// handlers for specific event types before traffic arrives.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipe }

// Run starts background goroutines and blocks until context cancelled.
func (s *Service) Run(ctx context.Context) error {
	log := logger.WithComponent("service")
	log.Info().Msg("service starting")

	pipe, err := pipeline.New(s.cfg.Pipeline)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize pipeline")
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}
	s.pipe = pipe

	if s.cfg.Kafka.Enabled {
		if err := s.initKafkaSink(); err != nil {
			log.Error().Err(err).Msg("failed to initialize kafka sink")
			return fmt.Errorf("failed to initialize kafka sink: %w", err)
		}
		defer s.kafkaSink.Close()
	}

	s.initHTTPServer()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		log.Info().Str("addr", s.cfg.HTTPAddr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	// Stats reporting goroutine
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportStats(ctx)
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	return s.shutdown()
}

// initKafkaSink wires the Kafka sink as the pipeline's default handler
func (s *Service) initKafkaSink() error {
	kafkaSink, err := sink.NewKafkaSink(s.cfg.Kafka)
	if err != nil {
		return err
	}

	s.kafkaSink = kafkaSink
	s.pipe.RegisterHandler(pipeline.DefaultHandlerType, kafkaSink.Handle)
	return nil
}

// initHTTPServer builds the route table and server
func (s *Service) initHTTPServer() {
	ingest := handlers.NewIngestHandler(handlers.IngestConfig{Pipeline: s.pipe})

	mux := http.NewServeMux()
	mux.Handle("/v1/events", middleware.Chain(ingest,
		middleware.Recovery,
		middleware.Logging,
		middleware.Metrics,
	))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         s.cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.pipe.Healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.pipe.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"total_processed":         stats.TotalProcessed,
		"total_failed":            stats.TotalFailed,
		"last_processed_at":       stats.LastProcessedAt,
		"average_processing_time": stats.AverageProcessingTime.String(),
		"buffer_size":             s.pipe.BufferSize(),
		"dead_letter_size":        s.pipe.DeadLetterSize(),
	})
}

// reportStats logs pipeline counters periodically
func (s *Service) reportStats(ctx context.Context) {
	log := logger.WithComponent("service")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := s.pipe.Stats()
			log.Info().
				Uint64("processed", stats.TotalProcessed).
				Uint64("failed", stats.TotalFailed).
				Int("buffer_size", s.pipe.BufferSize()).
				Int("dead_letter_size", s.pipe.DeadLetterSize()).
				Dur("avg_processing_time", stats.AverageProcessingTime).
				Msg("pipeline stats")
		}
	}
}

// shutdown stops the HTTP server first, then drains the pipeline
func (s *Service) shutdown() error {
	log := logger.WithComponent("service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	s.pipe.Shutdown(shutdownCtx)
	s.wg.Wait()

	log.Info().Msg("service stopped")
	return nil
}

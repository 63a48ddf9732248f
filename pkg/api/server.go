// Package api provides the HTTP admin endpoints: health, instance state,
// maintenance operations and archive control.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/health"
	"github.com/flashfs/flashfs/pkg/status"
	"github.com/flashfs/flashfs/pkg/utils"
)

// InstanceInfo is the externally visible state of one instance
type InstanceInfo struct {
	ID         int    `json:"id"`
	Partition  int    `json:"partition"`
	Ready      bool   `json:"ready"`
	Generation uint32 `json:"generation"`
	Total      uint64 `json:"total_bytes"`
	Used       uint64 `json:"used_bytes"`
	Health     string `json:"health,omitempty"`
}

// Backend is the system the server administers
type Backend interface {
	Instances(ctx context.Context) []InstanceInfo
	Reformat(ctx context.Context, fs int) error
}

// Archive moves partition images to and from object storage
type Archive interface {
	Export(ctx context.Context, fs int) (string, error)
	Import(ctx context.Context, fs int, key string) error
	Images(ctx context.Context, fs int) ([]string, error)
}

// Server provides the HTTP admin API
type Server struct {
	httpServer    *http.Server
	backend       Backend
	archive       Archive
	statusTracker *status.Tracker
	healthTracker *health.Tracker
	gatherer      prometheus.Gatherer
	config        ServerConfig
	log           zerolog.Logger

	// Parent of background operations, canceled on Shutdown
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   false,
	}
}

// Options carries the optional collaborators of a Server
type Options struct {
	Archive  Archive
	Status   *status.Tracker
	Health   *health.Tracker
	Gatherer prometheus.Gatherer
}

// NewServer creates a new API server
func NewServer(config ServerConfig, backend Backend, opts Options) *Server {
	if opts.Status == nil {
		opts.Status = status.NewTracker(status.TrackerConfig{HealthTracker: opts.Health})
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		backend:       backend,
		archive:       opts.Archive,
		statusTracker: opts.Status,
		healthTracker: opts.Health,
		gatherer:      opts.Gatherer,
		config:        config,
		log:           utils.ComponentLogger("api"),
		baseCtx:       baseCtx,
		cancel:        cancel,
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler with middleware applied
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	// Instances
	mux.HandleFunc("GET /instances", s.handleInstances)
	mux.HandleFunc("POST /instances/{fs}/reformat", s.handleReformat)

	// Archive
	mux.HandleFunc("GET /archive/{fs}/images", s.handleImages)
	mux.HandleFunc("POST /archive/{fs}/export", s.handleExport)
	mux.HandleFunc("POST /archive/{fs}/import", s.handleImport)

	// Status endpoints
	mux.HandleFunc("GET /status", s.handleSystemStatus)
	mux.HandleFunc("GET /status/operations", s.handleOperations)
	mux.HandleFunc("GET /status/operations/{id}", s.handleOperation)
	mux.HandleFunc("DELETE /status/operations/{id}", s.handleCancelOperation)
	mux.HandleFunc("GET /status/history", s.handleHistory)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("GET /info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if s.config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}
	return handler
}

// Start serves until Shutdown
func (s *Server) Start() error {
	s.log.Info().Str("address", s.config.Address).Msg("starting API server")
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("API server error")
		}
	}()
}

// Shutdown stops the listener, cancels running operations and waits for
// them to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down API server")
	err := s.httpServer.Shutdown(ctx)
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// Wait blocks until every background operation has finished. Tests use it
// to observe final operation states.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.GetOverallHealth()
	components := s.healthTracker.GetAllComponents()

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(components),
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.healthTracker.GetAllComponents())
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness reports ready once every instance has mounted.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	instances := s.backend.Instances(r.Context())
	notReady := []int{}
	for _, in := range instances {
		if !in.Ready {
			notReady = append(notReady, in.ID)
		}
	}

	statusCode := http.StatusOK
	if len(notReady) > 0 {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     len(notReady) == 0,
		"not_ready": notReady,
		"timestamp": time.Now(),
	})
}

// Instance handlers

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	instances := s.backend.Instances(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"instances": instances,
		"count":     len(instances),
	})
}

func (s *Server) handleReformat(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.instanceParam(w, r)
	if !ok {
		return
	}
	op := s.runOperation("reformat", fs, func(ctx context.Context) (string, error) {
		return "", s.backend.Reformat(ctx, fs)
	})
	s.respondJSON(w, http.StatusAccepted, op)
}

// Archive handlers

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.instanceParam(w, r)
	if !ok || !s.archiveEnabled(w) {
		return
	}
	images, err := s.archive.Images(r.Context(), fs)
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"fs":     fs,
		"images": images,
		"count":  len(images),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.instanceParam(w, r)
	if !ok || !s.archiveEnabled(w) {
		return
	}
	op := s.runOperation("export", fs, func(ctx context.Context) (string, error) {
		return s.archive.Export(ctx, fs)
	})
	s.respondJSON(w, http.StatusAccepted, op)
}

// handleImport restores the image named by the key query parameter, or the
// newest image when it is absent.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	fs, ok := s.instanceParam(w, r)
	if !ok || !s.archiveEnabled(w) {
		return
	}
	key := r.URL.Query().Get("key")
	op := s.runOperation("import", fs, func(ctx context.Context) (string, error) {
		return key, s.archive.Import(ctx, fs, key)
	})
	s.respondJSON(w, http.StatusAccepted, op)
}

// runOperation runs fn in the background as a tracked operation.
func (s *Server) runOperation(opType string, fs int, fn func(ctx context.Context) (string, error)) status.Operation {
	op, ctx := s.statusTracker.StartOperation(s.baseCtx, opType, fs)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := fn(ctx)
		if err != nil {
			s.log.Error().Err(err).Str("op", opType).Int("fs", fs).Str("id", op.ID).Msg("operation failed")
			_ = s.statusTracker.FailOperation(op.ID, err)
			return
		}
		s.log.Info().Str("op", opType).Int("fs", fs).Str("id", op.ID).Msg("operation completed")
		_ = s.statusTracker.CompleteOperation(op.ID, result)
	}()
	return op
}

// Status endpoint handlers

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.statusTracker.GetSystemStatus())
}

func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	operations := s.statusTracker.GetAllOperations()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"operations": operations,
		"count":      len(operations),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("id")
	operation, err := s.statusTracker.GetOperation(opID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Operation not found: %s", opID))
		return
	}
	s.respondJSON(w, http.StatusOK, operation)
}

func (s *Server) handleCancelOperation(w http.ResponseWriter, r *http.Request) {
	opID := r.PathValue("id")
	if err := s.statusTracker.CancelOperation(opID); err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Sprintf("Operation not active: %s", opID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	history := s.statusTracker.GetHistory(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"history":   history,
		"count":     len(history),
		"limit":     limit,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	endpoints := []string{
		"/health",
		"/health/components",
		"/health/live",
		"/health/ready",
		"/instances",
		"/instances/{fs}/reformat",
		"/status",
		"/status/operations",
		"/status/operations/{id}",
		"/status/history",
		"/info",
	}
	if s.archive != nil {
		endpoints = append(endpoints, "/archive/{fs}/images", "/archive/{fs}/export", "/archive/{fs}/import")
	}
	if s.gatherer != nil {
		endpoints = append(endpoints, "/metrics")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "FlashFS admin API",
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Dur("took", time.Since(start)).Msg("request served")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) instanceParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	fs, err := strconv.Atoi(r.PathValue("fs"))
	if err != nil || fs < 0 {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid instance: %q", r.PathValue("fs")))
		return 0, false
	}
	return fs, true
}

func (s *Server) archiveEnabled(w http.ResponseWriter) bool {
	if s.archive == nil {
		s.respondError(w, http.StatusNotImplemented, "Archive not configured")
		return false
	}
	return true
}

// respondFailure maps err to a status code by its error code.
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errors.CodeOf(err) {
	case errors.ErrCodeInvalidArgument:
		code = http.StatusBadRequest
	case errors.ErrCodeObjectNotFound:
		code = http.StatusNotFound
	case errors.ErrCodeNotReady, errors.ErrCodeConnectionFailed:
		code = http.StatusServiceUnavailable
	}
	s.respondError(w, code, err.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("error encoding JSON response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

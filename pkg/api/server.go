// Package api serves the sync agent's local HTTP endpoints: health probes,
// queue status, dead letters, recent notifications and manual drains.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/habitkit/offlinesync/internal/config"
	"github.com/habitkit/offlinesync/internal/notify"
	"github.com/habitkit/offlinesync/internal/syncqueue"
	"github.com/habitkit/offlinesync/pkg/errors"
	"github.com/habitkit/offlinesync/pkg/health"
	"github.com/habitkit/offlinesync/pkg/offline"
	"github.com/habitkit/offlinesync/pkg/types"
	"github.com/habitkit/offlinesync/pkg/utils"
)

// Version is reported by the /info endpoint.
const Version = "0.3.0"

const defaultHistoryLimit = 20

// Backend is the slice of *offline.Client the API reads from.
type Backend interface {
	Health(ctx context.Context) health.Report
	Status(ctx context.Context) (offline.Status, error)
	DeadLetters(ctx context.Context) ([]types.DroppedItem, error)
	ClearDeadLetters(ctx context.Context) error
	ProcessSyncQueue(ctx context.Context) (*syncqueue.DrainResult, error)
	DrainNow(ctx context.Context) (*syncqueue.DrainResult, error)
	Notifications(limit int) []notify.Event
}

var _ Backend = (*offline.Client)(nil)

// Server provides the agent's HTTP endpoints.
type Server struct {
	httpServer *http.Server
	backend    Backend
	config     config.APIConfig
	logger     *utils.StructuredLogger
	now        func() time.Time
}

// NewServer creates a new API server. A non-nil metrics handler is mounted
// at /metrics.
func NewServer(cfg config.APIConfig, backend Backend, metrics http.Handler, logger *utils.StructuredLogger) *Server {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	s := &Server{
		backend: backend,
		config:  cfg,
		logger:  logger.WithComponent("api"),
		now:     time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/live", s.handleLiveness)
	mux.HandleFunc("/health/ready", s.handleReadiness)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/notifications", s.handleNotifications)
	mux.HandleFunc("/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("/drain", s.handleDrain)
	mux.HandleFunc("/info", s.handleInfo)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}

	handler := s.loggingMiddleware(mux)
	if cfg.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	return s
}

// Handler returns the routed handler, middleware included.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", map[string]interface{}{"address": s.config.Address})
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	report := s.backend.Health(r.Context())
	statusCode := http.StatusOK
	switch report.Overall {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded, health.StateReadOnly:
		statusCode = http.StatusPartialContent
	}
	s.respondJSON(w, statusCode, report)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": s.now(),
	})
}

// Ready means reads can be served; a degraded remote still leaves the cache.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	report := s.backend.Health(r.Context())
	ready := report.Overall != health.StateUnavailable
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"ready":     ready,
		"status":    report.Overall.String(),
		"timestamp": s.now(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	st, err := s.backend.Status(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events := s.backend.Notifications(limit)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": events,
		"count":         len(events),
		"limit":         limit,
	})
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.backend.DeadLetters(r.Context())
		if err != nil {
			s.respondFailure(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"dead_letters": items,
			"count":        len(items),
		})
	case http.MethodDelete:
		if err := s.backend.ClearDeadLetters(r.Context()); err != nil {
			s.respondFailure(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// POST /drain runs one throttled pass; ?force=true bypasses the throttle.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodPost) {
		return
	}

	drain := s.backend.ProcessSyncQueue
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		drain = s.backend.DrainNow
	}

	res, err := drain(r.Context())
	if err != nil {
		s.respondFailure(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "habitsync agent",
		"version":   Version,
		"timestamp": s.now(),
		"endpoints": []string{
			"GET /health",
			"GET /health/live",
			"GET /health/ready",
			"GET /status",
			"GET /notifications?limit=N",
			"GET /dead-letters",
			"DELETE /dead-letters",
			"POST /drain?force=true",
			"GET /info",
		},
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served", map[string]interface{}{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": s.now().Sub(start).String(),
		})
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

func (s *Server) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": s.now(),
	})
}

func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	statusCode := http.StatusInternalServerError
	if errors.HasCode(err, errors.ErrCodeNotInitialized) {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondError(w, statusCode, err.Error())
}

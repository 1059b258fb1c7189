// Package transport provides the HTTP API and the websocket TPS stream.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gateway-fm/chainhammer/internal/dispatch"
	"github.com/gateway-fm/chainhammer/internal/experiment"
	"github.com/gateway-fm/chainhammer/internal/ledger"
	"github.com/gateway-fm/chainhammer/internal/storage"
	"github.com/gateway-fm/chainhammer/pkg/types"
)

// Input validation constants
const (
	maxCount     = 10_000_000
	maxWorkers   = 10_000
	maxBatchSize = 10_000

	defaultHistoryLimit = 50
	maxHistoryLimit     = 100
)

// validateRunRequest validates and normalizes a run request.
func validateRunRequest(req *types.RunRequest) error {
	if req.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", req.Count)
	}
	if req.Count > maxCount {
		return fmt.Errorf("count exceeds maximum of %d", maxCount)
	}

	if req.Strategy == "" {
		req.Strategy = string(dispatch.StrategyPool)
	}
	if _, err := dispatch.ParseStrategy(req.Strategy); err != nil {
		return err
	}

	if req.Workers < 0 {
		return fmt.Errorf("workers cannot be negative, got %d", req.Workers)
	}
	if req.Workers > maxWorkers {
		return fmt.Errorf("workers exceeds maximum of %d", maxWorkers)
	}
	if req.BatchSize < 0 {
		return fmt.Errorf("batchSize cannot be negative, got %d", req.BatchSize)
	}
	if req.BatchSize > maxBatchSize {
		return fmt.Errorf("batchSize exceeds maximum of %d", maxBatchSize)
	}
	return nil
}

// RunController starts and reports API-driven sender runs.
type RunController interface {
	Start(req types.RunRequest) error
	State() types.RunState
}

// HealthChecker reports whether the node behind the API answers.
type HealthChecker interface {
	Health(ctx context.Context) types.HealthResponse
}

// Config configures a Server. Runner and Store are optional; the routes that
// need them answer 501 and 503 respectively when they are missing.
type Config struct {
	Ledger *ledger.Ledger
	Runner RunController
	Store  storage.Storage
	Health HealthChecker
	Stream *WebSocketServer

	// CORSAllowedOrigins is a comma separated list; empty or "*" allows all.
	CORSAllowedOrigins string
	Logger             *slog.Logger
}

// Server handles HTTP requests for chainhammer.
type Server struct {
	ledger    *ledger.Ledger
	runner    RunController
	store     storage.Storage
	health    HealthChecker
	wsServer  *WebSocketServer
	logger    *slog.Logger
	startTime time.Time

	// CORS configuration
	corsAllowedOrigins []string
	corsAllowAll       bool
}

// NewServer creates a new HTTP server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("transport: ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Stream == nil {
		cfg.Stream = NewWebSocketServer(cfg.Logger)
	}

	s := &Server{
		ledger:    cfg.Ledger,
		runner:    cfg.Runner,
		store:     cfg.Store,
		health:    cfg.Health,
		wsServer:  cfg.Stream,
		logger:    cfg.Logger,
		startTime: time.Now(),
	}

	origins := strings.TrimSpace(cfg.CORSAllowedOrigins)
	if origins == "" || origins == "*" {
		s.corsAllowAll = true
	} else {
		for _, o := range strings.Split(origins, ",") {
			s.corsAllowedOrigins = append(s.corsAllowedOrigins, strings.TrimSpace(o))
		}
	}
	return s, nil
}

// Stream returns the websocket server samples are published to.
func (s *Server) Stream() *WebSocketServer {
	return s.wsServer
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/experiment", s.corsMiddleware(s.handleExperiment))
	mux.HandleFunc("/v1/history", s.corsMiddleware(s.handleHistory))
	mux.HandleFunc("/v1/history/", s.corsMiddleware(s.handleHistoryDetail))
	mux.HandleFunc("/v1/ws", s.wsServer.Handler())

	// Health endpoint (unversioned, Kubernetes probes)
	mux.HandleFunc("/health", s.handleHealth)

	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// corsMiddleware adds CORS headers based on the configured allowed origins.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if s.corsAllowAll {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, o := range s.corsAllowedOrigins {
				if o == origin {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
					break
				}
			}
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// handleExperiment returns the experiment record on GET and starts a run on POST.
func (s *Server) handleExperiment(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		record, err := s.ledger.ReadRaw()
		if err != nil {
			s.writeJSONError(w, "Failed to read experiment record: "+err.Error(), http.StatusInternalServerError)
			return
		}
		resp := types.ExperimentResponse{Record: record, Run: types.RunState{Status: types.StatusIdle}}
		if s.runner != nil {
			resp.Run = s.runner.State()
		}
		s.writeJSON(w, http.StatusOK, resp)

	case http.MethodPost:
		if s.runner == nil {
			s.writeJSONError(w, "Runs are not enabled on this server", http.StatusNotImplemented)
			return
		}
		var req types.RunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateRunRequest(&req); err != nil {
			s.writeJSONError(w, "Validation error: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.runner.Start(req); err != nil {
			if errors.Is(err, experiment.ErrRunInProgress) {
				s.writeJSONError(w, err.Error(), http.StatusConflict)
				return
			}
			s.logger.Error("Failed to start run", slog.String("error", err.Error()))
			s.writeJSONError(w, "Failed to start run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHistory returns stored experiments, newest first.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.store == nil {
		s.writeJSONError(w, "History is not enabled on this server", http.StatusServiceUnavailable)
		return
	}

	limit := defaultHistoryLimit
	offset := 0
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxHistoryLimit {
		limit = l
	}
	if o, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && o >= 0 {
		offset = o
	}

	result, err := s.store.ListExperiments(r.Context(), limit, offset)
	if err != nil {
		s.writeJSONError(w, "Failed to get history: "+err.Error(), http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// handleHistoryDetail handles GET and DELETE /v1/history/{id}.
func (s *Server) handleHistoryDetail(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeJSONError(w, "History is not enabled on this server", http.StatusServiceUnavailable)
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/history/"), "/")
	if id == "" {
		s.writeJSONError(w, "Missing experiment ID", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		detail, err := s.store.GetExperiment(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSONError(w, "Experiment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.writeJSONError(w, "Failed to get experiment: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, detail)

	case http.MethodDelete:
		err := s.store.DeleteExperiment(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSONError(w, "Experiment not found", http.StatusNotFound)
			return
		}
		if err != nil {
			s.writeJSONError(w, "Failed to delete experiment: "+err.Error(), http.StatusInternalServerError)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})

	default:
		s.writeJSONError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleHealth reports the node's reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := types.HealthResponse{Status: "healthy"}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		resp = s.health.Health(ctx)
		cancel()
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Failed to write response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSON(w, statusCode, map[string]string{"error": message})
}

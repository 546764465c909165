// Package server provides the admin HTTP server: metrics, health checks and
// read-only checkpoint queries.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	indexerrors "github.com/devrev/indexstore/internal/errors"
	"github.com/devrev/indexstore/internal/model"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CheckpointReader resolves checkpoints by height
type CheckpointReader interface {
	Get(ctx context.Context, height uint64) (*model.ProofOfIndex, error)
}

// RootReader resolves MMR roots by leaf index
type RootReader interface {
	Root(ctx context.Context, leafIndex uint64) ([]byte, error)
	LeafLength(ctx context.Context) (uint64, error)
}

// Pinger reports backing store reachability
type Pinger interface {
	Ping(ctx context.Context) error
}

// AdminServerConfig holds admin server configuration
type AdminServerConfig struct {
	Host         string
	Port         int
	MetricsPath  string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Dependencies are the services the admin endpoints read from. Nil members
// disable their endpoints.
type Dependencies struct {
	Store       Pinger
	Checkpoints CheckpointReader
	Roots       RootReader
	Gatherer    prometheus.Gatherer
}

// AdminServer serves metrics, health checks and checkpoint queries over HTTP
type AdminServer struct {
	router     *mux.Router
	httpServer *http.Server
	deps       Dependencies
	logger     *zap.Logger
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

type checkpointResponse struct {
	Height            uint64 `json:"height"`
	ProjectID         string `json:"project_id"`
	ChainBlockHash    string `json:"chain_block_hash"`
	OperationHashRoot string `json:"operation_hash_root"`
	ParentHash        string `json:"parent_hash"`
	Hash              string `json:"hash"`
	MMRRoot           string `json:"mmr_root,omitempty"`
}

type rootResponse struct {
	LeafIndex uint64 `json:"leaf_index"`
	LeafCount uint64 `json:"leaf_count"`
	Root      string `json:"root"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Code      int    `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// NewAdminServer creates the server and its routes
func NewAdminServer(cfg *AdminServerConfig, deps Dependencies, logger *zap.Logger) *AdminServer {
	router := mux.NewRouter()
	s := &AdminServer{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger,
	}

	router.Use(s.requestID, s.logRequests)

	if deps.Gatherer != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	router.HandleFunc("/poi/{height:[0-9]+}", s.checkpointHandler).Methods(http.MethodGet)
	router.HandleFunc("/mmr/root/{leaf:[0-9]+}", s.rootHandler).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, r, http.StatusNotFound, indexerrors.NotFound("endpoint"))
	})
	return s
}

// Handler returns the routed handler
func (s *AdminServer) Handler() http.Handler { return s.router }

// Start serves in the background
func (s *AdminServer) Start() error {
	s.logger.Info("Starting admin server", zap.String("addr", s.httpServer.Addr))
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server failed", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully stops the server
func (s *AdminServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping admin server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown failed: %w", err)
	}
	return nil
}

func (s *AdminServer) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
			r.Header.Set("X-Request-ID", id)
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *AdminServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", r.Header.Get("X-Request-ID")))
	})
}

func (s *AdminServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthStatus{Status: "alive", Timestamp: time.Now().Unix()})
}

func (s *AdminServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	ready := true

	if s.deps.Store != nil {
		if err := s.deps.Store.Ping(ctx); err != nil {
			s.logger.Error("Backing store health check failed", zap.Error(err))
			checks["store"] = "unhealthy: " + err.Error()
			ready = false
		} else {
			checks["store"] = "healthy"
		}
	}
	if s.deps.Roots != nil {
		if _, err := s.deps.Roots.LeafLength(ctx); err != nil {
			s.logger.Error("MMR node store health check failed", zap.Error(err))
			checks["mmr"] = "unhealthy: " + err.Error()
			ready = false
		} else {
			checks["mmr"] = "healthy"
		}
	}

	status := HealthStatus{Status: "ready", Timestamp: time.Now().Unix(), Checks: checks}
	code := http.StatusOK
	if !ready {
		status.Status = "not_ready"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *AdminServer) checkpointHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Checkpoints == nil {
		s.writeError(w, r, http.StatusNotFound, indexerrors.NotFound("checkpoints"))
		return
	}
	height, err := strconv.ParseUint(mux.Vars(r)["height"], 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, indexerrors.InvalidArgument("invalid height", err))
		return
	}

	p, err := s.deps.Checkpoints.Get(r.Context(), height)
	if err != nil {
		s.writeError(w, r, httpStatus(err), err)
		return
	}

	resp := checkpointResponse{
		Height:            p.Height,
		ProjectID:         p.ProjectID,
		ChainBlockHash:    hexString(p.ChainBlockHash),
		OperationHashRoot: hexString(p.OperationHashRoot),
		ParentHash:        hexString(p.ParentHash),
		Hash:              hexString(p.Hash),
	}
	if p.MMRRoot != nil {
		resp.MMRRoot = hexString(p.MMRRoot)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *AdminServer) rootHandler(w http.ResponseWriter, r *http.Request) {
	if s.deps.Roots == nil {
		s.writeError(w, r, http.StatusNotFound, indexerrors.NotFound("mmr"))
		return
	}
	leaf, err := strconv.ParseUint(mux.Vars(r)["leaf"], 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, indexerrors.InvalidArgument("invalid leaf index", err))
		return
	}

	length, err := s.deps.Roots.LeafLength(r.Context())
	if err != nil {
		s.writeError(w, r, httpStatus(err), err)
		return
	}
	root, err := s.deps.Roots.Root(r.Context(), leaf)
	if err != nil {
		s.writeError(w, r, httpStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, rootResponse{LeafIndex: leaf, LeafCount: length, Root: hexString(root)})
}

func (s *AdminServer) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, errorResponse{
		Status:    "error",
		Code:      int(indexerrors.GetCode(err)),
		Message:   err.Error(),
		RequestID: r.Header.Get("X-Request-ID"),
	})
}

// httpStatus maps an error code to an HTTP status
func httpStatus(err error) int {
	switch indexerrors.GetCode(err) {
	case indexerrors.ErrCodeNotFound:
		return http.StatusNotFound
	case indexerrors.ErrCodeInvalidArgument,
		indexerrors.ErrCodeInvalidValue,
		indexerrors.ErrCodeUnsupportedOperator,
		indexerrors.ErrCodeMissingInput:
		return http.StatusBadRequest
	case indexerrors.ErrCodeOutOfOrder, indexerrors.ErrCodeRootMismatch:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func hexString(b []byte) string {
	return fmt.Sprintf("0x%x", b)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

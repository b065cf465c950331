package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/taskfabric/internal/model"
	"github.com/t77yq/taskfabric/internal/monitor"
	"github.com/t77yq/taskfabric/internal/storage"
)

// LoadSource provides the local load fraction
type LoadSource interface {
	Current() float64
}

// PeerLister provides the registry snapshot served on /peers
type PeerLister interface {
	Snapshot() []model.PeerNode
}

// ServerConfig defines configuration for the peer-facing endpoint
type ServerConfig struct {
	NodeID       string
	ListenAddr   string
	SharedSecret string
	Project      model.ProjectInfo
}

// ServerOption configures optional collaborators of a Server
type ServerOption func(*Server)

// WithPeers exposes the registry snapshot on /peers
func WithPeers(peers PeerLister) ServerOption {
	return func(s *Server) { s.peers = peers }
}

// WithHistory exposes submission history on /tasks
func WithHistory(history storage.TaskHistoryStorage) ServerOption {
	return func(s *Server) { s.history = history }
}

// WithMetrics counts requests and serves /metrics
func WithMetrics(metrics *monitor.Metrics) ServerOption {
	return func(s *Server) { s.metrics = metrics }
}

// Server receives offloaded calls from peers and answers load, health and identity queries
type Server struct {
	config     ServerConfig
	logger     *zap.Logger
	functions  *FunctionTable
	load       LoadSource
	peers      PeerLister
	history    storage.TaskHistoryStorage
	metrics    *monitor.Metrics
	mux        *http.ServeMux
	httpServer *http.Server
	listener   net.Listener
	wg         sync.WaitGroup
}

// NewServer creates a new RPC server
func NewServer(config ServerConfig, functions *FunctionTable, load LoadSource, logger *zap.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config:    config,
		logger:    logger.Named("rpc-server"),
		functions: functions,
		load:      load,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("POST "+PathRun, s.handleRun)
	s.mux.HandleFunc("GET "+PathLoad, s.handleLoad)
	s.mux.HandleFunc("GET "+PathHealth, s.handleHealth)
	s.mux.HandleFunc("GET "+PathPing, s.handlePing)
	s.mux.HandleFunc("GET "+PathProjectInfo, s.handleProjectInfo)
	s.mux.HandleFunc("GET "+PathPeers, s.handlePeers)
	s.mux.HandleFunc("GET "+PathTasks, s.handleTasks)
	s.mux.Handle("GET "+PathMetrics, s.metrics.Handler())

	return s
}

// Handler returns the HTTP handler, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      5 * time.Minute,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("RPC server error", zap.Error(err))
		}
	}()

	s.logger.Info("RPC server started", zap.String("addr", listener.Addr().String()))
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.ListenAddr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	s.logger.Info("RPC server stopped")
	return err
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	req, err := DecodeRequest(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.metrics.RecordRPC("unknown", "bad_request")
		writeResult(w, http.StatusBadRequest, model.Err(model.ErrorKindBadRequest, err.Error()))
		return
	}

	label := req.Function
	if _, ok := s.functions.Lookup(req.Function); !ok {
		label = "unknown"
	}

	if subtle.ConstantTimeCompare([]byte(req.Credential), []byte(s.config.SharedSecret)) != 1 {
		s.logger.Warn("Rejected RPC with invalid credential",
			zap.String("function", req.Function),
			zap.String("remote_addr", r.RemoteAddr))
		s.metrics.RecordRPC(label, "auth_failed")
		writeResult(w, http.StatusUnauthorized, model.Err(model.ErrorKindAuthentication, "invalid credential"))
		return
	}

	start := time.Now()
	res := s.functions.Invoke(r.Context(), req.Function, req.Args, req.Kwargs)

	status := http.StatusOK
	outcome := "ok"
	switch {
	case res.Kind == model.ErrorKindLookup:
		status, outcome = http.StatusNotFound, "unknown_function"
	case res.Failed():
		status, outcome = http.StatusInternalServerError, "execution_failed"
	}
	s.metrics.RecordRPC(label, outcome)

	s.logger.Info("Executed offloaded call",
		zap.String("function", req.Function),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)))

	writeResult(w, status, res)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"usage": s.load.Current()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"node_id": s.config.NodeID,
	})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "online"})
}

func (s *Server) handleProjectInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config.Project)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := []model.PeerNode{}
	if s.peers != nil {
		peers = s.peers.Snapshot()
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, []*storage.TaskHistory{})
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 200)
	}

	histories, err := s.history.List(r.Context(), nil, 0, limit)
	if err != nil {
		s.logger.Error("Failed to list task history", zap.Error(err))
		http.Error(w, "failed to list task history", http.StatusInternalServerError)
		return
	}
	if histories == nil {
		histories = []*storage.TaskHistory{}
	}
	writeJSON(w, http.StatusOK, histories)
}

func writeResult(w http.ResponseWriter, status int, res model.TaskResult) {
	data, err := EncodeResult(res)
	if err != nil {
		data, _ = EncodeResult(model.Err(model.ErrorKindExecution, err.Error()))
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

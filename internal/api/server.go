// Package api serves the collector's query and streaming surface: REST
// endpoints over the metric store, live pass-throughs to the FL server and
// Policy Engine, and a WebSocket channel pushing periodic updates.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flstack/netplane/internal/config"
	"github.com/flstack/netplane/internal/middleware"
	"github.com/flstack/netplane/internal/monitor"
	"github.com/flstack/netplane/internal/policyclient"
	"github.com/flstack/netplane/internal/sdnclient"
	"github.com/flstack/netplane/internal/selfmetrics"
	"github.com/flstack/netplane/internal/storage"
)

// APIVersion tags every /api/metrics/fl/rounds response.
const APIVersion = "1.0"

// Server is the HTTP/WebSocket API server.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	network *monitor.NetworkMonitor
	flMon   *monitor.FLMonitor
	fl      *monitor.FLClient
	pe      *policyclient.Client
	sdn     *sdnclient.Client
	metrics *selfmetrics.Metrics
	logger  *slog.Logger

	flCache *ttlCache
	limiter *middleware.RateLimiter
	started time.Time
	httpSrv *http.Server
}

// New wires the server to its data sources.
func New(cfg *config.Config, store *storage.Store, network *monitor.NetworkMonitor, flMon *monitor.FLMonitor, fl *monitor.FLClient, pe *policyclient.Client, sdn *sdnclient.Client, metrics *selfmetrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   store,
		network: network,
		flMon:   flMon,
		fl:      fl,
		pe:      pe,
		sdn:     sdn,
		metrics: metrics,
		logger:  logger.With("component", "api"),
		flCache: newTTLCache(10 * time.Second),
		started: time.Now(),
	}
}

// Router builds the full route table with CORS, rate limiting and auth.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	if s.cfg.API.EnableCORS {
		r.Use(s.corsMiddleware)
	}
	r.Use(s.countRequests)

	s.limiter = middleware.NewRateLimiter(s.cfg.API.RateLimitPerMin, s.logger)
	r.Use(s.limiter.Middleware)

	// Unauthenticated surface: probes, Prometheus scrape, streaming.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/status", s.handleStatus).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/socket.io/", s.handleWebSocket)

	auth := middleware.NewBasicAuth(s.cfg.API.AuthEnabled, s.cfg.API.Username, s.cfg.API.Password, s.logger)
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)

	api.HandleFunc("/", s.handleIndex).Methods("GET")
	api.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	api.HandleFunc("/metrics/latest", s.handleMetricsLatest).Methods("GET")
	api.HandleFunc("/metrics/fl", s.handleFLMetrics).Methods("GET")
	api.HandleFunc("/metrics/fl/rounds", s.handleFLRounds).Methods("GET")
	api.HandleFunc("/metrics/fl/status", s.handleFLStatus).Methods("GET")
	api.HandleFunc("/metrics/fl/config", s.handleFLConfig).Methods("GET")
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/events/summary", s.handleEventsSummary).Methods("GET")
	api.HandleFunc("/policy/decisions", s.handlePolicyDecisions).Methods("GET")
	api.HandleFunc("/policy/validate", s.handlePolicyValidate).Methods("POST")
	api.HandleFunc("/network/topology", s.handleTopology).Methods("GET")
	api.HandleFunc("/network/topology/live", s.handleTopologyLive).Methods("GET")
	api.HandleFunc("/network/flows", s.handleNetworkFlows).Methods("GET")
	api.HandleFunc("/performance/metrics", s.handlePerformance).Methods("GET")
	api.HandleFunc("/flows/statistics", s.handleFlowStatistics).Methods("GET")
	api.HandleFunc("/debug/optimize", s.handleOptimize).Methods("POST")

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("api server listening", "addr", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	origins := "*"
	if len(s.cfg.API.AllowedOrigins) > 0 && s.cfg.API.AllowedOrigins[0] != "*" {
		origins = s.cfg.API.AllowedOrigins[0]
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origins)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// countRequests feeds the per-route request counter.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			class := strconv.Itoa(rec.status/100) + "xx"
			s.metrics.APIRequests.WithLabelValues(r.URL.Path, class).Inc()
		}
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

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": msg})
}

// queryInt parses an integer query parameter with a default.
func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// queryFloat parses a float query parameter; ok is false when absent.
func queryFloat(r *http.Request, key string) (float64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func queryBool(r *http.Request, key string) bool {
	switch r.URL.Query().Get(key) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

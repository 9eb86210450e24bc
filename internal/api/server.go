// Package api exposes the gateway's HTTP surface: the protected proxy
// catch-all, the challenge verification endpoint, the admin API, the
// dashboard feeds, health and metrics.
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gazorpazorp/gateway/internal/challenge"
	"github.com/gazorpazorp/gateway/internal/events"
	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/intent"
	"github.com/gazorpazorp/gateway/internal/kv"
	"github.com/gazorpazorp/gateway/internal/metrics"
	"github.com/gazorpazorp/gateway/internal/pipeline"
	"github.com/gazorpazorp/gateway/internal/policy"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

// Server owns the router and the handlers that live outside the pipeline.
type Server struct {
	router     *mux.Router
	pipeline   *pipeline.Pipeline
	verifier   *verifier.Verifier
	agents     *identity.Store
	challenges *challenge.Service
	bus        *events.Bus
	cache      *intent.Cache
	engine     *policy.Engine
	metrics    *metrics.Metrics
	kv         kv.Store
	registry   *prometheus.Registry
	adminToken string
}

// Options collects the server's collaborators.
type Options struct {
	Pipeline   *pipeline.Pipeline
	Verifier   *verifier.Verifier
	Agents     *identity.Store
	Challenges *challenge.Service
	Bus        *events.Bus
	Cache      *intent.Cache
	Engine     *policy.Engine
	Metrics    *metrics.Metrics
	KV         kv.Store
	Registry   *prometheus.Registry
	AdminToken string
}

// NewServer builds the router. Everything not matched by a control route
// falls through to the evaluation pipeline.
func NewServer(opts Options) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		pipeline:   opts.Pipeline,
		verifier:   opts.Verifier,
		agents:     opts.Agents,
		challenges: opts.Challenges,
		bus:        opts.Bus,
		cache:      opts.Cache,
		engine:     opts.Engine,
		metrics:    opts.Metrics,
		kv:         opts.KV,
		registry:   opts.Registry,
		adminToken: opts.AdminToken,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.loggingMiddleware, corsMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	s.router.HandleFunc("/api/challenge/verify", s.handleChallengeVerify).Methods(http.MethodPost)

	dash := s.router.PathPrefix("/api/dashboard").Subrouter()
	dash.HandleFunc("/events", s.handleDashboardEvents).Methods(http.MethodGet)
	dash.HandleFunc("/stream", s.handleDashboardStream).Methods(http.MethodGet)
	dash.HandleFunc("/ws", s.handleDashboardWS).Methods(http.MethodGet)

	admin := s.router.PathPrefix("/api/admin").Subrouter()
	admin.Use(s.adminAuthMiddleware)
	admin.HandleFunc("/agents", s.handleRegisterAgent).Methods(http.MethodPost)
	admin.HandleFunc("/agents/{fingerprint}", s.handleGetAgent).Methods(http.MethodGet)
	admin.HandleFunc("/agents/{fingerprint}", s.handleDeleteAgent).Methods(http.MethodDelete)
	admin.HandleFunc("/policies", s.handleListPolicies).Methods(http.MethodGet)
	admin.HandleFunc("/cache/invalidate", s.handleCacheInvalidate).Methods(http.MethodPost)
	admin.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	// Everything else is a protected upstream request.
	s.router.PathPrefix("/").Handler(s.pipeline)
}

// Handler returns the root handler for the HTTP server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.kv.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  "kv unreachable",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChallengeVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChallengeID string `json:"challengeId"`
		Solution    string `json:"solution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChallengeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "challengeId and solution are required"})
		return
	}

	err := s.challenges.Verify(r.Context(), req.ChallengeID, req.Solution)
	switch {
	case err == nil:
		s.metrics.RecordChallengeVerify(true)
		writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
	case err == challenge.ErrNotFound:
		s.metrics.RecordChallengeVerify(false)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
	default:
		s.metrics.RecordChallengeVerify(false)
		writeJSON(w, http.StatusForbidden, map[string]string{
			"status": "failed",
			"error":  "challenge verification failed",
		})
	}
}

// ==================== Middleware ====================

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token, X-Agent-Signature, X-Agent-Pubkey, X-Signed-Payload, X-Challenge-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" || r.Header.Get("X-Admin-Token") != s.adminToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
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

// Flush passes through so the SSE stream works behind the logger.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack passes through so the websocket upgrade works behind the logger.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/gazorpazorp/gateway/internal/identity"
	"github.com/gazorpazorp/gateway/internal/kv"
	"github.com/gazorpazorp/gateway/internal/verifier"
)

// registerAgentRequest is the admin registration payload. Permissions are
// optional; defaults apply when omitted.
type registerAgentRequest struct {
	PublicKey   string                `json:"publicKey"`
	Permissions *identity.Permissions `json:"permissions,omitempty"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "publicKey is required"})
		return
	}

	agent, err := s.verifier.Register(r.Context(), req.PublicKey, req.Permissions)
	if errors.Is(err, verifier.ErrBadPublicKey) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		slog.Error("agent registration failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]

	agent, err := s.agents.Get(r.Context(), fp)
	if errors.Is(err, kv.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	if err != nil {
		slog.Error("agent lookup failed", "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	log, err := s.agents.ReputationLog(r.Context(), fp, 20)
	if err != nil {
		log = nil
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent":         agent,
		"reputationLog": log,
	})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	fp := mux.Vars(r)["fingerprint"]
	if err := s.agents.Delete(r.Context(), fp); err != nil {
		slog.Error("agent delete failed", "fingerprint", fp, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "delete failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": s.engine.Rules()})
}

func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	n, err := s.cache.Invalidate(r.Context())
	if err != nil {
		slog.Error("cache invalidation failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "invalidation failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": n})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Stats())
}

// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the crew bus. It does no
// coordination of its own: every handler decodes JSON, calls one
// operation on the underlying component, and encodes the outcome.
// Routing and policy outcomes (blocked, held) are ok:false payloads,
// not HTTP errors; only malformed input and missing resources map to
// 4xx status codes.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/router"
	"github.com/crew-bus/crew-bus/skillhealth"
	"github.com/crew-bus/crew-bus/store"
	"github.com/crew-bus/crew-bus/trust"
	"github.com/crew-bus/crew-bus/vault"
	"github.com/crew-bus/crew-bus/vetting"
)

// Deps are the components the server fronts. All are required.
type Deps struct {
	Store     *store.Store
	Router    *router.Router
	Registry  *registry.Registry
	Pipeline  *vetting.Pipeline
	Monitor   *skillhealth.Monitor
	Vault     *vault.Vault
	Decisions *trust.DecisionLog
}

// Server serves the crew bus HTTP API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// New creates a server over the given components.
func New(deps Deps) *Server {
	return &Server{
		deps:   deps,
		logger: deps.Store.Logger().With("component", "server"),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/compose", s.handleCompose)
	mux.HandleFunc("POST /v1/escalate", s.handleEscalate)
	mux.HandleFunc("GET /v1/messages", s.handleMessages)

	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleAgentGet)
	mux.HandleFunc("POST /v1/agents/create", s.handleAgentCreate)
	mux.HandleFunc("POST /v1/agents/{id}/rename", s.handleAgentRename)
	mux.HandleFunc("POST /v1/agents/{id}/terminate", s.handleAgentTerminate)
	mux.HandleFunc("POST /v1/agents/{id}/quarantine", s.handleAgentQuarantine)
	mux.HandleFunc("POST /v1/agents/{id}/restore", s.handleAgentRestore)

	mux.HandleFunc("GET /v1/trust", s.handleTrustGet)
	mux.HandleFunc("POST /v1/trust", s.handleTrustSet)
	mux.HandleFunc("GET /v1/trust/decisions", s.handleTrustDecisions)
	mux.HandleFunc("POST /v1/trust/feedback", s.handleTrustFeedback)
	mux.HandleFunc("GET /v1/burnout", s.handleBurnoutGet)
	mux.HandleFunc("POST /v1/burnout", s.handleBurnoutSet)

	mux.HandleFunc("POST /v1/skills/vet", s.handleSkillVet)
	mux.HandleFunc("POST /v1/skills/approve", s.handleSkillApprove)
	mux.HandleFunc("POST /v1/skills/install", s.handleSkillInstall)
	mux.HandleFunc("POST /v1/skills/restore", s.handleSkillRestore)
	mux.HandleFunc("GET /v1/skills/health", s.handleSkillHealth)

	mux.HandleFunc("POST /v1/sessions/open", s.handleSessionOpen)
	mux.HandleFunc("POST /v1/sessions/{id}/post", s.handleSessionPost)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSessionGet)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, map[string]bool{"ok": true})
	})

	return mux
}

// decode reads a JSON request body into v. A failure writes the 400
// response itself; callers return on false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "decoding request body: %v", err)
		return false
	}
	return true
}

// pathID parses the {id} segment. A failure writes the 400 response
// itself; callers return on zero.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request) int64 {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.sendError(w, http.StatusBadRequest, "bad id %q", r.PathValue("id"))
		return 0
	}
	return id
}

// queryLimit parses an optional ?limit= parameter, falling back to
// def. A failure writes the 400 response itself.
func (s *Server) queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		s.sendError(w, http.StatusBadRequest, "bad limit %q", v)
		return 0, false
	}
	return n, true
}

// sendComponentError maps a component error onto an HTTP status.
func (s *Server) sendComponentError(w http.ResponseWriter, err error) {
	var verr *crew.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendError(w, http.StatusBadRequest, "%v", err)
	case errors.Is(err, registry.ErrAgentNotFound),
		errors.Is(err, vault.ErrSessionNotFound),
		errors.Is(err, vetting.ErrSkillNotFound),
		errors.Is(err, skillhealth.ErrNotInstalled),
		errors.Is(err, trust.ErrDecisionNotFound):
		s.sendError(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, vault.ErrNotParticipant):
		s.sendError(w, http.StatusForbidden, "%v", err)
	case errors.Is(err, vault.ErrSessionClosed),
		errors.Is(err, skillhealth.ErrNotQuarantined),
		errors.Is(err, skillhealth.ErrVettingRejected):
		s.sendError(w, http.StatusConflict, "%v", err)
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "%v", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, status int, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"ok":    false,
		"error": fmt.Sprintf(format, args...),
	}); err != nil {
		s.logger.Warn("writing JSON error response", "error", err, "status", status)
	}
}

// writeJSON encodes value into w. An encoding failure usually means
// the client disconnected; it is logged, not recovered.
func (s *Server) writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Warn("writing JSON response", "error", err)
	}
}

// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"time"

	"github.com/crew-bus/crew-bus/registry"
)

type agentJSON struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Type         string `json:"type"`
	ParentID     int64  `json:"parent_id,omitempty"`
	Status       string `json:"status"`
	TrustScore   int    `json:"trust_score"`
	BurnoutScore int    `json:"burnout_score"`
	Model        string `json:"model,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func agentToJSON(a registry.Agent) agentJSON {
	return agentJSON{
		ID:           a.ID,
		Name:         a.Name,
		Type:         string(a.Type),
		ParentID:     a.ParentID,
		Status:       string(a.Status),
		TrustScore:   a.TrustScore,
		BurnoutScore: a.BurnoutScore,
		Model:        a.Model,
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Registry.List(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	out := make([]agentJSON, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentToJSON(a))
	}
	s.writeJSON(w, map[string]any{"ok": true, "agents": out})
}

func (s *Server) handleAgentGet(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	agent, err := s.deps.Registry.Get(r.Context(), id)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "agent": agentToJSON(agent)})
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Type     string `json:"type"`
		ParentID int64  `json:"parent_id"`
		Model    string `json:"model"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	agent, err := s.deps.Registry.Create(r.Context(), req.Name, registry.AgentType(req.Type), req.ParentID, req.Model)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "agent": agentToJSON(agent)})
}

func (s *Server) handleAgentRename(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	s.lifecycle(w, r, func() error { return s.deps.Registry.Rename(r.Context(), id, req.Name) })
}

func (s *Server) handleAgentTerminate(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	s.lifecycle(w, r, func() error { return s.deps.Registry.Terminate(r.Context(), id) })
}

func (s *Server) handleAgentQuarantine(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	s.lifecycle(w, r, func() error { return s.deps.Registry.Quarantine(r.Context(), id) })
}

func (s *Server) handleAgentRestore(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	s.lifecycle(w, r, func() error { return s.deps.Registry.Restore(r.Context(), id) })
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func() error) {
	if err := op(); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/crew-bus/crew-bus/skillhealth"
	"github.com/crew-bus/crew-bus/vetting"
)

type skillJSON struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Source      string `json:"source"`
	Verdict     string `json:"verdict"`
	RiskScore   int    `json:"risk_score"`
	ContentHash string `json:"content_hash"`
}

func skillToJSON(sk vetting.Skill) skillJSON {
	return skillJSON{
		ID:          sk.ID,
		Name:        sk.Name,
		Source:      sk.Source,
		Verdict:     string(sk.Verdict),
		RiskScore:   sk.RiskScore,
		ContentHash: sk.ContentHash,
	}
}

type healthJSON struct {
	AgentID          int64  `json:"agent_id"`
	SkillID          int64  `json:"skill_id"`
	SkillName        string `json:"skill_name"`
	State            string `json:"state"`
	Score            int    `json:"score"`
	TotalUses        int    `json:"total_uses"`
	ErrorCount       int    `json:"error_count"`
	CharterCount     int    `json:"charter_count"`
	IntegrityCount   int    `json:"integrity_count"`
	AvgResponseMS    int    `json:"avg_response_ms"`
	QuarantineReason string `json:"quarantine_reason,omitempty"`
	UpdatedAt        string `json:"updated_at"`
}

func healthToJSON(h *skillhealth.Health) healthJSON {
	return healthJSON{
		AgentID:          h.AgentID,
		SkillID:          h.SkillID,
		SkillName:        h.SkillName,
		State:            string(h.State),
		Score:            h.Score,
		TotalUses:        h.TotalUses,
		ErrorCount:       h.ErrorCount,
		CharterCount:     h.CharterCount,
		IntegrityCount:   h.IntegrityCount,
		AvgResponseMS:    h.AvgResponseMS,
		QuarantineReason: h.QuarantineReason,
		UpdatedAt:        h.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleSkillVet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string          `json:"name"`
		Source   string          `json:"source"`
		Manifest json.RawMessage `json:"manifest"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Name == "" || len(req.Manifest) == 0 {
		s.sendError(w, http.StatusBadRequest, "name and manifest are required")
		return
	}
	if req.Source == "" {
		req.Source = vetting.SourceCommunity
	}
	skill, err := s.deps.Pipeline.Vet(r.Context(), req.Name, req.Source, req.Manifest)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "skill": skillToJSON(skill)})
}

func (s *Server) handleSkillApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SkillID int64 `json:"skill_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	skill, err := s.deps.Pipeline.Approve(r.Context(), req.SkillID)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "skill": skillToJSON(skill)})
}

func (s *Server) handleSkillInstall(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64 `json:"agent_id"`
		SkillID int64 `json:"skill_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Monitor.Install(r.Context(), req.AgentID, req.SkillID); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleSkillRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64 `json:"agent_id"`
		SkillID int64 `json:"skill_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Monitor.Restore(r.Context(), req.AgentID, req.SkillID); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

// handleSkillHealth reports skill health rows, for one agent when
// ?agent=ID is given, crew-wide otherwise.
func (s *Server) handleSkillHealth(w http.ResponseWriter, r *http.Request) {
	var agentID int64
	if v := r.URL.Query().Get("agent"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "bad agent id %q", v)
			return
		}
		agentID = n
	}
	rows, err := s.deps.Monitor.Report(r.Context(), agentID)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	out := make([]healthJSON, 0, len(rows))
	for _, h := range rows {
		out = append(out, healthToJSON(h))
	}
	s.writeJSON(w, map[string]any{"ok": true, "skills": out})
}

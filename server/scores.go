// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"time"
)

// The trust and burnout dials live on singleton agents: trust on Crew
// Boss, burnout on the human. The endpoints resolve them by type so
// callers never need to know ids.

func (s *Server) handleTrustGet(w http.ResponseWriter, r *http.Request) {
	boss, err := s.deps.Registry.CrewBoss(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	stats, err := s.deps.Decisions.StatsFor(r.Context(), boss.ID, boss.TrustScore)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{
		"ok":             true,
		"score":          boss.TrustScore,
		"decisions":      stats.Total,
		"overrides":      stats.Overrides,
		"accuracy_pct":   stats.AccuracyPct,
		"recommendation": stats.Recommendation,
	})
}

func (s *Server) handleTrustSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score int `json:"score"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	boss, err := s.deps.Registry.CrewBoss(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	if err := s.deps.Registry.SetTrustScore(r.Context(), boss.ID, req.Score); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "score": req.Score})
}

func (s *Server) handleTrustDecisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.queryLimit(w, r, 50)
	if !ok {
		return
	}
	decisions, err := s.deps.Decisions.Recent(r.Context(), limit)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(decisions))
	for _, d := range decisions {
		row := map[string]any{
			"id":         d.ID,
			"message_id": d.MessageID,
			"autonomy":   string(d.Autonomy),
			"reviewed":   d.Override != nil,
			"note":       d.Note,
			"created_at": d.CreatedAt.Format(time.RFC3339),
		}
		if d.Override != nil {
			row["override"] = *d.Override
		}
		out = append(out, row)
	}
	s.writeJSON(w, map[string]any{"ok": true, "decisions": out})
}

func (s *Server) handleTrustFeedback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DecisionID int64  `json:"decision_id"`
		Override   bool   `json:"override"`
		Note       string `json:"note"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.DecisionID == 0 {
		s.sendError(w, http.StatusBadRequest, "decision_id is required")
		return
	}
	if err := s.deps.Decisions.RecordFeedback(r.Context(), req.DecisionID, req.Override, req.Note); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleBurnoutGet(w http.ResponseWriter, r *http.Request) {
	human, err := s.deps.Registry.Human(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "score": human.BurnoutScore})
}

func (s *Server) handleBurnoutSet(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Score int `json:"score"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	human, err := s.deps.Registry.Human(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	if err := s.deps.Registry.SetBurnoutScore(r.Context(), human.ID, req.Score); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "score": req.Score})
}

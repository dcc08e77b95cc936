// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crew-bus/crew-bus/vault"
)

// Session reads are participant-authenticated: the caller states who
// is reading via ?reader=ID and the vault refuses anyone who does not
// hold a key. Metadata (participants, timestamps) is visible on the
// session object; transcript content only decrypts for participants.

type sessionJSON struct {
	ID        int64  `json:"id"`
	AgentID   int64  `json:"agent_id"`
	HumanID   int64  `json:"human_id"`
	StartedAt string `json:"started_at"`
	Active    bool   `json:"active"`
	EndedBy   string `json:"ended_by,omitempty"`
}

func sessionToJSON(sess vault.Session) sessionJSON {
	return sessionJSON{
		ID:        sess.ID,
		AgentID:   sess.AgentID,
		HumanID:   sess.HumanID,
		StartedAt: sess.StartedAt.UTC().Format(time.RFC3339),
		Active:    sess.Active,
		EndedBy:   sess.EndedBy,
	}
}

type entryJSON struct {
	From int64  `json:"from"`
	Text string `json:"text"`
	At   string `json:"at"`
}

func (s *Server) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AgentID int64 `json:"agent_id"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	human, err := s.deps.Registry.Human(r.Context())
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	sess, err := s.deps.Vault.Open(r.Context(), req.AgentID, human.ID)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "session": sessionToJSON(sess)})
}

func (s *Server) handleSessionPost(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	var req struct {
		From int64  `json:"from"`
		Text string `json:"text"`
	}
	if !s.decode(w, r, &req) {
		return
	}
	if req.Text == "" {
		s.sendError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.deps.Vault.Post(r.Context(), id, req.From, req.Text); err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	id := s.pathID(w, r)
	if id == 0 {
		return
	}
	reader, err := strconv.ParseInt(r.URL.Query().Get("reader"), 10, 64)
	if err != nil || reader <= 0 {
		s.sendError(w, http.StatusBadRequest, "reader query parameter is required")
		return
	}

	sess, err := s.deps.Vault.Get(r.Context(), id)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	entries, err := s.deps.Vault.Read(r.Context(), id, reader)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			From: e.From,
			Text: e.Text,
			At:   e.At.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, map[string]any{
		"ok":      true,
		"session": sessionToJSON(sess),
		"entries": out,
	})
}

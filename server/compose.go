// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/router"
)

type composeRequest struct {
	From     int64  `json:"from"`
	To       int64  `json:"to"`
	Type     string `json:"type"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
	Private  bool   `json:"private"`
}

type composeResponse struct {
	OK        bool               `json:"ok"`
	ID        int64              `json:"id,omitempty"`
	Status    crew.MessageStatus `json:"status,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Autonomy  config.Autonomy    `json:"autonomy,omitempty"`
	HoldUntil *time.Time         `json:"hold_until,omitempty"`
	Blocked   bool               `json:"blocked,omitempty"`
	Error     string             `json:"error,omitempty"`
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, router.SubmitRequest{
		From:     req.From,
		To:       req.To,
		Type:     crew.MessageType(req.Type),
		Subject:  req.Subject,
		Body:     req.Body,
		Priority: crew.Priority(req.Priority),
		Private:  req.Private,
	})
}

// handleEscalate is the compose endpoint with the type pinned to
// escalation, so a caller under duress cannot get it wrong.
func (s *Server) handleEscalate(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !s.decode(w, r, &req) {
		return
	}
	s.submit(w, r, router.SubmitRequest{
		From:     req.From,
		To:       req.To,
		Type:     crew.TypeEscalation,
		Subject:  req.Subject,
		Body:     req.Body,
		Priority: crew.Priority(req.Priority),
	})
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, req router.SubmitRequest) {
	result, err := s.deps.Router.Submit(r.Context(), req)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	resp := composeResponse{
		OK:       !result.Blocked(),
		ID:       result.ID,
		Status:   result.Status,
		Reason:   result.Reason,
		Autonomy: result.Autonomy,
	}
	if result.Blocked() {
		resp.Blocked = true
		resp.Error = result.Reason
	}
	if !result.HoldUntil.IsZero() {
		t := result.HoldUntil
		resp.HoldUntil = &t
	}
	s.writeJSON(w, resp)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var opts router.ListOptions
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "bad limit %q", v)
			return
		}
		opts.Limit = n
	}
	if v := q.Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.sendError(w, http.StatusBadRequest, "bad after cursor %q", v)
			return
		}
		opts.After = n
	}
	if v := q.Get("for"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "bad agent id %q", v)
			return
		}
		opts.For = n
	}

	messages, err := s.deps.Router.List(r.Context(), opts)
	if err != nil {
		s.sendComponentError(w, err)
		return
	}
	s.writeJSON(w, map[string]any{"ok": true, "messages": messages})
}

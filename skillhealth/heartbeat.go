// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package skillhealth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/store"
)

// escalateViolations is how many integrity or charter violations one
// agent may accumulate in the heartbeat window before Crew Boss is
// alerted. Second detection layer, independent of per-skill scores.
const escalateViolations = 3

// Heartbeat is the crew-wide integrity audit sweep. It scans recent
// audit events for violation clusters per agent and escalates to Crew
// Boss when one agent crosses the line, regardless of which skill (or
// no skill) was involved.
type Heartbeat struct {
	store    *store.Store
	interval time.Duration
	window   time.Duration
	logger   *slog.Logger
}

// NewHeartbeat creates the audit sweep. Interval is the cadence,
// window how far back each pass looks.
func NewHeartbeat(s *store.Store, interval, window time.Duration) *Heartbeat {
	return &Heartbeat{
		store:    s,
		interval: interval,
		window:   window,
		logger:   s.Logger().With("component", "heartbeat"),
	}
}

// Run sweeps on the configured interval until the context is
// cancelled.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := h.store.Clock().NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			escalated, err := h.Sweep(ctx)
			if err != nil {
				h.logger.Error("heartbeat sweep failed", "error", err)
				continue
			}
			if escalated > 0 {
				h.logger.Warn("heartbeat escalated agents", "count", escalated)
			}
		}
	}
}

// Sweep runs one audit pass and reports how many agents it escalated.
// An agent already escalated within the window is skipped, so a
// cancelled or repeated sweep never double-reports.
func (h *Heartbeat) Sweep(ctx context.Context) (int, error) {
	escalated := 0
	err := h.store.Write(ctx, func(conn *sqlite.Conn) error {
		now := h.store.Now()
		since := now.Add(-h.window)

		counts, err := audit.ViolationCounts(conn, since)
		if err != nil {
			return err
		}

		for agentID, n := range counts {
			if n < escalateViolations {
				continue
			}
			already, err := audit.CountSince(conn, audit.EventEscalation, agentID, since)
			if err != nil {
				return err
			}
			if already > 0 {
				continue
			}
			if err := h.escalate(conn, now, agentID, n); err != nil {
				return err
			}
			escalated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return escalated, nil
}

// escalate delivers an alert to Crew Boss about the offending agent
// and records the escalation. The alert goes straight to delivered:
// the safety channel is never held.
func (h *Heartbeat) escalate(conn *sqlite.Conn, now time.Time, agentID int64, violations int) error {
	boss, err := registry.GetAgentByType(conn, registry.TypeCrewBoss)
	if err != nil {
		return fmt.Errorf("skillhealth: heartbeat needs a crew boss: %w", err)
	}
	offender, err := registry.GetAgent(conn, agentID)
	if err != nil {
		return err
	}

	subject := fmt.Sprintf("conduct review: %s", offender.Name)
	body := fmt.Sprintf("%d integrity/charter violations from %s in the audit window; review recommended.",
		violations, offender.Name)
	err = sqlitex.Execute(conn, `
		INSERT INTO messages (from_agent_id, to_agent_id, message_type, subject, body,
			priority, status, reason, created_at, delivered_at)
		VALUES (?, ?, 'alert', ?, ?, 'high', 'delivered', 'heartbeat_audit', ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			agentID, boss.ID, subject, body, now.Unix(), now.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("skillhealth: heartbeat alert: %w", err)
	}

	_, err = audit.Insert(conn, now, audit.EventEscalation, agentID, map[string]any{
		"source":     "heartbeat_audit",
		"violations": violations,
	})
	return err
}

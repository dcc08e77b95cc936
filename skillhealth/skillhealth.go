// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package skillhealth scores installed skills against their runtime
// behavior. Every observed agent response updates rolling counters per
// (agent, skill) pair; the score is a weighted deduction from 100, and
// crossing the critical line quarantines the skill automatically —
// the agent keeps working, just without that skill. Quarantine is
// terminal until an explicit restore, which re-vets the content first.
package skillhealth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/store"
	"github.com/crew-bus/crew-bus/vetting"
)

// State of one (agent, skill) health record. Critical is transient:
// reaching it quarantines immediately, so it is never stored.
type State string

const (
	StateHealthy     State = "healthy"
	StateWarning     State = "warning"
	StateQuarantined State = "quarantined"
)

// Score thresholds separating the states.
const (
	warningBelow    = 70
	quarantineBelow = 30
)

var (
	// ErrNotInstalled is returned for health operations on a skill
	// the agent does not have.
	ErrNotInstalled = errors.New("skillhealth: skill not installed")

	// ErrNotQuarantined is returned when restore targets a skill
	// that is not quarantined.
	ErrNotQuarantined = errors.New("skillhealth: skill not quarantined")

	// ErrVettingRejected is returned when install or restore is
	// refused because vetting did not approve the skill.
	ErrVettingRejected = errors.New("skillhealth: vetting rejected skill")
)

// Health is one (agent, skill) scoring record.
type Health struct {
	ID                  int64
	AgentID             int64
	SkillID             int64
	SkillName           string
	State               State
	Score               int
	TotalUses           int
	ErrorCount          int
	CharterCount        int
	IntegrityCount      int
	LatencyAnomalyCount int
	AvgResponseMS       int
	BaselineResponseMS  int
	QuarantineReason    string
	UpdatedAt           time.Time
}

// Monitor owns skill installation and runtime scoring for one crew.
type Monitor struct {
	store  *store.Store
	cfg    config.SkillHealthConfig
	logger *slog.Logger
}

// NewMonitor creates a monitor over the shared store.
func NewMonitor(s *store.Store, cfg config.SkillHealthConfig) *Monitor {
	return &Monitor{
		store:  s,
		cfg:    cfg,
		logger: s.Logger().With("component", "skillhealth"),
	}
}

// Install attaches an approved skill to an agent and opens a fresh
// health record at 100. Installing a skill whose verdict is anything
// but approved fails with ErrVettingRejected. Reinstalling an already
// installed skill is a no-op.
func (m *Monitor) Install(ctx context.Context, agentID, skillID int64) error {
	return m.store.Write(ctx, func(conn *sqlite.Conn) error {
		skill, err := vetting.GetSkill(conn, skillID)
		if err != nil {
			return err
		}
		if skill.Verdict != vetting.VerdictApproved {
			return fmt.Errorf("skill %s verdict %s: %w", skill.Name, skill.Verdict, ErrVettingRejected)
		}
		return m.attach(conn, agentID, skillID)
	})
}

// attach inserts the agent_skills row and resets the health record.
// Shared by Install and the restore path.
func (m *Monitor) attach(conn *sqlite.Conn, agentID, skillID int64) error {
	now := m.store.Now().Unix()
	err := sqlitex.Execute(conn, `
		INSERT INTO agent_skills (agent_id, skill_id, installed_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, skill_id) DO NOTHING`,
		&sqlitex.ExecOptions{Args: []any{agentID, skillID, now}})
	if err != nil {
		return fmt.Errorf("skillhealth: installing skill %d on agent %d: %w", skillID, agentID, err)
	}
	err = sqlitex.Execute(conn, `
		INSERT INTO skill_health (agent_id, skill_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id, skill_id) DO UPDATE SET
			state = 'healthy', score = 100, total_uses = 0, error_count = 0,
			charter_count = 0, integrity_count = 0, latency_anomaly_count = 0,
			avg_response_ms = 0, baseline_response_ms = 0,
			quarantined_at = NULL, quarantine_reason = '', archived = 0,
			updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{agentID, skillID, now}})
	if err != nil {
		return fmt.Errorf("skillhealth: resetting health for skill %d on agent %d: %w", skillID, agentID, err)
	}
	return nil
}

// Uninstall detaches a skill and archives its health record.
func (m *Monitor) Uninstall(ctx context.Context, agentID, skillID int64) error {
	return m.store.Write(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn, "DELETE FROM agent_skills WHERE agent_id = ? AND skill_id = ?",
			&sqlitex.ExecOptions{Args: []any{agentID, skillID}})
		if err != nil {
			return fmt.Errorf("skillhealth: uninstalling skill %d: %w", skillID, err)
		}
		if conn.Changes() == 0 {
			return fmt.Errorf("skill %d on agent %d: %w", skillID, agentID, ErrNotInstalled)
		}
		err = sqlitex.Execute(conn, `
			UPDATE skill_health SET archived = 1, updated_at = ?
			WHERE agent_id = ? AND skill_id = ?`,
			&sqlitex.ExecOptions{Args: []any{m.store.Now().Unix(), agentID, skillID}})
		if err != nil {
			return fmt.Errorf("skillhealth: archiving health for skill %d: %w", skillID, err)
		}
		return nil
	})
}

// Usage is one observed agent response.
type Usage struct {
	ResponseMS int
	HadError   bool

	// Reply is the response text, scanned for integrity and charter
	// conduct violations. Empty skips the scan.
	Reply string
}

// RecordUsage updates every live skill on the agent with one observed
// response and rescans the reply for conduct violations. Violations
// are written to the audit log whether or not the agent has skills.
// A skill whose recomputed score crosses the critical line is
// quarantined inside the same transaction.
func (m *Monitor) RecordUsage(ctx context.Context, agentID int64, usage Usage) error {
	return m.store.Write(ctx, func(conn *sqlite.Conn) error {
		_, err := m.recordUsage(conn, agentID, usage)
		return err
	})
}

// ObserveDelivery is RecordUsage on an open connection, for the
// router to call when it delivers an agent's message.
func (m *Monitor) ObserveDelivery(conn *sqlite.Conn, agentID int64, usage Usage) error {
	_, err := m.recordUsage(conn, agentID, usage)
	return err
}

func (m *Monitor) recordUsage(conn *sqlite.Conn, agentID int64, usage Usage) (quarantined []int64, err error) {
	now := m.store.Now()

	integrity := vetting.ScanIntegrity(usage.Reply)
	charter := vetting.ScanCharter(usage.Reply)
	if len(integrity) > 0 {
		if _, err := audit.Insert(conn, now, audit.EventIntegrityViolation, agentID, violationPayload(integrity)); err != nil {
			return nil, err
		}
	}
	if len(charter) > 0 {
		if _, err := audit.Insert(conn, now, audit.EventCharterViolation, agentID, violationPayload(charter)); err != nil {
			return nil, err
		}
	}

	rows, err := m.liveRows(conn, agentID)
	if err != nil {
		return nil, err
	}

	for _, h := range rows {
		h.TotalUses++
		if usage.HadError {
			h.ErrorCount++
		}
		h.IntegrityCount += len(integrity)
		h.CharterCount += len(charter)

		if h.TotalUses == 1 {
			h.AvgResponseMS = usage.ResponseMS
		} else {
			h.AvgResponseMS += (usage.ResponseMS - h.AvgResponseMS) / h.TotalUses
		}
		if h.TotalUses <= m.cfg.BaselineSamples {
			h.BaselineResponseMS = h.AvgResponseMS
		} else if m.latencyAnomalous(h) {
			h.LatencyAnomalyCount++
		}

		h.Score = m.computeScore(h)
		previous := h.State
		switch {
		case h.Score < quarantineBelow:
			reason := fmt.Sprintf("health score %d", h.Score)
			if err := m.quarantine(conn, now, h, reason); err != nil {
				return nil, err
			}
			quarantined = append(quarantined, h.SkillID)
			continue
		case h.Score < warningBelow:
			h.State = StateWarning
		default:
			h.State = StateHealthy
		}
		if h.State == StateWarning && previous != StateWarning {
			m.logger.Warn("skill health degraded",
				"agent", agentID, "skill", h.SkillID, "score", h.Score)
		}

		err := sqlitex.Execute(conn, `
			UPDATE skill_health SET
				state = ?, score = ?, total_uses = ?, error_count = ?,
				charter_count = ?, integrity_count = ?, latency_anomaly_count = ?,
				avg_response_ms = ?, baseline_response_ms = ?, updated_at = ?
			WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				string(h.State), h.Score, h.TotalUses, h.ErrorCount,
				h.CharterCount, h.IntegrityCount, h.LatencyAnomalyCount,
				h.AvgResponseMS, h.BaselineResponseMS, now.Unix(), h.ID,
			}})
		if err != nil {
			return nil, fmt.Errorf("skillhealth: updating health %d: %w", h.ID, err)
		}
	}
	return quarantined, nil
}

func violationPayload(violations []vetting.ReplyViolation) map[string]any {
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = v.Name
	}
	return map[string]any{"violations": names}
}

func (m *Monitor) latencyAnomalous(h *Health) bool {
	return h.BaselineResponseMS > 0 &&
		h.AvgResponseMS > h.BaselineResponseMS*m.cfg.LatencyFactor
}

// computeScore applies the configured deductions to a full 100.
func (m *Monitor) computeScore(h *Health) int {
	score := 100
	if h.TotalUses > 0 {
		score -= min(h.ErrorCount*100/h.TotalUses, m.cfg.ErrorCap)
	}
	score -= min(h.CharterCount*m.cfg.CharterPenalty, m.cfg.CharterCap)
	score -= min(h.IntegrityCount*m.cfg.IntegrityPenalty, m.cfg.IntegrityCap)
	if h.TotalUses > m.cfg.BaselineSamples && m.latencyAnomalous(h) {
		score -= m.cfg.LatencyPenalty
	}
	return max(score, 0)
}

// quarantine detaches the skill and marks the record. Exactly one
// quarantine audit event is written per transition; the state guard
// above ensures a quarantined row never re-enters recordUsage.
func (m *Monitor) quarantine(conn *sqlite.Conn, now time.Time, h *Health, reason string) error {
	err := sqlitex.Execute(conn, "DELETE FROM agent_skills WHERE agent_id = ? AND skill_id = ?",
		&sqlitex.ExecOptions{Args: []any{h.AgentID, h.SkillID}})
	if err != nil {
		return fmt.Errorf("skillhealth: detaching skill %d: %w", h.SkillID, err)
	}
	err = sqlitex.Execute(conn, `
		UPDATE skill_health SET
			state = ?, score = ?, total_uses = ?, error_count = ?,
			charter_count = ?, integrity_count = ?, latency_anomaly_count = ?,
			avg_response_ms = ?, baseline_response_ms = ?,
			quarantined_at = ?, quarantine_reason = ?, updated_at = ?
		WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			string(StateQuarantined), h.Score, h.TotalUses, h.ErrorCount,
			h.CharterCount, h.IntegrityCount, h.LatencyAnomalyCount,
			h.AvgResponseMS, h.BaselineResponseMS,
			now.Unix(), reason, now.Unix(), h.ID,
		}})
	if err != nil {
		return fmt.Errorf("skillhealth: quarantining skill %d: %w", h.SkillID, err)
	}
	_, err = audit.Insert(conn, now, audit.EventQuarantine, h.AgentID, map[string]any{
		"skill_id": h.SkillID,
		"skill":    h.SkillName,
		"score":    h.Score,
		"reason":   reason,
	})
	if err != nil {
		return err
	}
	m.logger.Warn("skill quarantined",
		"agent", h.AgentID, "skill", h.SkillID, "score", h.Score, "reason", reason)
	return nil
}

// Restore re-vets a quarantined skill and reinstalls it only if the
// content still classifies as installable. A skill whose content now
// matches a blocking signature is permanently blocked instead. The
// block must commit even though the caller sees a rejection, so it is
// carried out of the transaction as a result rather than an error.
func (m *Monitor) Restore(ctx context.Context, agentID, skillID int64) error {
	var rejection error
	err := m.store.Write(ctx, func(conn *sqlite.Conn) error {
		rejection = nil
		h, err := getHealth(conn, agentID, skillID)
		if err != nil {
			return err
		}
		if h.State != StateQuarantined {
			return fmt.Errorf("skill %d on agent %d in state %s: %w",
				skillID, agentID, h.State, ErrNotQuarantined)
		}

		skill, err := vetting.GetSkill(conn, skillID)
		if err != nil {
			return err
		}
		manifest, err := vetting.GetManifest(conn, skillID)
		if err != nil {
			return err
		}

		report := vetting.Scan(manifest)
		if vetting.Classify(skill.Source, report) == vetting.VerdictBlocked {
			err := sqlitex.Execute(conn, "UPDATE skills SET verdict = ? WHERE id = ?",
				&sqlitex.ExecOptions{Args: []any{string(vetting.VerdictBlocked), skillID}})
			if err != nil {
				return fmt.Errorf("skillhealth: blocking skill %d: %w", skillID, err)
			}
			m.logger.Warn("skill permanently blocked on restore",
				"agent", agentID, "skill", skillID, "risk", report.RiskScore)
			rejection = fmt.Errorf("skill %s risk %d: %w", skill.Name, report.RiskScore, ErrVettingRejected)
			return nil
		}

		if err := m.attach(conn, agentID, skillID); err != nil {
			return err
		}
		_, err = audit.Insert(conn, m.store.Now(), audit.EventRestore, agentID, map[string]any{
			"skill_id": skillID,
			"skill":    skill.Name,
		})
		return err
	})
	if err != nil {
		return err
	}
	return rejection
}

const healthColumns = `h.id, h.agent_id, h.skill_id, s.name, h.state, h.score,
	h.total_uses, h.error_count, h.charter_count, h.integrity_count,
	h.latency_anomaly_count, h.avg_response_ms, h.baseline_response_ms,
	h.quarantine_reason, h.updated_at`

func healthFromStmt(stmt *sqlite.Stmt) *Health {
	return &Health{
		ID:                  stmt.ColumnInt64(0),
		AgentID:             stmt.ColumnInt64(1),
		SkillID:             stmt.ColumnInt64(2),
		SkillName:           stmt.ColumnText(3),
		State:               State(stmt.ColumnText(4)),
		Score:               int(stmt.ColumnInt64(5)),
		TotalUses:           int(stmt.ColumnInt64(6)),
		ErrorCount:          int(stmt.ColumnInt64(7)),
		CharterCount:        int(stmt.ColumnInt64(8)),
		IntegrityCount:      int(stmt.ColumnInt64(9)),
		LatencyAnomalyCount: int(stmt.ColumnInt64(10)),
		AvgResponseMS:       int(stmt.ColumnInt64(11)),
		BaselineResponseMS:  int(stmt.ColumnInt64(12)),
		QuarantineReason:    stmt.ColumnText(13),
		UpdatedAt:           time.Unix(stmt.ColumnInt64(14), 0).UTC(),
	}
}

// liveRows returns the non-archived, non-quarantined health rows for
// an agent.
func (m *Monitor) liveRows(conn *sqlite.Conn, agentID int64) ([]*Health, error) {
	var rows []*Health
	err := sqlitex.Execute(conn, `
		SELECT `+healthColumns+` FROM skill_health h
		JOIN skills s ON s.id = h.skill_id
		WHERE h.agent_id = ? AND h.archived = 0 AND h.state != ?
		ORDER BY h.id`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, string(StateQuarantined)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rows = append(rows, healthFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("skillhealth: listing health for agent %d: %w", agentID, err)
	}
	return rows, nil
}

func getHealth(conn *sqlite.Conn, agentID, skillID int64) (*Health, error) {
	var h *Health
	err := sqlitex.Execute(conn, `
		SELECT `+healthColumns+` FROM skill_health h
		JOIN skills s ON s.id = h.skill_id
		WHERE h.agent_id = ? AND h.skill_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, skillID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				h = healthFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("skillhealth: loading health: %w", err)
	}
	if h == nil {
		return nil, fmt.Errorf("skill %d on agent %d: %w", skillID, agentID, ErrNotInstalled)
	}
	return h, nil
}

// Report lists health records, all agents when agentID is zero.
// Archived records are excluded.
func (m *Monitor) Report(ctx context.Context, agentID int64) ([]*Health, error) {
	conn, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer m.store.Put(conn)

	query := `SELECT ` + healthColumns + ` FROM skill_health h
		JOIN skills s ON s.id = h.skill_id WHERE h.archived = 0`
	args := []any{}
	if agentID != 0 {
		query += " AND h.agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY h.agent_id, h.skill_id"

	var rows []*Health
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			rows = append(rows, healthFromStmt(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("skillhealth: report: %w", err)
	}
	return rows, nil
}

// Get returns one health record.
func (m *Monitor) Get(ctx context.Context, agentID, skillID int64) (*Health, error) {
	conn, err := m.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer m.store.Put(conn)
	return getHealth(conn, agentID, skillID)
}

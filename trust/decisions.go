// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package trust

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/store"
)

// ErrDecisionNotFound is returned when feedback references a decision
// that does not exist.
var ErrDecisionNotFound = errors.New("trust: decision not found")

// Decision is one recorded autonomy call made by Crew Boss. The human
// later confirms or overrides it; the running accuracy feeds the
// trust recommendation.
type Decision struct {
	ID         int64
	CrewBossID int64
	HumanID    int64
	MessageID  int64
	Autonomy   config.Autonomy
	Context    map[string]any
	// Override is nil until the human gives feedback.
	Override  *bool
	Note      string
	CreatedAt time.Time
}

// DecisionLog records and reads Crew Boss decisions over the shared
// store.
type DecisionLog struct {
	store *store.Store
}

// NewDecisionLog creates a decision log over the shared store.
func NewDecisionLog(s *store.Store) *DecisionLog {
	return &DecisionLog{store: s}
}

// InsertDecision records a decision on an open connection, so the
// router can log the autonomy call atomically with the message write.
func InsertDecision(conn *sqlite.Conn, now time.Time, crewBossID, humanID, messageID int64, autonomy config.Autonomy, context map[string]any) (int64, error) {
	var encoded []byte
	if context != nil {
		var err error
		encoded, err = cbor.Marshal(context)
		if err != nil {
			return 0, fmt.Errorf("trust: encoding decision context: %w", err)
		}
	}

	var message any
	if messageID != 0 {
		message = messageID
	}

	err := sqlitex.Execute(conn, `
		INSERT INTO decisions (crew_boss_id, human_id, message_id, autonomy, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			crewBossID, humanID, message, string(autonomy), encoded, now.Unix(),
		}})
	if err != nil {
		return 0, fmt.Errorf("trust: insert decision: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// RecordFeedback attaches the human's verdict to a decision: override
// true means the human reversed what Crew Boss did. Writing feedback
// twice overwrites the earlier verdict but logs only one audit event
// per call.
func (l *DecisionLog) RecordFeedback(ctx context.Context, decisionID int64, override bool, note string) error {
	return l.store.Write(ctx, func(conn *sqlite.Conn) error {
		var humanID int64
		found := false
		err := sqlitex.Execute(conn, "SELECT human_id FROM decisions WHERE id = ?", &sqlitex.ExecOptions{
			Args: []any{decisionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				humanID = stmt.ColumnInt64(0)
				found = true
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("trust: loading decision %d: %w", decisionID, err)
		}
		if !found {
			return fmt.Errorf("decision %d: %w", decisionID, ErrDecisionNotFound)
		}

		overrideValue := 0
		if override {
			overrideValue = 1
		}
		err = sqlitex.Execute(conn, "UPDATE decisions SET human_override = ?, feedback_note = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{overrideValue, note, decisionID}})
		if err != nil {
			return fmt.Errorf("trust: recording feedback: %w", err)
		}

		_, err = audit.Insert(conn, l.store.Now(), audit.EventDecision, humanID, map[string]any{
			"decision_id": decisionID,
			"override":    override,
		})
		return err
	})
}

// Recent returns the newest decisions, unreviewed and reviewed alike,
// newest first. Callers pick ids from here to attach feedback.
func (l *DecisionLog) Recent(ctx context.Context, limit int) ([]Decision, error) {
	conn, err := l.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer l.store.Put(conn)

	var decisions []Decision
	err = sqlitex.Execute(conn, `
		SELECT id, crew_boss_id, human_id, COALESCE(message_id, 0), autonomy,
		       context, human_override, COALESCE(feedback_note, ''), created_at
		FROM decisions ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				d := Decision{
					ID:         stmt.ColumnInt64(0),
					CrewBossID: stmt.ColumnInt64(1),
					HumanID:    stmt.ColumnInt64(2),
					MessageID:  stmt.ColumnInt64(3),
					Autonomy:   config.Autonomy(stmt.ColumnText(4)),
					Note:       stmt.ColumnText(7),
					CreatedAt:  time.Unix(stmt.ColumnInt64(8), 0).UTC(),
				}
				if stmt.ColumnLen(5) > 0 {
					raw := make([]byte, stmt.ColumnLen(5))
					stmt.ColumnBytes(5, raw)
					if err := cbor.Unmarshal(raw, &d.Context); err != nil {
						return fmt.Errorf("trust: decoding decision %d context: %w", d.ID, err)
					}
				}
				if stmt.ColumnType(6) != sqlite.TypeNull {
					override := stmt.ColumnInt64(6) != 0
					d.Override = &override
				}
				decisions = append(decisions, d)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("trust: listing decisions: %w", err)
	}
	return decisions, nil
}

// Stats summarizes decision accuracy for one Crew Boss.
type Stats struct {
	Total     int
	Overrides int
	// AccuracyPct is the share of reviewed decisions the human let
	// stand, in percent. Zero when nothing has been reviewed.
	AccuracyPct float64
	// Recommendation suggests a trust adjustment, or is empty. Only
	// produced after 20 reviewed decisions.
	Recommendation string
}

// StatsFor computes accuracy over the reviewed decisions of one Crew
// Boss and, with enough history, a trust recommendation: sustained
// ≥95% accuracy suggests raising the dial, under 70% suggests
// lowering it.
func (l *DecisionLog) StatsFor(ctx context.Context, crewBossID int64, currentTrust int) (Stats, error) {
	conn, err := l.store.Read(ctx)
	if err != nil {
		return Stats{}, err
	}
	defer l.store.Put(conn)

	var stats Stats
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*), COALESCE(SUM(human_override), 0)
		FROM decisions WHERE crew_boss_id = ? AND human_override IS NOT NULL`,
		&sqlitex.ExecOptions{
			Args: []any{crewBossID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.Total = int(stmt.ColumnInt64(0))
				stats.Overrides = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return Stats{}, fmt.Errorf("trust: stats: %w", err)
	}

	if stats.Total == 0 {
		return stats, nil
	}
	stats.AccuracyPct = float64(stats.Total-stats.Overrides) / float64(stats.Total) * 100

	if stats.Total >= 20 {
		switch {
		case stats.AccuracyPct >= 95 && currentTrust < 10:
			stats.Recommendation = fmt.Sprintf("consider raising trust to %d: %.0f%% accuracy over %d decisions",
				currentTrust+1, stats.AccuracyPct, stats.Total)
		case stats.AccuracyPct < 70 && currentTrust > 1:
			stats.Recommendation = fmt.Sprintf("consider lowering trust to %d: %.0f%% accuracy over %d decisions",
				currentTrust-1, stats.AccuracyPct, stats.Total)
		}
	}
	return stats, nil
}

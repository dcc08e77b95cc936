// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package audit is the append-only event store every other component
// writes to and the skill health monitor reads back. Events are never
// mutated or deleted; payloads are CBOR-encoded maps so the log can
// carry any component's context without a schema migration.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/store"
)

// EventType classifies an audit event.
type EventType string

const (
	EventRoutingBlock       EventType = "routing_block"
	EventIntegrityViolation EventType = "integrity_violation"
	EventCharterViolation   EventType = "charter_violation"
	EventQuarantine         EventType = "quarantine"
	EventRestore            EventType = "restore"
	EventEscalation         EventType = "escalation"
	EventTrustChange        EventType = "trust_change"
	EventBurnoutChange      EventType = "burnout_change"
	EventMessageSent        EventType = "message_sent"
	EventSessionStarted     EventType = "session_started"
	EventSessionEnded       EventType = "session_ended"
	EventDecision           EventType = "decision"
)

// Event is one append-only log entry. ID is assigned on insert and is
// monotonic within the store.
type Event struct {
	ID        int64
	Type      EventType
	AgentID   int64 // zero when the event is not about one agent
	Payload   map[string]any
	CreatedAt time.Time
}

// Log provides read access and standalone appends over the shared
// store. Components already inside a write transaction use Insert
// directly so the event commits atomically with their own rows.
type Log struct {
	store *store.Store
}

// NewLog creates an audit log over the shared store.
func NewLog(s *store.Store) *Log {
	return &Log{store: s}
}

// Insert appends an event on an open connection. The caller supplies
// the timestamp so every row in its transaction carries the same one.
func Insert(conn *sqlite.Conn, now time.Time, eventType EventType, agentID int64, payload map[string]any) (int64, error) {
	var encoded []byte
	if payload != nil {
		var err error
		encoded, err = cbor.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("audit: encoding payload: %w", err)
		}
	}

	var agent any
	if agentID != 0 {
		agent = agentID
	}

	err := sqlitex.Execute(conn,
		"INSERT INTO audit_events (event_type, agent_id, payload, created_at) VALUES (?, ?, ?, ?)",
		&sqlitex.ExecOptions{Args: []any{string(eventType), agent, encoded, now.Unix()}})
	if err != nil {
		return 0, fmt.Errorf("audit: insert: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// Append writes a single event in its own write transaction.
func (l *Log) Append(ctx context.Context, eventType EventType, agentID int64, payload map[string]any) (id int64, err error) {
	err = l.store.Write(ctx, func(conn *sqlite.Conn) error {
		id, err = Insert(conn, l.store.Now(), eventType, agentID, payload)
		return err
	})
	return id, err
}

// Recent returns up to limit events, newest first. A zero eventType
// matches all types.
func (l *Log) Recent(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	conn, err := l.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer l.store.Put(conn)

	query := "SELECT id, event_type, agent_id, payload, created_at FROM audit_events"
	args := []any{}
	if eventType != "" {
		query += " WHERE event_type = ?"
		args = append(args, string(eventType))
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var events []Event
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args:       args,
		ResultFunc: func(stmt *sqlite.Stmt) error { return scanEvent(stmt, &events) },
	})
	if err != nil {
		return nil, fmt.Errorf("audit: recent: %w", err)
	}
	return events, nil
}

// ViolationCounts returns, per agent, how many integrity and charter
// violation events were logged since the cutoff. Used by the
// heartbeat audit as a second detection layer independent of any
// single skill.
func ViolationCounts(conn *sqlite.Conn, since time.Time) (map[int64]int, error) {
	counts := make(map[int64]int)
	err := sqlitex.Execute(conn, `
		SELECT agent_id, COUNT(*) FROM audit_events
		WHERE event_type IN (?, ?) AND created_at >= ? AND agent_id IS NOT NULL
		GROUP BY agent_id`,
		&sqlitex.ExecOptions{
			Args: []any{string(EventIntegrityViolation), string(EventCharterViolation), since.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				counts[stmt.ColumnInt64(0)] = int(stmt.ColumnInt64(1))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("audit: violation counts: %w", err)
	}
	return counts, nil
}

// CountSince returns how many events of the given type reference the
// agent since the cutoff.
func CountSince(conn *sqlite.Conn, eventType EventType, agentID int64, since time.Time) (int, error) {
	var count int
	err := sqlitex.Execute(conn,
		"SELECT COUNT(*) FROM audit_events WHERE event_type = ? AND agent_id = ? AND created_at >= ?",
		&sqlitex.ExecOptions{
			Args: []any{string(eventType), agentID, since.Unix()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = int(stmt.ColumnInt64(0))
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("audit: count since: %w", err)
	}
	return count, nil
}

func scanEvent(stmt *sqlite.Stmt, events *[]Event) error {
	event := Event{
		ID:        stmt.ColumnInt64(0),
		Type:      EventType(stmt.ColumnText(1)),
		AgentID:   stmt.ColumnInt64(2),
		CreatedAt: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
	}
	if n := stmt.ColumnLen(3); n > 0 {
		raw := make([]byte, n)
		stmt.ColumnBytes(3, raw)
		if err := cbor.Unmarshal(raw, &event.Payload); err != nil {
			return fmt.Errorf("audit: decoding payload for event %d: %w", event.ID, err)
		}
	}
	*events = append(*events, event)
	return nil
}

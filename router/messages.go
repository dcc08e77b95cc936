// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
)

// Message is one routed message as read back from the store. Private
// messages carry no content here; their bodies live only in the
// vault.
type Message struct {
	ID          int64              `json:"id"`
	From        int64              `json:"from"`
	To          int64              `json:"to"`
	Type        crew.MessageType   `json:"type"`
	Subject     string             `json:"subject"`
	Body        string             `json:"body"`
	Priority    crew.Priority      `json:"priority"`
	Private     bool               `json:"private"`
	SessionID   int64              `json:"session_id,omitempty"`
	Status      crew.MessageStatus `json:"status"`
	Reason      string             `json:"reason,omitempty"`
	Autonomy    config.Autonomy    `json:"autonomy,omitempty"`
	HoldUntil   *time.Time         `json:"hold_until,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	DeliveredAt *time.Time         `json:"delivered_at,omitempty"`
}

// ListOptions filter the message listing.
type ListOptions struct {
	// Limit caps the result, default 50.
	Limit int

	// After returns only messages with id greater than this, the
	// polling cursor. Zero starts from the beginning.
	After int64

	// For restricts to messages addressed to this agent. Zero lists
	// crew-wide.
	For int64
}

// List returns messages in id order. With After set, repeated polls
// are idempotent catch-up: each message is seen at least once and the
// cursor never skips.
func (r *Router) List(ctx context.Context, opts ListOptions) ([]Message, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	conn, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.Put(conn)

	query := `SELECT id, from_agent_id, to_agent_id, message_type, subject, body,
		priority, private, session_id, status, reason, autonomy, hold_until,
		created_at, delivered_at FROM messages WHERE id > ?`
	args := []any{opts.After}
	if opts.For != 0 {
		query += " AND to_agent_id = ?"
		args = append(args, opts.For)
	}
	query += " ORDER BY id LIMIT ?"
	args = append(args, opts.Limit)

	var messages []Message
	err = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: args,
		ResultFunc: func(stmt *sqlite.Stmt) error {
			m := Message{
				ID:       stmt.ColumnInt64(0),
				From:     stmt.ColumnInt64(1),
				To:       stmt.ColumnInt64(2),
				Type:     crew.MessageType(stmt.ColumnText(3)),
				Subject:  stmt.ColumnText(4),
				Body:     stmt.ColumnText(5),
				Priority: crew.Priority(stmt.ColumnText(6)),
				Private:  stmt.ColumnInt64(7) == 1,
				Status:   crew.MessageStatus(stmt.ColumnText(9)),
				Reason:   stmt.ColumnText(10),
				Autonomy: config.Autonomy(stmt.ColumnText(11)),
			}
			if v := stmt.ColumnInt64(8); v != 0 {
				m.SessionID = v
			}
			if v := stmt.ColumnInt64(12); v != 0 {
				t := time.Unix(v, 0).UTC()
				m.HoldUntil = &t
			}
			m.CreatedAt = time.Unix(stmt.ColumnInt64(13), 0).UTC()
			if v := stmt.ColumnInt64(14); v != 0 {
				t := time.Unix(v, 0).UTC()
				m.DeliveredAt = &t
			}
			if m.Private {
				// Private rows are stored without content; nothing
				// leaves this package either way.
				m.Subject = ""
				m.Body = ""
			}
			messages = append(messages, m)
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("router: listing messages: %w", err)
	}
	return messages, nil
}

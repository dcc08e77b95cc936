// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package burnout

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/store"
)

// Sweeper releases held messages once their hold condition has
// cleared. One sweeper per crew; Run is the long-lived loop, Sweep is
// one pass (exposed for tests and shutdown draining).
type Sweeper struct {
	store     *store.Store
	scheduler *Scheduler
	interval  time.Duration
	logger    *slog.Logger
	onPass    func(context.Context)
}

// NewSweeper creates a release sweeper over the shared store.
func NewSweeper(s *store.Store, scheduler *Scheduler, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:     s,
		scheduler: scheduler,
		interval:  interval,
		logger:    s.Logger().With("component", "burnout-sweeper"),
	}
}

// OnPass registers fn to run after every sweep pass. The vault's
// session-expiry sweep rides this ticker.
func (s *Sweeper) OnPass(fn func(context.Context)) { s.onPass = fn }

// Run re-evaluates held messages on the configured interval until the
// context is cancelled. A pass that fails is logged and retried on
// the next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.store.Clock().NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("release sweep failed", "error", err)
				continue
			}
			if released > 0 {
				s.logger.Info("released held messages", "count", released)
			}
			if s.onPass != nil {
				s.onPass(ctx)
			}
		}
	}
}

type heldMessage struct {
	id        int64
	priority  crew.Priority
	burnout   int
	recipient string
}

// Sweep runs one release pass and reports how many messages it
// delivered. Held messages are visited oldest first and released in
// that order, so arrival ordering survives the hold. The status
// update is guarded on status = 'held'; a message another path
// already delivered is skipped, which makes re-running a cancelled
// sweep safe.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	released := 0
	err := s.store.Write(ctx, func(conn *sqlite.Conn) error {
		now := s.store.Now()

		var due []heldMessage
		err := sqlitex.Execute(conn, `
			SELECT m.id, m.priority, a.burnout_score, a.status
			FROM messages m JOIN agents a ON a.id = m.to_agent_id
			WHERE m.status = 'held'
			ORDER BY m.created_at, m.id`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				due = append(due, heldMessage{
					id:        stmt.ColumnInt64(0),
					priority:  crew.Priority(stmt.ColumnText(1)),
					burnout:   int(stmt.ColumnInt64(2)),
					recipient: stmt.ColumnText(3),
				})
				return nil
			}})
		if err != nil {
			return fmt.Errorf("burnout: listing held messages: %w", err)
		}

		// Escalations that fell back to pending-critical get retried
		// ahead of any held message. Each delivery writes its own
		// escalation audit event, same as the direct path.
		type pendingEscalation struct {
			id   int64
			from int64
			to   int64
		}
		var pending []pendingEscalation
		err = sqlitex.Execute(conn, `
			SELECT id, from_agent_id, to_agent_id FROM messages
			WHERE status = 'pending' AND message_type = 'escalation'
			ORDER BY created_at, id`,
			&sqlitex.ExecOptions{ResultFunc: func(stmt *sqlite.Stmt) error {
				pending = append(pending, pendingEscalation{
					id:   stmt.ColumnInt64(0),
					from: stmt.ColumnInt64(1),
					to:   stmt.ColumnInt64(2),
				})
				return nil
			}})
		if err != nil {
			return fmt.Errorf("burnout: listing pending escalations: %w", err)
		}
		for _, p := range pending {
			err := sqlitex.Execute(conn, `
				UPDATE messages SET status = 'delivered', delivered_at = ?
				WHERE id = ? AND status = 'pending'`,
				&sqlitex.ExecOptions{Args: []any{now.Unix(), p.id}})
			if err != nil {
				return fmt.Errorf("burnout: retrying pending escalation %d: %w", p.id, err)
			}
			if conn.Changes() == 0 {
				continue
			}
			_, err = audit.Insert(conn, now, audit.EventEscalation, p.from, map[string]any{
				"message_id": p.id,
				"to":         p.to,
				"retried":    true,
			})
			if err != nil {
				return err
			}
			released++
		}

		for _, m := range due {
			// A recipient that left active status since the hold
			// keeps its backlog held until restored.
			if m.recipient != "active" {
				continue
			}
			if s.scheduler.Schedule(now, m.priority, false, m.burnout).Hold {
				continue
			}
			err := sqlitex.Execute(conn, `
				UPDATE messages SET status = 'delivered', delivered_at = ?, hold_until = NULL
				WHERE id = ? AND status = 'held'`,
				&sqlitex.ExecOptions{Args: []any{now.Unix(), m.id}})
			if err != nil {
				return fmt.Errorf("burnout: releasing message %d: %w", m.id, err)
			}
			if conn.Changes() > 0 {
				released++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}

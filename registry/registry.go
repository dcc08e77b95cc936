// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package registry holds agent identity, hierarchy, and lifecycle
// state. The hierarchy is a forest rooted at the human: Crew Boss
// hangs off the human, managers and specialists hang off Crew Boss,
// workers hang off managers. Every parent change is validated for
// acyclicity, and a terminated agent can never remain the parent of
// an active one.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/store"
)

// ErrAgentNotFound is returned when an agent id or name does not
// resolve.
var ErrAgentNotFound = errors.New("registry: agent not found")

// Registry provides agent CRUD and lifecycle operations over the
// shared store.
type Registry struct {
	store *store.Store
}

// New creates a Registry over the shared store.
func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

const agentColumns = "id, name, agent_type, parent_id, status, trust_score, burnout_score, model, created_at, updated_at"

func agentFromStmt(stmt *sqlite.Stmt) Agent {
	return Agent{
		ID:           stmt.ColumnInt64(0),
		Name:         stmt.ColumnText(1),
		Type:         AgentType(stmt.ColumnText(2)),
		ParentID:     stmt.ColumnInt64(3),
		Status:       Status(stmt.ColumnText(4)),
		TrustScore:   int(stmt.ColumnInt64(5)),
		BurnoutScore: int(stmt.ColumnInt64(6)),
		Model:        stmt.ColumnText(7),
		CreatedAt:    time.Unix(stmt.ColumnInt64(8), 0).UTC(),
		UpdatedAt:    time.Unix(stmt.ColumnInt64(9), 0).UTC(),
	}
}

// GetAgent loads an agent on an open connection. Used by the router
// inside its write transaction so the routing check and the status
// write see the same agent row.
func GetAgent(conn *sqlite.Conn, id int64) (Agent, error) {
	var agent Agent
	found := false
	err := sqlitex.Execute(conn, "SELECT "+agentColumns+" FROM agents WHERE id = ?", &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			agent = agentFromStmt(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Agent{}, fmt.Errorf("registry: get agent %d: %w", id, err)
	}
	if !found {
		return Agent{}, fmt.Errorf("agent %d: %w", id, ErrAgentNotFound)
	}
	return agent, nil
}

// GetAgentByType returns the first active agent of the given type, or
// ErrAgentNotFound. Used to resolve Crew Boss and the human, which
// are singular within one crew.
func GetAgentByType(conn *sqlite.Conn, agentType AgentType) (Agent, error) {
	var agent Agent
	found := false
	err := sqlitex.Execute(conn,
		"SELECT "+agentColumns+" FROM agents WHERE agent_type = ? AND status != ? ORDER BY id LIMIT 1",
		&sqlitex.ExecOptions{
			Args: []any{string(agentType), string(StatusTerminated)},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				agent = agentFromStmt(stmt)
				found = true
				return nil
			},
		})
	if err != nil {
		return Agent{}, fmt.Errorf("registry: get %s: %w", agentType, err)
	}
	if !found {
		return Agent{}, fmt.Errorf("%s: %w", agentType, ErrAgentNotFound)
	}
	return agent, nil
}

// Create registers a new agent. Hierarchy rules: the human has no
// parent, Crew Boss's parent is the human, workers report to a
// manager, and everything else reports to Crew Boss. The parent must
// exist and must not be terminated.
func (r *Registry) Create(ctx context.Context, name string, agentType AgentType, parentID int64, model string) (Agent, error) {
	if name == "" {
		return Agent{}, crew.Invalid("name", "must not be empty")
	}
	if !agentType.Valid() {
		return Agent{}, crew.Invalid("agent_type", "unknown type %q", agentType)
	}

	var created Agent
	err := r.store.Write(ctx, func(conn *sqlite.Conn) error {
		resolvedParent := parentID

		switch agentType {
		case TypeHuman:
			if parentID != 0 {
				return crew.Invalid("parent_id", "the human has no parent")
			}
			if _, err := GetAgentByType(conn, TypeHuman); err == nil {
				return crew.Invalid("agent_type", "crew already has a human")
			}
		case TypeCrewBoss:
			human, err := GetAgentByType(conn, TypeHuman)
			if err != nil {
				return crew.Invalid("agent_type", "crew boss requires a registered human")
			}
			if parentID != 0 && parentID != human.ID {
				return crew.Invalid("parent_id", "crew boss reports to the human")
			}
			resolvedParent = human.ID
		default:
			if parentID == 0 {
				return crew.Invalid("parent_id", "%s requires a parent", agentType)
			}
			parent, err := GetAgent(conn, parentID)
			if err != nil {
				return err
			}
			if parent.Status == StatusTerminated {
				return crew.Invalid("parent_id", "parent %q is terminated", parent.Name)
			}
			if agentType == TypeWorker && parent.Type != TypeManager {
				return crew.Invalid("parent_id", "workers report to a manager, not %s", parent.Type)
			}
		}

		now := r.store.Now().Unix()
		var parentArg any
		if resolvedParent != 0 {
			parentArg = resolvedParent
		}
		err := sqlitex.Execute(conn, `
			INSERT INTO agents (name, agent_type, parent_id, status, model, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				name, string(agentType), parentArg, string(StatusActive), model, now, now,
			}})
		if err != nil {
			return fmt.Errorf("registry: create %q: %w", name, err)
		}

		var loadErr error
		created, loadErr = GetAgent(conn, conn.LastInsertRowID())
		return loadErr
	})
	if err != nil {
		return Agent{}, err
	}
	return created, nil
}

// Get loads an agent by id.
func (r *Registry) Get(ctx context.Context, id int64) (Agent, error) {
	conn, err := r.store.Read(ctx)
	if err != nil {
		return Agent{}, err
	}
	defer r.store.Put(conn)
	return GetAgent(conn, id)
}

// GetByName loads an agent by its unique name.
func (r *Registry) GetByName(ctx context.Context, name string) (Agent, error) {
	conn, err := r.store.Read(ctx)
	if err != nil {
		return Agent{}, err
	}
	defer r.store.Put(conn)

	var agent Agent
	found := false
	err = sqlitex.Execute(conn, "SELECT "+agentColumns+" FROM agents WHERE name = ?", &sqlitex.ExecOptions{
		Args: []any{name},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			agent = agentFromStmt(stmt)
			found = true
			return nil
		},
	})
	if err != nil {
		return Agent{}, fmt.Errorf("registry: get agent %q: %w", name, err)
	}
	if !found {
		return Agent{}, fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	return agent, nil
}

// List returns every agent, ordered by id.
func (r *Registry) List(ctx context.Context) ([]Agent, error) {
	conn, err := r.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer r.store.Put(conn)

	var agents []Agent
	err = sqlitex.Execute(conn, "SELECT "+agentColumns+" FROM agents ORDER BY id", &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			agents = append(agents, agentFromStmt(stmt))
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return agents, nil
}

// CrewBoss resolves the crew's Crew Boss agent.
func (r *Registry) CrewBoss(ctx context.Context) (Agent, error) {
	conn, err := r.store.Read(ctx)
	if err != nil {
		return Agent{}, err
	}
	defer r.store.Put(conn)
	return GetAgentByType(conn, TypeCrewBoss)
}

// Human resolves the crew's human.
func (r *Registry) Human(ctx context.Context) (Agent, error) {
	conn, err := r.store.Read(ctx)
	if err != nil {
		return Agent{}, err
	}
	defer r.store.Put(conn)
	return GetAgentByType(conn, TypeHuman)
}

// Rename changes an agent's display name.
func (r *Registry) Rename(ctx context.Context, id int64, name string) error {
	if name == "" {
		return crew.Invalid("name", "must not be empty")
	}
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		if _, err := GetAgent(conn, id); err != nil {
			return err
		}
		err := sqlitex.Execute(conn, "UPDATE agents SET name = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{name, r.store.Now().Unix(), id}})
		if err != nil {
			return fmt.Errorf("registry: rename %d: %w", id, err)
		}
		return nil
	})
}

// SetParent moves an agent under a new parent, validating that the
// result stays an acyclic forest and that the new parent is alive.
func (r *Registry) SetParent(ctx context.Context, id, newParentID int64) error {
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		agent, err := GetAgent(conn, id)
		if err != nil {
			return err
		}
		if agent.Type == TypeHuman {
			return crew.Invalid("parent_id", "the human has no parent")
		}
		parent, err := GetAgent(conn, newParentID)
		if err != nil {
			return err
		}
		if parent.Status == StatusTerminated {
			return crew.Invalid("parent_id", "parent %q is terminated", parent.Name)
		}
		if agent.Type == TypeWorker && parent.Type != TypeManager {
			return crew.Invalid("parent_id", "workers report to a manager, not %s", parent.Type)
		}

		// Walk up from the new parent; finding the agent means the
		// reassignment would close a cycle.
		ancestor := parent
		for {
			if ancestor.ID == id {
				return crew.Invalid("parent_id", "moving %q under %q would create a cycle", agent.Name, parent.Name)
			}
			if ancestor.ParentID == 0 {
				break
			}
			ancestor, err = GetAgent(conn, ancestor.ParentID)
			if err != nil {
				return err
			}
		}

		err = sqlitex.Execute(conn, "UPDATE agents SET parent_id = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{newParentID, r.store.Now().Unix(), id}})
		if err != nil {
			return fmt.Errorf("registry: set parent of %d: %w", id, err)
		}
		return nil
	})
}

// setStatus applies a validated lifecycle transition and logs it.
func (r *Registry) setStatus(ctx context.Context, id int64, next Status, eventType audit.EventType) error {
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		agent, err := GetAgent(conn, id)
		if err != nil {
			return err
		}
		if !agent.Status.CanTransition(next) {
			return crew.Invalid("status", "cannot move %q from %s to %s", agent.Name, agent.Status, next)
		}

		if next == StatusTerminated {
			// A terminated agent must not remain the parent of an
			// active agent.
			var activeChildren int64
			err := sqlitex.Execute(conn,
				"SELECT COUNT(*) FROM agents WHERE parent_id = ? AND status != ?",
				&sqlitex.ExecOptions{
					Args: []any{id, string(StatusTerminated)},
					ResultFunc: func(stmt *sqlite.Stmt) error {
						activeChildren = stmt.ColumnInt64(0)
						return nil
					},
				})
			if err != nil {
				return fmt.Errorf("registry: counting children of %d: %w", id, err)
			}
			if activeChildren > 0 {
				return crew.Invalid("status", "%q still has %d non-terminated reports", agent.Name, activeChildren)
			}
		}

		err = sqlitex.Execute(conn, "UPDATE agents SET status = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{string(next), r.store.Now().Unix(), id}})
		if err != nil {
			return fmt.Errorf("registry: set status of %d: %w", id, err)
		}

		if eventType != "" {
			_, err = audit.Insert(conn, r.store.Now(), eventType, id, map[string]any{
				"kind": "agent",
				"from": string(agent.Status),
				"to":   string(next),
			})
		}
		return err
	})
}

// Terminate permanently retires an agent. Fails while the agent still
// has non-terminated reports.
func (r *Registry) Terminate(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusTerminated, "")
}

// Quarantine cuts an agent off from all non-escalation traffic.
func (r *Registry) Quarantine(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusQuarantined, audit.EventQuarantine)
}

// Restore returns a paused or quarantined agent to active.
func (r *Registry) Restore(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, StatusActive, audit.EventRestore)
}

// SetTrustScore updates Crew Boss's trust dial and logs the change.
// Rejects out-of-range scores and non-Crew-Boss targets.
func (r *Registry) SetTrustScore(ctx context.Context, crewBossID int64, score int) error {
	if err := crew.ValidateScore("trust_score", score); err != nil {
		return err
	}
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		agent, err := GetAgent(conn, crewBossID)
		if err != nil {
			return err
		}
		if agent.Type != TypeCrewBoss {
			return crew.Invalid("agent_id", "%q is %s, trust applies to crew boss", agent.Name, agent.Type)
		}
		err = sqlitex.Execute(conn, "UPDATE agents SET trust_score = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{score, r.store.Now().Unix(), crewBossID}})
		if err != nil {
			return fmt.Errorf("registry: set trust: %w", err)
		}
		_, err = audit.Insert(conn, r.store.Now(), audit.EventTrustChange, crewBossID, map[string]any{
			"old": agent.TrustScore,
			"new": score,
		})
		return err
	})
}

// SetBurnoutScore updates the human's burnout signal and logs the
// change. Rejects out-of-range scores and non-human targets.
func (r *Registry) SetBurnoutScore(ctx context.Context, humanID int64, score int) error {
	if err := crew.ValidateScore("burnout_score", score); err != nil {
		return err
	}
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		agent, err := GetAgent(conn, humanID)
		if err != nil {
			return err
		}
		if agent.Type != TypeHuman {
			return crew.Invalid("agent_id", "%q is %s, burnout applies to the human", agent.Name, agent.Type)
		}
		err = sqlitex.Execute(conn, "UPDATE agents SET burnout_score = ?, updated_at = ? WHERE id = ?",
			&sqlitex.ExecOptions{Args: []any{score, r.store.Now().Unix(), humanID}})
		if err != nil {
			return fmt.Errorf("registry: set burnout: %w", err)
		}
		_, err = audit.Insert(conn, r.store.Now(), audit.EventBurnoutChange, humanID, map[string]any{
			"old": agent.BurnoutScore,
			"new": score,
		})
		return err
	})
}

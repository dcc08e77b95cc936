// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package router is the front door for every message moving through
// the crew. Submit validates the message, checks routing legality,
// annotates the required human involvement, times delivery around
// burnout and quiet hours, and persists the result — all inside one
// write transaction, so a message is never observable half-applied.
//
// Routing, trust, and burnout outcomes are result values on Result,
// not errors. The only errors Submit returns are validation failures
// and storage failures.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/burnout"
	"github.com/crew-bus/crew-bus/config"
	"github.com/crew-bus/crew-bus/crew"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/routing"
	"github.com/crew-bus/crew-bus/skillhealth"
	"github.com/crew-bus/crew-bus/store"
	"github.com/crew-bus/crew-bus/trust"
	"github.com/crew-bus/crew-bus/vault"
)

// Router coordinates message submission for one crew.
type Router struct {
	store     *store.Store
	trust     *trust.Engine
	scheduler *burnout.Scheduler
	vault     *vault.Vault
	health    *skillhealth.Monitor
	logger    *slog.Logger
}

// New creates a router. The vault handles private interception; the
// health monitor observes delivered agent traffic. Both are required.
func New(s *store.Store, engine *trust.Engine, scheduler *burnout.Scheduler, v *vault.Vault, health *skillhealth.Monitor) *Router {
	return &Router{
		store:     s,
		trust:     engine,
		scheduler: scheduler,
		vault:     v,
		health:    health,
		logger:    s.Logger().With("component", "router"),
	}
}

// SubmitRequest is one message to route.
type SubmitRequest struct {
	From     int64
	To       int64
	Type     crew.MessageType
	Subject  string
	Body     string
	Priority crew.Priority

	// Private forces vault interception even for non-private types.
	Private bool
}

// Result is the routing outcome. Status is the persisted message
// status; Reason explains a hold or block; Autonomy is the latitude
// Crew Boss holds over the message.
type Result struct {
	ID        int64
	Status    crew.MessageStatus
	Reason    string
	Autonomy  config.Autonomy
	HoldUntil time.Time
}

// Blocked reports whether the message was refused.
func (r Result) Blocked() bool { return r.Status == crew.StatusBlocked }

func (req *SubmitRequest) validate() error {
	if req.From == 0 {
		return crew.Invalid("from", "sender is required")
	}
	if req.To == 0 {
		return crew.Invalid("to", "recipient is required")
	}
	if req.From == req.To {
		return crew.Invalid("to", "sender and recipient are the same agent")
	}
	if !req.Type.Valid() {
		return crew.Invalid("type", "unknown message type %q", req.Type)
	}
	if req.Priority == "" {
		req.Priority = crew.PriorityNormal
	}
	if !req.Priority.Valid() {
		return crew.Invalid("priority", "unknown priority %q", req.Priority)
	}
	if req.Body == "" {
		return crew.Invalid("body", "body is required")
	}
	if req.Type == crew.TypeEscalation && req.Priority == crew.PriorityNormal {
		// Escalations are safety traffic; they never ride at normal
		// priority.
		req.Priority = crew.PriorityHigh
	}
	return nil
}

// Submit routes one message. Validation failures return an error and
// write nothing; every other outcome — delivered, held, blocked — is
// persisted and reported on Result.
func (r *Router) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}

	var result Result
	err := r.store.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		result, err = r.submit(ctx, conn, req)
		return err
	})
	if err != nil && req.Type == crew.TypeEscalation && !isValidation(err) {
		// An escalation has no silent-loss path: if the normal
		// pipeline failed on anything but bad input, record it as a
		// pending-critical item for the sweep to retry.
		return r.recordPendingEscalation(ctx, req, err)
	}
	return result, err
}

func isValidation(err error) bool {
	var verr *crew.ValidationError
	return errors.As(err, &verr) || errors.Is(err, registry.ErrAgentNotFound)
}

func (r *Router) submit(ctx context.Context, conn *sqlite.Conn, req SubmitRequest) (Result, error) {
	now := r.store.Now()

	sender, err := registry.GetAgent(conn, req.From)
	if err != nil {
		return Result{}, err
	}
	recipient, err := registry.GetAgent(conn, req.To)
	if err != nil {
		return Result{}, err
	}

	// Private traffic is intercepted before anything else would
	// persist its content.
	if req.Private || req.Type == crew.TypePrivate {
		return r.submitPrivate(ctx, conn, now, req, sender, recipient)
	}

	decision := routing.Check(sender, recipient, req.Type)
	if !decision.Allowed {
		id, err := r.insertMessage(conn, now, req, insertOpts{
			status: crew.StatusBlocked,
			reason: decision.Reason,
		})
		if err != nil {
			return Result{}, err
		}
		_, err = audit.Insert(conn, now, audit.EventRoutingBlock, sender.ID, map[string]any{
			"message_id": id,
			"to":         recipient.ID,
			"reason":     decision.Reason,
		})
		if err != nil {
			return Result{}, err
		}
		r.logger.Info("message blocked",
			"from", sender.Name, "to", recipient.Name, "reason", decision.Reason)
		return Result{ID: id, Status: crew.StatusBlocked, Reason: decision.Reason}, nil
	}

	autonomy, err := r.annotate(conn, now, req, sender, decision.Escalation)
	if err != nil {
		return Result{}, err
	}

	// Agent traffic feeds the skill scorer at submit time, held or
	// not: a violation in a message held for burnout still has to
	// reach the audit log before the sweep releases it.
	if sender.Type != registry.TypeHuman {
		if err := r.health.ObserveDelivery(conn, sender.ID, skillhealth.Usage{Reply: req.Body}); err != nil {
			return Result{}, err
		}
	}

	verdict := r.schedule(now, req, recipient, decision.Escalation)
	if verdict.Hold {
		id, err := r.insertMessage(conn, now, req, insertOpts{
			status:    crew.StatusHeld,
			reason:    verdict.Reason,
			autonomy:  autonomy,
			holdUntil: verdict.ReleaseAt,
		})
		if err != nil {
			return Result{}, err
		}
		return Result{
			ID:        id,
			Status:    crew.StatusHeld,
			Reason:    verdict.Reason,
			Autonomy:  autonomy,
			HoldUntil: verdict.ReleaseAt,
		}, nil
	}

	id, err := r.insertMessage(conn, now, req, insertOpts{
		status:    crew.StatusDelivered,
		autonomy:  autonomy,
		delivered: true,
	})
	if err != nil {
		return Result{}, err
	}
	_, err = audit.Insert(conn, now, audit.EventMessageSent, sender.ID, map[string]any{
		"message_id": id,
		"to":         recipient.ID,
	})
	if err != nil {
		return Result{}, err
	}
	if decision.Escalation {
		_, err = audit.Insert(conn, now, audit.EventEscalation, sender.ID, map[string]any{
			"message_id": id,
			"to":         recipient.ID,
		})
		if err != nil {
			return Result{}, err
		}
	}

	return Result{ID: id, Status: crew.StatusDelivered, Autonomy: autonomy}, nil
}

// submitPrivate hands the body to the vault and stores a content-free
// marker row. One participant must be the human; the plaintext never
// reaches the messages table.
func (r *Router) submitPrivate(ctx context.Context, conn *sqlite.Conn, now time.Time, req SubmitRequest, sender, recipient registry.Agent) (Result, error) {
	var agent registry.Agent
	switch {
	case sender.Type == registry.TypeHuman:
		agent = recipient
	case recipient.Type == registry.TypeHuman:
		agent = sender
	default:
		return Result{}, crew.Invalid("to", "private messages are between an agent and the human")
	}
	human, err := registry.GetAgentByType(conn, registry.TypeHuman)
	if err != nil {
		return Result{}, err
	}

	session, err := r.vault.Intercept(ctx, conn, agent.ID, human.ID, sender.ID, req.Body)
	if err != nil {
		return Result{}, err
	}

	id, err := r.insertMessage(conn, now, SubmitRequest{
		From:     req.From,
		To:       req.To,
		Type:     crew.TypePrivate,
		Subject:  "",
		Body:     "",
		Priority: req.Priority,
		Private:  true,
	}, insertOpts{
		status:    crew.StatusDelivered,
		delivered: true,
		sessionID: session.ID,
	})
	if err != nil {
		return Result{}, err
	}
	return Result{ID: id, Status: crew.StatusDelivered}, nil
}

// annotate decides Crew Boss's latitude over the message and records
// the decision for later human feedback. Messages from the human need
// no annotation.
func (r *Router) annotate(conn *sqlite.Conn, now time.Time, req SubmitRequest, sender registry.Agent, escalation bool) (config.Autonomy, error) {
	if sender.Type == registry.TypeHuman {
		return "", nil
	}
	boss, err := registry.GetAgentByType(conn, registry.TypeCrewBoss)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			// A crew without a boss runs everything past the human.
			return config.MustEscalate, nil
		}
		return "", err
	}

	autonomy := r.trust.Decide(req.Priority, escalation, boss.TrustScore)

	human, err := registry.GetAgentByType(conn, registry.TypeHuman)
	if err != nil {
		if errors.Is(err, registry.ErrAgentNotFound) {
			return autonomy, nil
		}
		return "", err
	}
	_, err = trust.InsertDecision(conn, now, boss.ID, human.ID, 0, autonomy, map[string]any{
		"from":     sender.Name,
		"subject":  req.Subject,
		"priority": string(req.Priority),
	})
	if err != nil {
		return "", err
	}
	return autonomy, nil
}

// schedule applies burnout and quiet-hours timing. Only traffic
// addressed to the human is held; agent-to-agent messages deliver
// immediately.
func (r *Router) schedule(now time.Time, req SubmitRequest, recipient registry.Agent, escalation bool) burnout.Verdict {
	if recipient.Type != registry.TypeHuman {
		return burnout.Verdict{}
	}
	return r.scheduler.Schedule(now, req.Priority, escalation, recipient.BurnoutScore)
}

type insertOpts struct {
	status    crew.MessageStatus
	reason    string
	autonomy  config.Autonomy
	holdUntil time.Time
	delivered bool
	sessionID int64
}

func (r *Router) insertMessage(conn *sqlite.Conn, now time.Time, req SubmitRequest, opts insertOpts) (int64, error) {
	var holdUntil, deliveredAt, sessionID any
	if !opts.holdUntil.IsZero() {
		holdUntil = opts.holdUntil.Unix()
	}
	if opts.delivered {
		deliveredAt = now.Unix()
	}
	if opts.sessionID != 0 {
		sessionID = opts.sessionID
	}
	private := 0
	if req.Private || req.Type == crew.TypePrivate {
		private = 1
	}

	err := sqlitex.Execute(conn, `
		INSERT INTO messages (from_agent_id, to_agent_id, message_type, subject, body,
			priority, private, session_id, status, reason, autonomy, hold_until,
			created_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			req.From, req.To, string(req.Type), req.Subject, req.Body,
			string(req.Priority), private, sessionID, string(opts.status),
			opts.reason, string(opts.autonomy), holdUntil, now.Unix(), deliveredAt,
		}})
	if err != nil {
		return 0, fmt.Errorf("router: inserting message: %w", err)
	}
	return conn.LastInsertRowID(), nil
}

// recordPendingEscalation is the escalation fallback: a minimal row
// with status pending that the release sweep delivers on its next
// pass.
func (r *Router) recordPendingEscalation(ctx context.Context, req SubmitRequest, cause error) (Result, error) {
	r.logger.Error("escalation pipeline failed, recording pending-critical",
		"from", req.From, "to", req.To, "error", cause)

	var id int64
	err := r.store.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		id, err = r.insertMessage(conn, r.store.Now(), SubmitRequest{
			From:     req.From,
			To:       req.To,
			Type:     crew.TypeEscalation,
			Subject:  req.Subject,
			Body:     req.Body,
			Priority: crew.PriorityCritical,
		}, insertOpts{status: crew.StatusPending, reason: "pending_critical_retry"})
		return err
	})
	if err != nil {
		// Storage itself is down; nothing more to record.
		return Result{}, fmt.Errorf("router: escalation fallback: %w (original: %v)", err, cause)
	}
	return Result{ID: id, Status: crew.StatusPending, Reason: "pending_critical_retry"}, nil
}

// MarkDelivered marks a pending or held message delivered. Calling it
// on an already delivered message is a no-op; a blocked message stays
// blocked.
func (r *Router) MarkDelivered(ctx context.Context, messageID int64) error {
	return r.store.Write(ctx, func(conn *sqlite.Conn) error {
		current, err := messageStatus(conn, messageID)
		if err != nil {
			return err
		}
		if current == crew.StatusDelivered {
			return nil
		}
		if !current.CanTransition(crew.StatusDelivered) {
			return crew.Invalid("status", "message %d is %s and cannot be delivered", messageID, current)
		}
		return sqlitex.Execute(conn, `
			UPDATE messages SET status = 'delivered', delivered_at = ?, hold_until = NULL
			WHERE id = ? AND status = ?`,
			&sqlitex.ExecOptions{Args: []any{r.store.Now().Unix(), messageID, string(current)}})
	})
}

func messageStatus(conn *sqlite.Conn, id int64) (crew.MessageStatus, error) {
	var status crew.MessageStatus
	err := sqlitex.Execute(conn, "SELECT status FROM messages WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				status = crew.MessageStatus(stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return "", fmt.Errorf("router: loading message %d: %w", id, err)
	}
	if status == "" {
		return "", crew.Invalid("id", "message %d not found", id)
	}
	return status, nil
}

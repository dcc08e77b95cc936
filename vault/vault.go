// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault is the encryption boundary for 1:1 agent↔human
// conversations. Each session gets its own age x25519 keypair;
// transcript entries are CBOR-encoded and age-encrypted before they
// touch the database, so nothing outside the two participants — Crew
// Boss included — can read them. The rest of the system sees only
// that a session exists: participants and start time.
//
// Key material lives in the Keystore, a separate database file from
// the crew store, so no database ever holds both a session key and
// plaintext message bodies.
package vault

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/audit"
	"github.com/crew-bus/crew-bus/registry"
	"github.com/crew-bus/crew-bus/store"
)

var (
	// ErrNotParticipant is returned when an agent reads or posts to
	// a session it is not part of. Always surfaced, never an empty
	// result, so "not allowed" is distinguishable from "no
	// messages".
	ErrNotParticipant = errors.New("vault: not a session participant")

	// ErrSessionClosed is returned for posts to an ended or expired
	// session.
	ErrSessionClosed = errors.New("vault: session closed")

	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("vault: session not found")
)

// Session is the externally visible metadata of a private session.
// No content fields, by construction.
type Session struct {
	ID        int64
	AgentID   int64
	HumanID   int64
	StartedAt time.Time
	ExpiresAt time.Time
	Active    bool
	EndedBy   string
}

// Entry is one decrypted transcript entry, returned only to
// participants.
type Entry struct {
	From int64     `cbor:"1,keyasint"`
	Text string    `cbor:"2,keyasint"`
	At   time.Time `cbor:"3,keyasint"`
}

// Vault manages private sessions over the shared store, with key
// material held apart in its own Keystore.
type Vault struct {
	store       *store.Store
	keys        *Keystore
	idleTimeout time.Duration
	logger      *slog.Logger
}

// New creates a vault. idleTimeout is the sliding expiry window: each
// post keeps the session alive that much longer.
func New(s *store.Store, keys *Keystore, idleTimeout time.Duration) *Vault {
	return &Vault{
		store:       s,
		keys:        keys,
		idleTimeout: idleTimeout,
		logger:      s.Logger().With("component", "vault"),
	}
}

// Open starts a private session between an agent and the human, or
// returns the existing active session for the pair. The keypair is
// generated here and never leaves the keystore.
func (v *Vault) Open(ctx context.Context, agentID, humanID int64) (Session, error) {
	var session Session
	err := v.store.Write(ctx, func(conn *sqlite.Conn) error {
		var err error
		session, err = v.OpenOnConn(ctx, conn, agentID, humanID)
		return err
	})
	return session, err
}

// OpenOnConn is Open on a caller's connection, so the router can
// intercept a private message inside its submit transaction.
func (v *Vault) OpenOnConn(ctx context.Context, conn *sqlite.Conn, agentID, humanID int64) (Session, error) {
	human, err := registry.GetAgent(conn, humanID)
	if err != nil {
		return Session{}, err
	}
	if human.Type != registry.TypeHuman {
		return Session{}, fmt.Errorf("vault: agent %d (%s) is not the human", humanID, human.Type)
	}
	agent, err := registry.GetAgent(conn, agentID)
	if err != nil {
		return Session{}, err
	}
	if agent.Status != registry.StatusActive {
		return Session{}, fmt.Errorf("vault: agent %s is %s, cannot open session", agent.Name, agent.Status)
	}

	existing, err := activeSession(conn, agentID, humanID)
	if err != nil {
		return Session{}, err
	}
	if existing.ID != 0 {
		return existing, nil
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return Session{}, fmt.Errorf("vault: generating session keypair: %w", err)
	}

	now := v.store.Now()
	expires := now.Add(v.idleTimeout)
	err = sqlitex.Execute(conn, `
		INSERT INTO sessions (agent_id, human_id, started_at, last_activity_at, expires_at)
		VALUES (?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			agentID, humanID, now.Unix(), now.Unix(), expires.Unix(),
		}})
	if err != nil {
		return Session{}, fmt.Errorf("vault: creating session: %w", err)
	}
	id := conn.LastInsertRowID()

	if err := v.keys.put(ctx, id, identity.Recipient().String(), identity.String()); err != nil {
		return Session{}, err
	}

	_, err = audit.Insert(conn, now, audit.EventSessionStarted, agentID, map[string]any{
		"session_id": id,
		"human_id":   humanID,
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		ID:        id,
		AgentID:   agentID,
		HumanID:   humanID,
		StartedAt: now,
		ExpiresAt: expires,
		Active:    true,
	}, nil
}

// Post encrypts a transcript entry into the session and extends the
// sliding expiry. Only participants may post.
func (v *Vault) Post(ctx context.Context, sessionID, fromID int64, text string) error {
	return v.store.Write(ctx, func(conn *sqlite.Conn) error {
		session, err := getSession(conn, sessionID)
		if err != nil {
			return err
		}
		return v.PostOnConn(ctx, conn, session, fromID, text)
	})
}

// PostOnConn posts into a loaded session on a caller's connection.
func (v *Vault) PostOnConn(ctx context.Context, conn *sqlite.Conn, session Session, fromID int64, text string) error {
	if fromID != session.AgentID && fromID != session.HumanID {
		return fmt.Errorf("agent %d, session %d: %w", fromID, session.ID, ErrNotParticipant)
	}
	now := v.store.Now()
	if !session.Active || !now.Before(session.ExpiresAt) {
		return fmt.Errorf("session %d: %w", session.ID, ErrSessionClosed)
	}

	publicKey, _, err := v.keys.get(ctx, session.ID)
	if err != nil {
		return err
	}
	recipient, err := age.ParseX25519Recipient(publicKey)
	if err != nil {
		return fmt.Errorf("vault: parsing session public key: %w", err)
	}

	plaintext, err := cbor.Marshal(Entry{From: fromID, Text: text, At: now.UTC()})
	if err != nil {
		return fmt.Errorf("vault: encoding entry: %w", err)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("vault: creating encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("vault: encrypting entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("vault: finalizing encryption: %w", err)
	}

	err = sqlitex.Execute(conn, `
		INSERT INTO session_messages (session_id, ciphertext, created_at) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			session.ID, base64.StdEncoding.EncodeToString(ciphertext.Bytes()), now.Unix(),
		}})
	if err != nil {
		return fmt.Errorf("vault: storing entry: %w", err)
	}

	return sqlitex.Execute(conn, `
		UPDATE sessions SET last_activity_at = ?, expires_at = ? WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{
			now.Unix(), now.Add(v.idleTimeout).Unix(), session.ID,
		}})
}

// Intercept moves a private message into the vault: it opens (or
// reuses) the session for the pair and posts the body as a transcript
// entry. Returns the session so the router can store the content-free
// marker row. Runs on the router's connection.
func (v *Vault) Intercept(ctx context.Context, conn *sqlite.Conn, agentID, humanID, fromID int64, text string) (Session, error) {
	session, err := v.OpenOnConn(ctx, conn, agentID, humanID)
	if err != nil {
		return Session{}, err
	}
	if err := v.PostOnConn(ctx, conn, session, fromID, text); err != nil {
		return Session{}, err
	}
	return session, nil
}

// Read decrypts the transcript for a participant, oldest first. A
// non-participant gets ErrNotParticipant before any database row is
// touched.
func (v *Vault) Read(ctx context.Context, sessionID, readerID int64) ([]Entry, error) {
	conn, err := v.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer v.store.Put(conn)

	session, err := getSession(conn, sessionID)
	if err != nil {
		return nil, err
	}
	if readerID != session.AgentID && readerID != session.HumanID {
		return nil, fmt.Errorf("agent %d, session %d: %w", readerID, sessionID, ErrNotParticipant)
	}

	_, privateKey, err := v.keys.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	identity, err := age.ParseX25519Identity(privateKey)
	if err != nil {
		return nil, fmt.Errorf("vault: parsing session private key: %w", err)
	}

	var entries []Entry
	err = sqlitex.Execute(conn, `
		SELECT ciphertext FROM session_messages WHERE session_id = ? ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw, err := base64.StdEncoding.DecodeString(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("vault: decoding ciphertext: %w", err)
				}
				r, err := age.Decrypt(bytes.NewReader(raw), identity)
				if err != nil {
					return fmt.Errorf("vault: decrypting entry: %w", err)
				}
				plaintext, err := io.ReadAll(r)
				if err != nil {
					return fmt.Errorf("vault: reading entry: %w", err)
				}
				var entry Entry
				if err := cbor.Unmarshal(plaintext, &entry); err != nil {
					return fmt.Errorf("vault: decoding entry: %w", err)
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// End closes a session. endedBy names who closed it ("agent",
// "human", "expiry"). Ending an inactive session is a no-op.
func (v *Vault) End(ctx context.Context, sessionID int64, endedBy string) error {
	return v.store.Write(ctx, func(conn *sqlite.Conn) error {
		session, err := getSession(conn, sessionID)
		if err != nil {
			return err
		}
		if !session.Active {
			return nil
		}
		return v.endSession(conn, session, endedBy)
	})
}

func (v *Vault) endSession(conn *sqlite.Conn, session Session, endedBy string) error {
	err := sqlitex.Execute(conn, `
		UPDATE sessions SET active = 0, ended_by = ? WHERE id = ? AND active = 1`,
		&sqlitex.ExecOptions{Args: []any{endedBy, session.ID}})
	if err != nil {
		return fmt.Errorf("vault: ending session %d: %w", session.ID, err)
	}
	if conn.Changes() == 0 {
		return nil
	}
	_, err = audit.Insert(conn, v.store.Now(), audit.EventSessionEnded, session.AgentID, map[string]any{
		"session_id": session.ID,
		"ended_by":   endedBy,
	})
	return err
}

// ExpireSweep closes every active session past its sliding expiry.
// Returns how many it closed; safe to re-run.
func (v *Vault) ExpireSweep(ctx context.Context) (int, error) {
	closed := 0
	err := v.store.Write(ctx, func(conn *sqlite.Conn) error {
		now := v.store.Now()
		var expired []Session
		err := sqlitex.Execute(conn, `
			SELECT `+sessionColumns+` FROM sessions WHERE active = 1 AND expires_at <= ?`,
			&sqlitex.ExecOptions{
				Args: []any{now.Unix()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					expired = append(expired, sessionFromStmt(stmt))
					return nil
				},
			})
		if err != nil {
			return fmt.Errorf("vault: listing expired sessions: %w", err)
		}
		for _, session := range expired {
			if err := v.endSession(conn, session, "expiry"); err != nil {
				return err
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return closed, nil
}

// Sessions lists session metadata, newest first. Content is not
// reachable through this path.
func (v *Vault) Sessions(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := v.store.Read(ctx)
	if err != nil {
		return nil, err
	}
	defer v.store.Put(conn)

	var sessions []Session
	err = sqlitex.Execute(conn, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessions = append(sessions, sessionFromStmt(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("vault: listing sessions: %w", err)
	}
	return sessions, nil
}

// Get returns session metadata by id.
func (v *Vault) Get(ctx context.Context, sessionID int64) (Session, error) {
	conn, err := v.store.Read(ctx)
	if err != nil {
		return Session{}, err
	}
	defer v.store.Put(conn)
	return getSession(conn, sessionID)
}

const sessionColumns = "id, agent_id, human_id, started_at, expires_at, active, ended_by"

func sessionFromStmt(stmt *sqlite.Stmt) Session {
	return Session{
		ID:        stmt.ColumnInt64(0),
		AgentID:   stmt.ColumnInt64(1),
		HumanID:   stmt.ColumnInt64(2),
		StartedAt: time.Unix(stmt.ColumnInt64(3), 0).UTC(),
		ExpiresAt: time.Unix(stmt.ColumnInt64(4), 0).UTC(),
		Active:    stmt.ColumnInt64(5) == 1,
		EndedBy:   stmt.ColumnText(6),
	}
}

func getSession(conn *sqlite.Conn, id int64) (Session, error) {
	var session Session
	err := sqlitex.Execute(conn, "SELECT "+sessionColumns+" FROM sessions WHERE id = ?",
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = sessionFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return Session{}, fmt.Errorf("vault: loading session %d: %w", id, err)
	}
	if session.ID == 0 {
		return Session{}, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return session, nil
}

func activeSession(conn *sqlite.Conn, agentID, humanID int64) (Session, error) {
	var session Session
	err := sqlitex.Execute(conn, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE agent_id = ? AND human_id = ? AND active = 1 ORDER BY id DESC LIMIT 1`,
		&sqlitex.ExecOptions{
			Args: []any{agentID, humanID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session = sessionFromStmt(stmt)
				return nil
			},
		})
	if err != nil {
		return Session{}, fmt.Errorf("vault: looking up active session: %w", err)
	}
	return session, nil
}

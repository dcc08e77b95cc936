// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package vault

import (
	"context"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/lib/sqlitepool"
)

// keystoreSchema holds nothing but key material. Ciphertext stays in
// the crew store; plaintext exists only in participant memory.
const keystoreSchema = `
CREATE TABLE IF NOT EXISTS session_keys (
	session_id  INTEGER PRIMARY KEY,
	public_key  TEXT NOT NULL,
	private_key TEXT NOT NULL
);
`

// Keystore is the session key database. It is a separate SQLite file
// from the crew store: the crew store carries plaintext bodies of
// ordinary messages, and private-session keys must never share a
// database with any plaintext.
type Keystore struct {
	pool *sqlitepool.Pool
}

// OpenKeystore opens (creating if needed) the key database at path.
// PoolSize 1 is enough: key traffic is one read or write per session
// operation.
func OpenKeystore(path string, logger *slog.Logger) (*Keystore, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     path,
		PoolSize: 1,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, keystoreSchema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("vault: keystore: %w", err)
	}
	return &Keystore{pool: pool}, nil
}

// Close closes the key database.
func (k *Keystore) Close() error {
	return k.pool.Close()
}

// put stores the keypair for a session. OR REPLACE because the crew
// store can roll back a session insert after the key write and reissue
// the same session id later; a key whose session never committed
// guarded no ciphertext and is safe to overwrite.
func (k *Keystore) put(ctx context.Context, sessionID int64, publicKey, privateKey string) error {
	conn, err := k.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer k.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		INSERT OR REPLACE INTO session_keys (session_id, public_key, private_key)
		VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{sessionID, publicKey, privateKey}})
	if err != nil {
		return fmt.Errorf("vault: storing session key: %w", err)
	}
	return nil
}

// get loads the keypair for a session.
func (k *Keystore) get(ctx context.Context, sessionID int64) (publicKey, privateKey string, err error) {
	conn, err := k.pool.Take(ctx)
	if err != nil {
		return "", "", err
	}
	defer k.pool.Put(conn)

	err = sqlitex.Execute(conn, `
		SELECT public_key, private_key FROM session_keys WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				publicKey = stmt.ColumnText(0)
				privateKey = stmt.ColumnText(1)
				return nil
			},
		})
	if err != nil {
		return "", "", fmt.Errorf("vault: loading session keys: %w", err)
	}
	if publicKey == "" {
		return "", "", fmt.Errorf("vault: no keys for session %d", sessionID)
	}
	return publicKey, privateKey, nil
}

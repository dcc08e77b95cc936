// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

// Package store owns the embedded SQLite database behind the crew
// core: agents, messages, audit events, skills, skill health, and
// private sessions all live in one file with no external network
// dependency.
//
// Write path: every state-mutating operation runs inside Write, which
// serializes writers through a single mutex and wraps the work in an
// IMMEDIATE transaction. Routing-legality checks and the resulting
// status write are therefore atomic — concurrent submissions can never
// leave a message half-applied, and a message is never observable as
// both blocked and delivered.
//
// Read path: Read hands out pool connections directly. WAL mode gives
// readers a consistent snapshot that never blocks on the writer.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/crew-bus/crew-bus/lib/clock"
	"github.com/crew-bus/crew-bus/lib/sqlitepool"
)

// Store is the shared crew database handle. One Store per crew; tests
// open as many isolated stores as they like.
type Store struct {
	pool   *sqlitepool.Pool
	clock  clock.Clock
	logger *slog.Logger

	// writeMu serializes all write transactions. SQLite would
	// serialize them anyway; taking the lock in-process keeps the
	// busy-timeout path cold and makes the one-writer model
	// explicit.
	writeMu sync.Mutex
}

// Config holds the parameters for opening a crew store.
type Config struct {
	// Path is the SQLite database file. ":memory:" works for tests
	// with PoolSize 1.
	Path string

	// PoolSize is the connection pool size. Zero uses the pool
	// default.
	PoolSize int

	// Clock provides timestamps for all rows. Required.
	Clock clock.Clock

	// Logger receives operational messages. Nil means discard.
	Logger *slog.Logger
}

// Open opens (creating if needed) the crew database and applies the
// schema. The caller must Close the store when done.
func Open(cfg Config) (*Store, error) {
	if cfg.Clock == nil {
		return nil, fmt.Errorf("store: Clock is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Path,
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteScript(conn, schema, nil)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	return &Store{pool: pool, clock: cfg.Clock, logger: logger}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Clock returns the store's clock. Components that stamp rows use
// this so the whole crew shares one time source.
func (s *Store) Clock() clock.Clock { return s.clock }

// Now returns the current time from the store's clock.
func (s *Store) Now() time.Time { return s.clock.Now() }

// Logger returns the store's logger.
func (s *Store) Logger() *slog.Logger { return s.logger }

// Read borrows a connection for queries. The caller must Put it back.
func (s *Store) Read(ctx context.Context) (*sqlite.Conn, error) {
	return s.pool.Take(ctx)
}

// Put returns a connection borrowed with Read.
func (s *Store) Put(conn *sqlite.Conn) {
	s.pool.Put(conn)
}

// Write runs fn inside the store's single-writer transactional
// boundary. If fn returns an error the transaction rolls back and
// nothing it did is visible. Storage failures here are the only
// errors the crew core treats as fatal to an operation — delivery
// consistency is never silently lost.
func (s *Store) Write(ctx context.Context, fn func(conn *sqlite.Conn) error) (err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("store: begin write transaction: %w", err)
	}
	defer endTransaction(&err)

	return fn(conn)
}

// Copyright 2026 The Crew Bus Authors
// SPDX-License-Identifier: Apache-2.0

package store

// schema is applied to every pooled connection with CREATE IF NOT
// EXISTS semantics. All timestamps are Unix seconds UTC. Message and
// audit ids are rowids, which SQLite allocates monotonically — the
// ordering guarantees for FIFO release and audit replay rest on that.
const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id            INTEGER PRIMARY KEY,
	name          TEXT NOT NULL UNIQUE,
	agent_type    TEXT NOT NULL,
	parent_id     INTEGER REFERENCES agents(id),
	status        TEXT NOT NULL DEFAULT 'active',
	trust_score   INTEGER NOT NULL DEFAULT 5,
	burnout_score INTEGER NOT NULL DEFAULT 3,
	model         TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id            INTEGER PRIMARY KEY,
	from_agent_id INTEGER NOT NULL REFERENCES agents(id),
	to_agent_id   INTEGER NOT NULL REFERENCES agents(id),
	message_type  TEXT NOT NULL,
	subject       TEXT NOT NULL,
	body          TEXT NOT NULL,
	priority      TEXT NOT NULL DEFAULT 'normal',
	private       INTEGER NOT NULL DEFAULT 0,
	session_id    INTEGER REFERENCES sessions(id),
	status        TEXT NOT NULL DEFAULT 'pending',
	reason        TEXT NOT NULL DEFAULT '',
	autonomy      TEXT NOT NULL DEFAULT '',
	hold_until    INTEGER,
	created_at    INTEGER NOT NULL,
	delivered_at  INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(status, created_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_to ON messages(to_agent_id, id);

CREATE TABLE IF NOT EXISTS audit_events (
	id         INTEGER PRIMARY KEY,
	event_type TEXT NOT NULL,
	agent_id   INTEGER,
	payload    BLOB,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_type_time ON audit_events(event_type, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_agent_time ON audit_events(agent_id, created_at);

CREATE TABLE IF NOT EXISTS skills (
	id           INTEGER PRIMARY KEY,
	name         TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	source       TEXT NOT NULL DEFAULT 'community',
	manifest     TEXT NOT NULL DEFAULT '{}',
	verdict      TEXT NOT NULL,
	risk_score   INTEGER NOT NULL DEFAULT 0,
	vetted_at    INTEGER NOT NULL,
	UNIQUE(name, content_hash)
);

CREATE TABLE IF NOT EXISTS agent_skills (
	agent_id     INTEGER NOT NULL REFERENCES agents(id),
	skill_id     INTEGER NOT NULL REFERENCES skills(id),
	installed_at INTEGER NOT NULL,
	UNIQUE(agent_id, skill_id)
);

CREATE TABLE IF NOT EXISTS skill_health (
	id                    INTEGER PRIMARY KEY,
	agent_id              INTEGER NOT NULL REFERENCES agents(id),
	skill_id              INTEGER NOT NULL REFERENCES skills(id),
	state                 TEXT NOT NULL DEFAULT 'healthy',
	score                 INTEGER NOT NULL DEFAULT 100,
	total_uses            INTEGER NOT NULL DEFAULT 0,
	error_count           INTEGER NOT NULL DEFAULT 0,
	charter_count         INTEGER NOT NULL DEFAULT 0,
	integrity_count       INTEGER NOT NULL DEFAULT 0,
	latency_anomaly_count INTEGER NOT NULL DEFAULT 0,
	avg_response_ms       INTEGER NOT NULL DEFAULT 0,
	baseline_response_ms  INTEGER NOT NULL DEFAULT 0,
	quarantined_at        INTEGER,
	quarantine_reason     TEXT NOT NULL DEFAULT '',
	updated_at            INTEGER NOT NULL,
	archived              INTEGER NOT NULL DEFAULT 0,
	UNIQUE(agent_id, skill_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id               INTEGER PRIMARY KEY,
	agent_id         INTEGER NOT NULL REFERENCES agents(id),
	human_id         INTEGER NOT NULL REFERENCES agents(id),
	started_at       INTEGER NOT NULL,
	last_activity_at INTEGER NOT NULL,
	expires_at       INTEGER NOT NULL,
	active           INTEGER NOT NULL DEFAULT 1,
	ended_by         TEXT NOT NULL DEFAULT ''
);

-- Session content here is ciphertext only. The per-session keys live
-- in the vault keystore, a separate database file, because this
-- database carries plaintext bodies of ordinary messages.
CREATE TABLE IF NOT EXISTS session_messages (
	id         INTEGER PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES sessions(id),
	ciphertext TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS decisions (
	id            INTEGER PRIMARY KEY,
	crew_boss_id  INTEGER NOT NULL REFERENCES agents(id),
	human_id      INTEGER NOT NULL REFERENCES agents(id),
	message_id    INTEGER REFERENCES messages(id),
	autonomy      TEXT NOT NULL,
	context       BLOB,
	human_override INTEGER,
	feedback_note TEXT NOT NULL DEFAULT '',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_boss ON decisions(crew_boss_id, id);
`

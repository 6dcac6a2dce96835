package store

import (
	"context"
	"fmt"
	"time"
)

// Migrations are explicit: nothing here runs implicitly at startup. The CLI
// migrate command (or serve --migrate) calls Migrate.

const (
	createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
    id VARCHAR(64) PRIMARY KEY,
    email VARCHAR(255) NOT NULL UNIQUE,
    display_name VARCHAR(255) NOT NULL,
    hashed_password VARCHAR(255) NOT NULL,
    is_admin BOOLEAN NOT NULL DEFAULT FALSE,
    profile TEXT,
    created_at TIMESTAMP NOT NULL
);
`

	createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(64) PRIMARY KEY,
    owner_id VARCHAR(64) NOT NULL,
    summary TEXT,
    summary_covers INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, updated_at);
`

	createTurnsSQL = `
CREATE TABLE IF NOT EXISTS session_turns (
    id VARCHAR(64) PRIMARY KEY,
    session_id VARCHAR(64) NOT NULL,
    seq INTEGER NOT NULL,
    inbound TEXT NOT NULL,
    outbound TEXT NOT NULL,
    specialists TEXT,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE,
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_turns_session ON session_turns(session_id, seq);
`

	createMemoriesSQL = `
CREATE TABLE IF NOT EXISTS memories (
    id VARCHAR(64) PRIMARY KEY,
    owner_id VARCHAR(64) NOT NULL,
    source_turn_id VARCHAR(64),
    topic VARCHAR(64) NOT NULL,
    content TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (owner_id, source_turn_id, topic)
);

CREATE INDEX IF NOT EXISTS idx_memories_owner ON memories(owner_id, updated_at);
`

	createDocumentsSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id VARCHAR(64) PRIMARY KEY,
    owner_id VARCHAR(64) NOT NULL,
    name VARCHAR(512) NOT NULL,
    access_level VARCHAR(32) NOT NULL,
    status VARCHAR(32) NOT NULL,
    ingested_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
`

	createChunksSQL = `
CREATE TABLE IF NOT EXISTS chunks (
    id VARCHAR(64) PRIMARY KEY,
    document_id VARCHAR(64) NOT NULL,
    owner_id VARCHAR(64) NOT NULL,
    access_level VARCHAR(32) NOT NULL,
    ordinal INTEGER NOT NULL,
    content TEXT NOT NULL,
    terms TEXT NOT NULL,
    FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id, ordinal);
CREATE INDEX IF NOT EXISTS idx_chunks_owner ON chunks(owner_id);
`

	createConnectionsSQL = `
CREATE TABLE IF NOT EXISTS connections (
    owner_id VARCHAR(64) NOT NULL,
    provider VARCHAR(64) NOT NULL,
    status VARCHAR(32) NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (owner_id, provider)
);
`
)

// Migrate creates all core tables for the active dialect.
func (g *Gateway) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	statements := []string{
		createUsersSQL,
		createSessionsSQL,
		createTurnsSQL,
		createMemoriesSQL,
		createDocumentsSQL,
		createChunksSQL,
		createConnectionsSQL,
	}

	for _, stmt := range statements {
		if _, err := g.db.ExecContext(ctx, g.dialectDDL(stmt)); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// dialectDDL adjusts portable DDL for dialect quirks.
func (g *Gateway) dialectDDL(stmt string) string {
	if g.dialect == "mysql" {
		// MySQL predates IF NOT EXISTS on CREATE INDEX; dropping the guard
		// is acceptable because migrations are idempotent per table.
		return stripIndexGuards(stmt)
	}
	return stmt
}

func stripIndexGuards(stmt string) string {
	out := ""
	for _, line := range splitLines(stmt) {
		if containsIndexGuard(line) {
			continue
		}
		out += line + "\n"
	}
	return out
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func containsIndexGuard(line string) bool {
	return len(line) > 0 && (len(line) >= 12 && line[:12] == "CREATE INDEX")
}

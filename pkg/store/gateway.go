// Package store is the persistence gateway for the Cirkelline core.
//
// It owns the database connection pool, the retry policy for transient
// failures, and the explicit schema migrations. Core packages never compose
// raw SQL that bypasses the owner-scoped helpers here: every query that
// touches caller data carries the caller's id in its parameters.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

// Gateway wraps the shared connection pool with dialect awareness.
type Gateway struct {
	db      *sql.DB
	dialect string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open connects to the configured database and verifies reachability.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*Gateway, error) {
	driver, err := cfg.Driver()
	if err != nil {
		return nil, fault.Wrap(fault.Malformed, "store.Open", err)
	}

	dsn := cfg.DSN()
	if driver == "mysql" {
		dsn = mysqlDSN(dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "store.Open", err)
	}

	// SQLite supports one writer at a time. A single connection serializes
	// access and prevents "database is locked" errors.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.PoolSize)
		db.SetMaxIdleConns(cfg.PoolSize / 2)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.DependencyFailure, "store.Open",
			fmt.Errorf("database unreachable: %w", err))
	}

	dialect := driver
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}

	return &Gateway{
		db:      db,
		dialect: dialect,
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// mysqlDSN ensures parseTime is set. TIMESTAMP columns scan into
// time.Time only when the driver parses them.
func mysqlDSN(dsn string) string {
	if strings.Contains(dsn, "parseTime=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "parseTime=true"
}

// DB exposes the underlying pool for package-internal query helpers.
func (g *Gateway) DB() *sql.DB { return g.db }

// Dialect returns "postgres", "mysql" or "sqlite".
func (g *Gateway) Dialect() string { return g.dialect }

// Close releases the pool.
func (g *Gateway) Close() error { return g.db.Close() }

// Rebind rewrites ?-placeholders into the dialect's form.
func (g *Gateway) Rebind(query string) string {
	if g.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SessionLock returns the mutex serializing appends for one session.
// Locks are created on demand and kept for the process lifetime; the
// set of active sessions is small relative to memory.
func (g *Gateway) SessionLock(sessionID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[sessionID] = l
	}
	return l
}

// retry policy for transient database errors.
const (
	maxAttempts  = 3
	retryBaseoff = 100 * time.Millisecond
)

// WithRetry runs op with exponential back-off on transient errors.
// Callers must only pass idempotent operations: a retried write that is not
// idempotent can double-apply.
func (g *Gateway) WithRetry(ctx context.Context, name string, op func(ctx context.Context) error) error {
	var err error
	backoff := retryBaseoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = op(ctx)
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		slog.Warn("Transient database error, retrying",
			"op", name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.Cancelled, name, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fault.Wrap(fault.DependencyFailure, name, err)
}

// isTransient reports whether an error is worth retrying.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"database is locked",
		"deadlock detected",
		"serialization failure",
		"bad connection",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/config"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.DatabaseConfig{URL: "sqlite://:memory:"}
	cfg.SetDefaults()
	cfg.URL = "sqlite://:memory:"

	g, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { g.Close() })

	require.NoError(t, g.Migrate(context.Background()))
	return g
}

func TestOpenAndMigrate(t *testing.T) {
	g := newTestGateway(t)
	assert.Equal(t, "sqlite", g.Dialect())

	// Tables exist and are queryable.
	for _, table := range []string{"users", "sessions", "session_turns", "memories", "documents", "chunks"} {
		var n int
		err := g.DB().QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
		require.NoError(t, err, table)
		assert.Equal(t, 0, n)
	}
}

func TestRebind(t *testing.T) {
	g := &Gateway{dialect: "postgres"}
	assert.Equal(t, "SELECT $1, $2", g.Rebind("SELECT ?, ?"))

	g.dialect = "sqlite"
	assert.Equal(t, "SELECT ?, ?", g.Rebind("SELECT ?, ?"))
}

func TestMysqlDSNForcesParseTime(t *testing.T) {
	assert.Equal(t, "user:pw@tcp(db:3306)/cirkelline?parseTime=true",
		mysqlDSN("user:pw@tcp(db:3306)/cirkelline"))
	assert.Equal(t, "user:pw@tcp(db:3306)/cirkelline?charset=utf8mb4&parseTime=true",
		mysqlDSN("user:pw@tcp(db:3306)/cirkelline?charset=utf8mb4"))
	assert.Equal(t, "user:pw@tcp(db:3306)/cirkelline?parseTime=false",
		mysqlDSN("user:pw@tcp(db:3306)/cirkelline?parseTime=false"))
}

func TestScopedHelpersRejectUnscopedSQL(t *testing.T) {
	g := newTestGateway(t)

	_, err := g.OwnerQuery(context.Background(), "u1", "SELECT id FROM sessions")
	require.Error(t, err)
	assert.Equal(t, fault.Internal, fault.KindOf(err))

	rows, err := g.OwnerQuery(context.Background(), "u1", "SELECT id FROM sessions WHERE owner_id = ?")
	require.NoError(t, err)
	rows.Close()
}

func TestScopedQueriesInheritCallerDeadline(t *testing.T) {
	g := newTestGateway(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.OwnerQuery(ctx, "u1", "SELECT id FROM sessions WHERE owner_id = ?")
	require.Error(t, err)

	row, err := g.OwnerQueryRow(ctx, "u1", "SELECT id FROM sessions WHERE owner_id = ?")
	require.NoError(t, err)
	var id string
	assert.Error(t, row.Scan(&id))

	_, err = g.OwnerExec(ctx, "u1", "DELETE FROM sessions WHERE owner_id = ?")
	assert.Error(t, err)
}

func TestScopedRowReportsNoRows(t *testing.T) {
	g := newTestGateway(t)

	row, err := g.OwnerQueryRow(context.Background(), "u1",
		"SELECT id FROM sessions WHERE owner_id = ?")
	require.NoError(t, err)

	var id string
	assert.Equal(t, sql.ErrNoRows, row.Scan(&id))
}

func TestWithRetryGivesUpOnPermanentErrors(t *testing.T) {
	g := newTestGateway(t)

	calls := 0
	err := g.WithRetry(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errors.New("syntax error")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRetriesTransient(t *testing.T) {
	g := newTestGateway(t)

	calls := 0
	err := g.WithRetry(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestSessionLockIsStable(t *testing.T) {
	g := newTestGateway(t)
	a := g.SessionLock("s1")
	b := g.SessionLock("s1")
	c := g.SessionLock("s2")
	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
}

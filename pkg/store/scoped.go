package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
)

// Owner-scoped query helpers. Caller data is only touched through these:
// each one refuses SQL that does not reference owner_id, so an unscoped
// query is a programming error caught immediately rather than a data leak.
//
// Every helper bounds its statement with queryTimeout so a stuck database
// cannot pin a request past its deadline. A tighter caller deadline wins.

const queryTimeout = 15 * time.Second

// Rows wraps sql.Rows so the per-query deadline is released on Close.
type Rows struct {
	*sql.Rows
	cancel context.CancelFunc
}

// Close releases the rows and the query deadline.
func (r *Rows) Close() error {
	defer r.cancel()
	return r.Rows.Close()
}

// Row wraps sql.Row so the per-query deadline is released after Scan.
type Row struct {
	row    *sql.Row
	cancel context.CancelFunc
}

// Scan copies the matched row. It reports sql.ErrNoRows like sql.Row.
func (r *Row) Scan(dest ...any) error {
	defer r.cancel()
	return r.row.Scan(dest...)
}

// Err reports a deferred query error.
func (r *Row) Err() error { return r.row.Err() }

// OwnerQuery runs a read scoped to ownerID. The query must contain an
// owner_id predicate; ownerID is bound as the first parameter.
func (g *Gateway) OwnerQuery(ctx context.Context, ownerID, query string, args ...any) (*Rows, error) {
	if err := requireOwnerPredicate(query); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	all := append([]any{ownerID}, args...)
	rows, err := g.db.QueryContext(qctx, g.Rebind(query), all...)
	if err != nil {
		cancel()
		return nil, err
	}
	return &Rows{Rows: rows, cancel: cancel}, nil
}

// OwnerQueryRow is OwnerQuery for single-row reads.
func (g *Gateway) OwnerQueryRow(ctx context.Context, ownerID, query string, args ...any) (*Row, error) {
	if err := requireOwnerPredicate(query); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	all := append([]any{ownerID}, args...)
	return &Row{row: g.db.QueryRowContext(qctx, g.Rebind(query), all...), cancel: cancel}, nil
}

// OwnerExec runs a write scoped to ownerID.
func (g *Gateway) OwnerExec(ctx context.Context, ownerID, query string, args ...any) (sql.Result, error) {
	if err := requireOwnerPredicate(query); err != nil {
		return nil, err
	}
	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	all := append([]any{ownerID}, args...)
	return g.db.ExecContext(qctx, g.Rebind(query), all...)
}

func requireOwnerPredicate(query string) error {
	if !strings.Contains(query, "owner_id") {
		return fault.New(fault.Internal, "store.scoped",
			"query bypasses the isolation predicate: no owner_id reference")
	}
	return nil
}

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/fault"
	"github.com/opnureyes2-del/Cirkelline-Kv1ntos-sub010/pkg/store"
)

// Store persists sessions and turns through the persistence gateway.
type Store struct {
	gateway *store.Gateway
}

// NewStore creates a session store.
func NewStore(gateway *store.Gateway) *Store {
	return &Store{gateway: gateway}
}

// ResolveOrMint returns a concrete session id for the turn. An absent, empty
// or foreign incoming id mints a fresh UUID; the model runtime is never asked
// to decide the id.
func (s *Store) ResolveOrMint(ctx context.Context, ownerID, incomingID string) (string, error) {
	if incomingID != "" {
		owned, err := s.owns(ctx, ownerID, incomingID)
		if err != nil {
			return "", err
		}
		if owned {
			return incomingID, nil
		}
		// Foreign or unknown id: mint rather than leak existence.
	}

	id := uuid.NewString()
	now := time.Now()
	_, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(`
INSERT INTO sessions (id, owner_id, summary, summary_covers, created_at, updated_at)
VALUES (?, ?, '', 0, ?, ?)
`), id, ownerID, now, now)
	if err != nil {
		return "", fault.Wrap(fault.DependencyFailure, "session.ResolveOrMint", err)
	}
	return id, nil
}

func (s *Store) owns(ctx context.Context, ownerID, sessionID string) (bool, error) {
	row, err := s.gateway.OwnerQueryRow(ctx, ownerID,
		`SELECT COUNT(*) FROM sessions WHERE owner_id = ? AND id = ?`, sessionID)
	if err != nil {
		return false, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fault.Wrap(fault.DependencyFailure, "session.owns", err)
	}
	return n > 0, nil
}

// AppendTurn writes a completed turn. Appends on the same session are
// serialized so sequence numbers form a total order.
func (s *Store) AppendTurn(ctx context.Context, ownerID string, turn *Turn) error {
	owned, err := s.owns(ctx, ownerID, turn.SessionID)
	if err != nil {
		return err
	}
	if !owned {
		return fault.New(fault.Ownership, "session.AppendTurn", "session not owned by caller")
	}

	lock := s.gateway.SessionLock(turn.SessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.gateway.DB().BeginTx(ctx, nil)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.AppendTurn", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int
	err = tx.QueryRowContext(ctx, s.gateway.Rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_turns WHERE session_id = ?`),
		turn.SessionID).Scan(&seq)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.AppendTurn", err)
	}

	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.Seq = seq
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}

	specialists, err := json.Marshal(turn.Specialists)
	if err != nil {
		return fault.Wrap(fault.Internal, "session.AppendTurn", err)
	}

	_, err = tx.ExecContext(ctx, s.gateway.Rebind(`
INSERT INTO session_turns (id, session_id, seq, inbound, outbound, specialists, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
`), turn.ID, turn.SessionID, seq, turn.Inbound, turn.Outbound, string(specialists), turn.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.AppendTurn", err)
	}

	_, err = tx.ExecContext(ctx, s.gateway.Rebind(
		`UPDATE sessions SET updated_at = ? WHERE id = ?`), time.Now(), turn.SessionID)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.AppendTurn", err)
	}

	if err = tx.Commit(); err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.AppendTurn", err)
	}
	return nil
}

// Load returns one session with its turns in sequence order.
// A foreign session id reports NotFound.
func (s *Store) Load(ctx context.Context, ownerID, sessionID string) (*Session, error) {
	row, err := s.gateway.OwnerQueryRow(ctx, ownerID, `
SELECT id, owner_id, summary, summary_covers, created_at, updated_at
FROM sessions WHERE owner_id = ? AND id = ?
`, sessionID)
	if err != nil {
		return nil, err
	}

	var sess Session
	err = row.Scan(&sess.ID, &sess.OwnerID, &sess.Summary, &sess.SummaryCovers,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fault.New(fault.NotFound, "session.Load", "session not found")
	}
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "session.Load", err)
	}

	rows, err := s.gateway.DB().QueryContext(ctx, s.gateway.Rebind(`
SELECT id, session_id, seq, inbound, outbound, specialists, created_at
FROM session_turns WHERE session_id = ? ORDER BY seq ASC
`), sessionID)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "session.Load", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			turn        Turn
			specialists string
		)
		if err := rows.Scan(&turn.ID, &turn.SessionID, &turn.Seq, &turn.Inbound,
			&turn.Outbound, &specialists, &turn.CreatedAt); err != nil {
			return nil, fault.Wrap(fault.DependencyFailure, "session.Load", err)
		}
		if specialists != "" && specialists != "null" {
			_ = json.Unmarshal([]byte(specialists), &turn.Specialists)
		}
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "session.Load", err)
	}

	return &sess, nil
}

const defaultPageSize = 20

// List returns the caller's sessions newest-first. The cursor is the
// updated_at of the last session on the previous page, RFC3339Nano.
func (s *Store) List(ctx context.Context, ownerID, cursor string, limit int) (*Page, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultPageSize
	}

	query := `
SELECT id, owner_id, summary, summary_covers, created_at, updated_at
FROM sessions WHERE owner_id = ?`
	args := []any{}
	if cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, fault.New(fault.Malformed, "session.List", "invalid cursor")
		}
		query += ` AND updated_at < ?`
		args = append(args, before)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.gateway.OwnerQuery(ctx, ownerID, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "session.List", err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.OwnerID, &sess.Summary, &sess.SummaryCovers,
			&sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fault.Wrap(fault.DependencyFailure, "session.List", err)
		}
		page.Sessions = append(page.Sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.DependencyFailure, "session.List", err)
	}

	if len(page.Sessions) > limit {
		page.Sessions = page.Sessions[:limit]
		page.NextCursor = page.Sessions[limit-1].UpdatedAt.Format(time.RFC3339Nano)
	}
	return page, nil
}

// Delete removes a session and cascades to its turns. Memories derived from
// the session are kept. A foreign session reports NotFound.
func (s *Store) Delete(ctx context.Context, ownerID, sessionID string) error {
	owned, err := s.owns(ctx, ownerID, sessionID)
	if err != nil {
		return err
	}
	if !owned {
		return fault.New(fault.NotFound, "session.Delete", "session not found")
	}

	// Turn rows are removed explicitly: sqlite does not enforce foreign key
	// cascades unless the pragma is enabled per connection.
	if _, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`DELETE FROM session_turns WHERE session_id = ?`), sessionID); err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.Delete", err)
	}
	if _, err := s.gateway.OwnerExec(ctx, ownerID,
		`DELETE FROM sessions WHERE owner_id = ? AND id = ?`, sessionID); err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.Delete", err)
	}
	return nil
}

// UpdateSummary stores the condensed history and the sequence it covers.
// The owner predicate is inline because the scoped helpers bind ownerID first
// and SET placeholders come before the WHERE clause.
func (s *Store) UpdateSummary(ctx context.Context, ownerID, sessionID, summary string, covers int) error {
	res, err := s.gateway.DB().ExecContext(ctx, s.gateway.Rebind(
		`UPDATE sessions SET summary = ?, summary_covers = ? WHERE id = ? AND owner_id = ?`),
		summary, covers, sessionID, ownerID)
	if err != nil {
		return fault.Wrap(fault.DependencyFailure, "session.UpdateSummary", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.NotFound, "session.UpdateSummary", "session not found")
	}
	return nil
}

// ABOUTME: Session persistence methods for the SQLite store
// ABOUTME: Sessions are created at tap time and expire lazily on lookup

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateSession creates a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, account_token, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`, sess.ID, sess.AccountToken,
		sess.CreatedAt.UTC().Format(time.RFC3339),
		sess.ExpiresAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", sess.ID)
	return nil
}

// GetSession retrieves a session by ID, expired or not. Expiry policy lives
// in the binding protocol, which also decides when to delete the row.
// Returns ErrSessionNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var createdAtStr, expiresAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, account_token, created_at, expires_at
		FROM sessions
		WHERE id = ?
	`, id).Scan(&sess.ID, &sess.AccountToken, &createdAtStr, &expiresAtStr)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &sess, nil
}

// DeleteSession deletes a session. Deleting a missing session is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions removes all expired sessions and returns the count.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return s.deleteSessionsExpiredBefore(ctx, time.Now())
}

// deleteSessionsExpiredBefore sweeps sessions whose expiry is strictly
// before cutoff. A session at exactly expires_at is still resolvable,
// matching the lazy check on lookup.
func (s *SQLiteStore) deleteSessionsExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired sessions", "count", rowsAffected)
	}
	return rowsAffected, nil
}

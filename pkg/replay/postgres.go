package replay

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx so the store can join an
// enclosing transaction (the mandate archive shares one with the cache).
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresStore persists replay entries durably. Uniqueness rides on the
// primary key; a conflicting insert only succeeds when the existing entry
// has expired.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. The schema is expected to exist:
//
//	CREATE TABLE IF NOT EXISTS replay_entries (
//	    key        TEXT PRIMARY KEY,
//	    expires_at TIMESTAMPTZ NOT NULL
//	);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CheckAndStore implements Store.
func (s *PostgresStore) CheckAndStore(ctx context.Context, key string, expiresAt time.Time) (bool, error) {
	return checkAndStore(ctx, s.db, key, expiresAt)
}

// CheckAndStoreTx is CheckAndStore inside a caller-owned transaction, so
// the insert commits or rolls back together with the caller's writes.
func (s *PostgresStore) CheckAndStoreTx(ctx context.Context, tx *sql.Tx, key string, expiresAt time.Time) (bool, error) {
	return checkAndStore(ctx, tx, key, expiresAt)
}

func checkAndStore(ctx context.Context, q querier, key string, expiresAt time.Time) (bool, error) {
	var stored string
	err := q.QueryRowContext(ctx, `
		INSERT INTO replay_entries (key, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET expires_at = EXCLUDED.expires_at
		WHERE replay_entries.expires_at <= now()
		RETURNING key`, key, expiresAt.UTC()).Scan(&stored)
	if err == sql.ErrNoRows {
		// Conflict with an unexpired entry: the WHERE clause suppressed the
		// update, so nothing was returned.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("replay insert: %w", err)
	}
	return true, nil
}

// Seen implements Store.
func (s *PostgresStore) Seen(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM replay_entries WHERE key = $1 AND expires_at > now()`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("replay lookup: %w", err)
	}
	return n > 0, nil
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM replay_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("replay delete: %w", err)
	}
	return nil
}

// PruneExpired removes expired rows, returning the count.
func (s *PostgresStore) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM replay_entries WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("replay prune: %w", err)
	}
	return res.RowsAffected()
}

package checkout

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists sessions as JSONB documents with the status
// and deadline mirrored into indexed columns for the sweeper.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS checkout_sessions (
//	    session_id  TEXT PRIMARY KEY,
//	    merchant    TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    session_doc JSONB NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX IF NOT EXISTS checkout_sessions_expiry
//	    ON checkout_sessions (status, expires_at);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Get implements Store.
func (st *PostgresStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT session_doc FROM checkout_sessions WHERE session_id = $1`,
		sessionID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("checkout_session", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Put implements Store.
func (st *PostgresStore) Put(ctx context.Context, s *Session) error {
	if s == nil || s.SessionID == "" {
		return errs.Validation("missing_session_id", "session requires an id")
	}
	doc, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO checkout_sessions (session_id, merchant, status, expires_at, session_doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO UPDATE SET
			status      = EXCLUDED.status,
			expires_at  = EXCLUDED.expires_at,
			session_doc = EXCLUDED.session_doc,
			updated_at  = EXCLUDED.updated_at`,
		s.SessionID, s.Merchant, string(s.Status), s.ExpiresAt, doc, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store session: %w", err)
	}
	return nil
}

// ListExpiredOpen implements Store.
func (st *PostgresStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT session_id FROM checkout_sessions
		WHERE status = $1 AND expires_at <= $2`,
		string(StatusOpen), now)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	return ids, nil
}

package marketplace

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists requests and escrows as JSONB documents, with the
// escrow status and deadline mirrored into columns for the sweeper.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS service_requests (
//	    request_id  TEXT PRIMARY KEY,
//	    status      TEXT NOT NULL,
//	    request_doc JSONB NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE IF NOT EXISTS escrows (
//	    escrow_id  TEXT PRIMARY KEY,
//	    request_id TEXT NOT NULL,
//	    status     TEXT NOT NULL,
//	    expires_at TIMESTAMPTZ NOT NULL,
//	    escrow_doc JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE INDEX IF NOT EXISTS escrows_expiry ON escrows (status, expires_at);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// GetRequest implements Store.
func (st *PostgresStore) GetRequest(ctx context.Context, requestID string) (*ServiceRequest, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT request_doc FROM service_requests WHERE request_id = $1`,
		requestID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("service_request", requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("load request: %w", err)
	}
	var r ServiceRequest
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &r, nil
}

// PutRequest implements Store.
func (st *PostgresStore) PutRequest(ctx context.Context, r *ServiceRequest) error {
	return putRequest(ctx, st.db, r)
}

// GetEscrow implements Store.
func (st *PostgresStore) GetEscrow(ctx context.Context, escrowID string) (*Escrow, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT escrow_doc FROM escrows WHERE escrow_id = $1`,
		escrowID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("escrow", escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}
	var esc Escrow
	if err := json.Unmarshal(doc, &esc); err != nil {
		return nil, fmt.Errorf("decode escrow: %w", err)
	}
	return &esc, nil
}

// PutEscrow implements Store.
func (st *PostgresStore) PutEscrow(ctx context.Context, esc *Escrow) error {
	return putEscrow(ctx, st.db, esc)
}

// PutBoth implements Store. Both upserts share one transaction.
func (st *PostgresStore) PutBoth(ctx context.Context, r *ServiceRequest, esc *Escrow) error {
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := putRequest(ctx, tx, r); err != nil {
		tx.Rollback()
		return err
	}
	if err := putEscrow(ctx, tx, esc); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListExpiredEscrows implements Store.
func (st *PostgresStore) ListExpiredEscrows(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT escrow_id FROM escrows
		WHERE status IN ($1, $2) AND expires_at <= $3`,
		string(EscrowCreated), string(EscrowFunded), now)
	if err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan escrow id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list expired escrows: %w", err)
	}
	return out, nil
}

func putRequest(ctx context.Context, ex execer, r *ServiceRequest) error {
	if r == nil || r.RequestID == "" {
		return errs.Validation("missing_request_id", "request requires an id")
	}
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO service_requests (request_id, status, request_doc, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (request_id) DO UPDATE SET
			status      = EXCLUDED.status,
			request_doc = EXCLUDED.request_doc,
			updated_at  = EXCLUDED.updated_at`,
		r.RequestID, string(r.Status), doc, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store request: %w", err)
	}
	return nil
}

func putEscrow(ctx context.Context, ex execer, esc *Escrow) error {
	if esc == nil || esc.EscrowID == "" {
		return errs.Validation("missing_escrow_id", "escrow requires an id")
	}
	doc, err := json.Marshal(esc)
	if err != nil {
		return fmt.Errorf("encode escrow: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO escrows (escrow_id, request_id, status, expires_at, escrow_doc, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (escrow_id) DO UPDATE SET
			status     = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			escrow_doc = EXCLUDED.escrow_doc,
			updated_at = EXCLUDED.updated_at`,
		esc.EscrowID, esc.RequestID, string(esc.Status), esc.ExpiresAt, doc, esc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store escrow: %w", err)
	}
	return nil
}

package anchor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists anchor records as JSONB documents, with the
// status and batch range mirrored into columns for cursor and
// coverage queries.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS anchors (
//	    anchor_id      TEXT PRIMARY KEY,
//	    status         TEXT NOT NULL,
//	    first_entry_id TEXT NOT NULL,
//	    last_entry_id  TEXT NOT NULL,
//	    anchor_doc     JSONB NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL,
//	    updated_at     TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS anchors_coverage ON anchors (status, first_entry_id, last_entry_id);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Insert implements Store.
func (st *PostgresStore) Insert(ctx context.Context, r *Record) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return errs.Internal(err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO anchors (anchor_id, status, first_entry_id, last_entry_id, anchor_doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.AnchorID, string(r.Status), r.FirstEntryID, r.LastEntryID, doc, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert anchor: %w", err)
	}
	return nil
}

// Update implements Store. The predicate only matches pending rows,
// so terminal records cannot be rewritten.
func (st *PostgresStore) Update(ctx context.Context, r *Record) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return errs.Internal(err)
	}
	res, err := st.db.ExecContext(ctx, `
		UPDATE anchors SET status = $2, anchor_doc = $3, updated_at = $4
		WHERE anchor_id = $1 AND status = $5`,
		r.AnchorID, string(r.Status), doc, r.UpdatedAt, string(StatusPending))
	if err != nil {
		return fmt.Errorf("update anchor: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update anchor rows: %w", err)
	}
	if rows == 0 {
		if _, err := st.Get(ctx, r.AnchorID); err != nil {
			return err
		}
		return errs.Newf(errs.KindState, CodeNotPending, "anchor %s is no longer pending", r.AnchorID)
	}
	return nil
}

// Get implements Store.
func (st *PostgresStore) Get(ctx context.Context, anchorID string) (*Record, error) {
	rec, err := st.one(ctx,
		`SELECT anchor_doc FROM anchors WHERE anchor_id = $1`, anchorID)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("anchor", anchorID)
	}
	return rec, err
}

// LastAnchored implements Store.
func (st *PostgresStore) LastAnchored(ctx context.Context) (*Record, error) {
	rec, err := st.one(ctx, `
		SELECT anchor_doc FROM anchors
		WHERE status = $1 ORDER BY last_entry_id DESC LIMIT 1`,
		string(StatusAnchored))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// FindCovering implements Store.
func (st *PostgresStore) FindCovering(ctx context.Context, entryID string) (*Record, error) {
	rec, err := st.one(ctx, `
		SELECT anchor_doc FROM anchors
		WHERE status = $1 AND first_entry_id <= $2 AND last_entry_id >= $2
		LIMIT 1`,
		string(StatusAnchored), entryID)
	if err == sql.ErrNoRows {
		return nil, errs.Newf(errs.KindNotFound, CodeNotCovered, "entry %s is not covered by any anchor", entryID)
	}
	return rec, err
}

// List implements Store.
func (st *PostgresStore) List(ctx context.Context) ([]*Record, error) {
	rows, err := st.db.QueryContext(ctx,
		`SELECT anchor_doc FROM anchors ORDER BY created_at ASC, anchor_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list anchors: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		var r Record
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode anchor: %w", err)
		}
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anchors: %w", err)
	}
	return out, nil
}

// one runs a single-row query. sql.ErrNoRows passes through for the
// caller to map.
func (st *PostgresStore) one(ctx context.Context, query string, args ...any) (*Record, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("load anchor: %w", err)
	}
	var r Record
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode anchor: %w", err)
	}
	return &r, nil
}

package canonledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists the ledger as JSONB documents with the columns
// the dedup and review queries need mirrored out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS canonical_journeys (
//	    journey_id  TEXT PRIMARY KEY,
//	    journey_doc JSONB NOT NULL,
//	    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
//	CREATE TABLE IF NOT EXISTS canonical_events (
//	    id                TEXT PRIMARY KEY,
//	    journey_id        TEXT NOT NULL,
//	    provider          TEXT NOT NULL,
//	    provider_event_id TEXT,
//	    event_doc         JSONB NOT NULL
//	);
//	CREATE UNIQUE INDEX IF NOT EXISTS canonical_events_provider_dedup
//	    ON canonical_events (provider, provider_event_id)
//	    WHERE provider_event_id <> '';
//	CREATE TABLE IF NOT EXISTS reconciliation_breaks (
//	    break_id   TEXT PRIMARY KEY,
//	    journey_id TEXT NOT NULL,
//	    break_type TEXT NOT NULL,
//	    status     TEXT NOT NULL,
//	    break_doc  JSONB NOT NULL
//	);
//	CREATE TABLE IF NOT EXISTS manual_reviews (
//	    review_id   TEXT PRIMARY KEY,
//	    journey_id  TEXT NOT NULL DEFAULT '',
//	    reason_code TEXT NOT NULL,
//	    status      TEXT NOT NULL,
//	    review_doc  JSONB NOT NULL
//	);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetJourney implements Store.
func (st *PostgresStore) GetJourney(ctx context.Context, journeyID string) (*CanonicalJourney, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT journey_doc FROM canonical_journeys WHERE journey_id = $1`,
		journeyID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("journey", journeyID)
	}
	if err != nil {
		return nil, fmt.Errorf("load journey: %w", err)
	}
	var j CanonicalJourney
	if err := json.Unmarshal(doc, &j); err != nil {
		return nil, fmt.Errorf("decode journey: %w", err)
	}
	return &j, nil
}

// SeenEvent implements Store.
func (st *PostgresStore) SeenEvent(ctx context.Context, provider, providerEventID string) (bool, error) {
	var seen bool
	err := st.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM canonical_events
			WHERE provider = $1 AND provider_event_id = $2)`,
		provider, providerEventID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("duplicate check: %w", err)
	}
	return seen, nil
}

// HasOpenBreak implements Store.
func (st *PostgresStore) HasOpenBreak(ctx context.Context, journeyID, breakType string) (bool, error) {
	var open bool
	err := st.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reconciliation_breaks
			WHERE journey_id = $1 AND break_type = $2 AND status = 'open')`,
		journeyID, breakType).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("break dedup: %w", err)
	}
	return open, nil
}

// HasOpenReview implements Store.
func (st *PostgresStore) HasOpenReview(ctx context.Context, journeyID, reason string) (bool, error) {
	var open bool
	err := st.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM manual_reviews
			WHERE journey_id = $1 AND reason_code = $2 AND status IN ('queued', 'in_review'))`,
		journeyID, reason).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("review dedup: %w", err)
	}
	return open, nil
}

// Commit implements Store. The whole mutation shares one transaction; the
// break and review inserts re-check for an open row inside it so parallel
// processes cannot double-open.
func (st *PostgresStore) Commit(ctx context.Context, mut *Mutation) error {
	if mut == nil {
		return nil
	}
	tx, err := st.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := commitTx(ctx, tx, mut); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func commitTx(ctx context.Context, tx *sql.Tx, mut *Mutation) error {
	if mut.Journey != nil {
		doc, err := json.Marshal(mut.Journey)
		if err != nil {
			return fmt.Errorf("encode journey: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO canonical_journeys (journey_id, journey_doc, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (journey_id) DO UPDATE SET
				journey_doc = EXCLUDED.journey_doc,
				updated_at  = EXCLUDED.updated_at`,
			mut.Journey.JourneyID, doc, mut.Journey.UpdatedAt)
		if err != nil {
			return fmt.Errorf("store journey: %w", err)
		}
	}
	if mut.Event != nil {
		doc, err := json.Marshal(mut.Event)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO canonical_events (id, journey_id, provider, provider_event_id, event_doc)
			VALUES ($1, $2, $3, $4, $5)`,
			mut.Event.ID, mut.Event.JourneyID, mut.Event.Provider, mut.Event.ProviderEventID, doc)
		if err != nil {
			return fmt.Errorf("store event: %w", err)
		}
	}
	for _, b := range mut.Breaks {
		doc, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode break: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reconciliation_breaks (break_id, journey_id, break_type, status, break_doc)
			SELECT $1, $2, $3, $4, $5
			WHERE NOT EXISTS (
				SELECT 1 FROM reconciliation_breaks
				WHERE journey_id = $2 AND break_type = $3 AND status = 'open')`,
			b.BreakID, b.JourneyID, b.BreakType, string(b.Status), doc)
		if err != nil {
			return fmt.Errorf("store break: %w", err)
		}
	}
	for _, r := range mut.Reviews {
		doc, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode review: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO manual_reviews (review_id, journey_id, reason_code, status, review_doc)
			SELECT $1, $2, $3, $4, $5
			WHERE NOT EXISTS (
				SELECT 1 FROM manual_reviews
				WHERE journey_id = $2 AND reason_code = $3 AND status IN ('queued', 'in_review'))`,
			r.ReviewID, r.JourneyID, r.ReasonCode, string(r.Status), doc)
		if err != nil {
			return fmt.Errorf("store review: %w", err)
		}
	}
	return nil
}

// GetBreak implements Store.
func (st *PostgresStore) GetBreak(ctx context.Context, breakID string) (*ReconciliationBreak, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT break_doc FROM reconciliation_breaks WHERE break_id = $1`,
		breakID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("break", breakID)
	}
	if err != nil {
		return nil, fmt.Errorf("load break: %w", err)
	}
	var b ReconciliationBreak
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("decode break: %w", err)
	}
	return &b, nil
}

// PutBreak implements Store.
func (st *PostgresStore) PutBreak(ctx context.Context, b *ReconciliationBreak) error {
	doc, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode break: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		UPDATE reconciliation_breaks
		SET status = $2, break_doc = $3
		WHERE break_id = $1`,
		b.BreakID, string(b.Status), doc)
	if err != nil {
		return fmt.Errorf("store break: %w", err)
	}
	return nil
}

// GetReview implements Store.
func (st *PostgresStore) GetReview(ctx context.Context, reviewID string) (*ManualReviewItem, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT review_doc FROM manual_reviews WHERE review_id = $1`,
		reviewID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("review", reviewID)
	}
	if err != nil {
		return nil, fmt.Errorf("load review: %w", err)
	}
	var r ManualReviewItem
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode review: %w", err)
	}
	return &r, nil
}

// PutReview implements Store.
func (st *PostgresStore) PutReview(ctx context.Context, r *ManualReviewItem) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode review: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		UPDATE manual_reviews
		SET status = $2, review_doc = $3
		WHERE review_id = $1`,
		r.ReviewID, string(r.Status), doc)
	if err != nil {
		return fmt.Errorf("store review: %w", err)
	}
	return nil
}

// ListOpenBreaks implements Store.
func (st *PostgresStore) ListOpenBreaks(ctx context.Context, journeyID string) ([]*ReconciliationBreak, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT break_doc FROM reconciliation_breaks
		WHERE journey_id = $1 AND status = 'open'
		ORDER BY break_id`,
		journeyID)
	if err != nil {
		return nil, fmt.Errorf("list breaks: %w", err)
	}
	defer rows.Close()
	var out []*ReconciliationBreak
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan break: %w", err)
		}
		var b ReconciliationBreak
		if err := json.Unmarshal(doc, &b); err != nil {
			return nil, fmt.Errorf("decode break: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ListOpenReviews implements Store.
func (st *PostgresStore) ListOpenReviews(ctx context.Context, journeyID string) ([]*ManualReviewItem, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT review_doc FROM manual_reviews
		WHERE journey_id = $1 AND status IN ('queued', 'in_review')
		ORDER BY review_id`,
		journeyID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	var out []*ManualReviewItem
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		var r ManualReviewItem
		if err := json.Unmarshal(doc, &r); err != nil {
			return nil, fmt.Errorf("decode review: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// ListEvents implements Store.
func (st *PostgresStore) ListEvents(ctx context.Context, journeyID string) ([]*CanonicalEvent, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT event_doc FROM canonical_events
		WHERE journey_id = $1
		ORDER BY id`,
		journeyID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	var out []*CanonicalEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var e CanonicalEvent
		if err := json.Unmarshal(doc, &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

package verify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
	"github.com/Aegis-Labs/aegispay/pkg/mandate"
)

// PostgresArchive stores chains as JSONB documents.
type PostgresArchive struct {
	db *sql.DB
}

// NewPostgresArchive wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS mandate_chains (
//	    payment_mandate_id TEXT PRIMARY KEY,
//	    subject            TEXT NOT NULL,
//	    amount_minor       BIGINT NOT NULL,
//	    chain_doc          JSONB NOT NULL,
//	    archived_at        TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
func NewPostgresArchive(db *sql.DB) *PostgresArchive {
	return &PostgresArchive{db: db}
}

// SaveChain implements Archive. The conflict clause keeps the first
// archived copy, making re-archival a no-op.
func (a *PostgresArchive) SaveChain(ctx context.Context, ch *mandate.Chain) error {
	if ch == nil || ch.Payment == nil {
		return errs.Validation(errs.CodeInvalidJSON, "chain requires a payment mandate")
	}
	doc, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode chain: %w", err)
	}
	_, err = a.db.ExecContext(ctx, `
		INSERT INTO mandate_chains (payment_mandate_id, subject, amount_minor, chain_doc)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (payment_mandate_id) DO NOTHING`,
		ch.Payment.MandateID, ch.Payment.Subject, ch.Payment.AmountMinor, doc)
	if err != nil {
		return fmt.Errorf("archive chain: %w", err)
	}
	return nil
}

// GetChain implements Archive.
func (a *PostgresArchive) GetChain(ctx context.Context, paymentMandateID string) (*mandate.Chain, error) {
	var doc []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT chain_doc FROM mandate_chains WHERE payment_mandate_id = $1`,
		paymentMandateID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("mandate", paymentMandateID)
	}
	if err != nil {
		return nil, fmt.Errorf("load chain: %w", err)
	}
	var ch mandate.Chain
	if err := json.Unmarshal(doc, &ch); err != nil {
		return nil, fmt.Errorf("decode chain: %w", err)
	}
	return &ch, nil
}

package treasury

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists treasury state as JSONB documents with the
// columns the upsert, transition and replay queries need mirrored out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS treasury_payments (
//	    payment_token   TEXT PRIMARY KEY,
//	    organization_id TEXT NOT NULL,
//	    status          TEXT NOT NULL,
//	    payment_doc     JSONB NOT NULL,
//	    created_at      TIMESTAMPTZ NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS treasury_payments_org
//	    ON treasury_payments (organization_id, created_at);
//	CREATE TABLE IF NOT EXISTS treasury_external_accounts (
//	    token           TEXT PRIMARY KEY,
//	    organization_id TEXT NOT NULL,
//	    is_paused       BOOLEAN NOT NULL,
//	    account_doc     JSONB NOT NULL,
//	    updated_at      TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE IF NOT EXISTS treasury_webhook_events (
//	    provider    TEXT NOT NULL,
//	    event_id    TEXT NOT NULL,
//	    record_doc  JSONB NOT NULL,
//	    received_at TIMESTAMPTZ NOT NULL,
//	    expires_at  TIMESTAMPTZ NOT NULL,
//	    PRIMARY KEY (provider, event_id)
//	);
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetPayment implements Store.
func (st *PostgresStore) GetPayment(ctx context.Context, token string) (*Payment, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT payment_doc FROM treasury_payments WHERE payment_token = $1`,
		token).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("payment", token)
	}
	if err != nil {
		return nil, fmt.Errorf("load payment: %w", err)
	}
	var p Payment
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode payment: %w", err)
	}
	return &p, nil
}

// UpsertPayment implements Store. First writer wins; an existing token
// leaves the row untouched.
func (st *PostgresStore) UpsertPayment(ctx context.Context, p *Payment) (bool, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode payment: %w", err)
	}
	res, err := st.db.ExecContext(ctx, `
		INSERT INTO treasury_payments
		    (payment_token, organization_id, status, payment_doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (payment_token) DO NOTHING`,
		p.PaymentToken, p.OrganizationID, string(p.Status), string(doc), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return n > 0, nil
}

// UpdatePayment implements Store. The row moves only while its status
// still matches from, which makes the transition a compare-and-swap.
func (st *PostgresStore) UpdatePayment(ctx context.Context, p *Payment, from Status) (bool, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("encode payment: %w", err)
	}
	res, err := st.db.ExecContext(ctx, `
		UPDATE treasury_payments
		SET status = $2, payment_doc = $3, updated_at = $4
		WHERE payment_token = $1 AND status = $5`,
		p.PaymentToken, string(p.Status), string(doc), p.UpdatedAt, string(from))
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}
	return n > 0, nil
}

// ListPayments implements Store.
func (st *PostgresStore) ListPayments(ctx context.Context, orgID string) ([]*Payment, error) {
	rows, err := st.db.QueryContext(ctx, `
		SELECT payment_doc FROM treasury_payments
		WHERE organization_id = $1
		ORDER BY created_at, payment_token`,
		orgID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		var p Payment
		if err := json.Unmarshal(doc, &p); err != nil {
			return nil, fmt.Errorf("decode payment: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetExternalAccount implements Store.
func (st *PostgresStore) GetExternalAccount(ctx context.Context, token string) (*ExternalBankAccount, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT account_doc FROM treasury_external_accounts WHERE token = $1`,
		token).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, errs.NotFound("external_bank_account", token)
	}
	if err != nil {
		return nil, fmt.Errorf("load external account: %w", err)
	}
	var a ExternalBankAccount
	if err := json.Unmarshal(doc, &a); err != nil {
		return nil, fmt.Errorf("decode external account: %w", err)
	}
	return &a, nil
}

// PutExternalAccount implements Store.
func (st *PostgresStore) PutExternalAccount(ctx context.Context, a *ExternalBankAccount) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode external account: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO treasury_external_accounts
		    (token, organization_id, is_paused, account_doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (token) DO UPDATE SET
		    is_paused = EXCLUDED.is_paused,
		    account_doc = EXCLUDED.account_doc,
		    updated_at = EXCLUDED.updated_at`,
		a.Token, a.OrganizationID, a.IsPaused, string(doc), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert external account: %w", err)
	}
	return nil
}

// GetWebhookRecord implements Store.
func (st *PostgresStore) GetWebhookRecord(ctx context.Context, provider, eventID string) (*WebhookRecord, error) {
	var doc []byte
	err := st.db.QueryRowContext(ctx,
		`SELECT record_doc FROM treasury_webhook_events WHERE provider = $1 AND event_id = $2`,
		provider, eventID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load webhook record: %w", err)
	}
	var r WebhookRecord
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("decode webhook record: %w", err)
	}
	return &r, nil
}

// PutWebhookRecord implements Store. A live record keeps its place; only
// one that had already expired is overwritten.
func (st *PostgresStore) PutWebhookRecord(ctx context.Context, r *WebhookRecord) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode webhook record: %w", err)
	}
	_, err = st.db.ExecContext(ctx, `
		INSERT INTO treasury_webhook_events
		    (provider, event_id, record_doc, received_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_id) DO UPDATE SET
		    record_doc = EXCLUDED.record_doc,
		    received_at = EXCLUDED.received_at,
		    expires_at = EXCLUDED.expires_at
		WHERE treasury_webhook_events.expires_at <= EXCLUDED.received_at`,
		r.Provider, r.EventID, string(doc), r.ReceivedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert webhook record: %w", err)
	}
	return nil
}

// PruneWebhookRecords implements Store.
func (st *PostgresStore) PruneWebhookRecords(ctx context.Context, now time.Time) (int, error) {
	res, err := st.db.ExecContext(ctx,
		`DELETE FROM treasury_webhook_events WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("prune webhook records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune webhook records: %w", err)
	}
	return int(n), nil
}

package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists cycles as JSONB documents with the columns the
// active-cycle and history queries need mirrored out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS budget_cycles (
//	    id         TEXT PRIMARY KEY,
//	    org_id     TEXT NOT NULL,
//	    status     TEXT NOT NULL,
//	    start_date TIMESTAMPTZ NOT NULL,
//	    cycle_doc  JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE UNIQUE INDEX IF NOT EXISTS budget_cycles_one_active
//	    ON budget_cycles (org_id) WHERE status = 'active';
//	CREATE INDEX IF NOT EXISTS budget_cycles_org
//	    ON budget_cycles (org_id, start_date);
//
// The partial unique index backs the one-active-cycle-per-org rule across
// service instances; the allocator's keyed lock covers a single process.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateCycle(ctx context.Context, c *Cycle) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal budget cycle: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO budget_cycles (id, org_id, status, start_date, cycle_doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OrgID, string(c.Status), c.StartDate, doc, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert budget cycle: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCycle(ctx context.Context, id string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cycle_doc FROM budget_cycles WHERE id = $1`, id)
	return scanCycle(row, "budget_cycle", id)
}

func (s *PostgresStore) ActiveCycle(ctx context.Context, orgID string) (*Cycle, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT cycle_doc FROM budget_cycles WHERE org_id = $1 AND status = 'active'`, orgID)
	return scanCycle(row, "active_budget_cycle", orgID)
}

func (s *PostgresStore) UpdateCycle(ctx context.Context, c *Cycle) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal budget cycle: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE budget_cycles SET status = $2, cycle_doc = $3, updated_at = $4 WHERE id = $1`,
		c.ID, string(c.Status), doc, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update budget cycle: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update budget cycle: %w", err)
	}
	if n == 0 {
		return errs.NotFound("budget_cycle", c.ID)
	}
	return nil
}

func (s *PostgresStore) ListCycles(ctx context.Context, orgID string) ([]*Cycle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cycle_doc FROM budget_cycles WHERE org_id = $1 ORDER BY start_date DESC, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list budget cycles: %w", err)
	}
	defer rows.Close()

	var out []*Cycle
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan budget cycle: %w", err)
		}
		var c Cycle
		if err := json.Unmarshal(doc, &c); err != nil {
			return nil, fmt.Errorf("decode budget cycle: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func scanCycle(row *sql.Row, resource, id string) (*Cycle, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound(resource, id)
		}
		return nil, fmt.Errorf("query %s: %w", resource, err)
	}
	var c Cycle
	if err := json.Unmarshal(doc, &c); err != nil {
		return nil, fmt.Errorf("decode %s: %w", resource, err)
	}
	return &c, nil
}

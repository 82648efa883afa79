package org

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// PostgresStore persists the directory as JSONB documents with the
// columns the list and uniqueness queries need mirrored out.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open handle. Expected schema:
//
//	CREATE TABLE IF NOT EXISTS organizations (
//	    id         TEXT PRIMARY KEY,
//	    slug       TEXT NOT NULL UNIQUE,
//	    org_doc    JSONB NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE TABLE IF NOT EXISTS org_teams (
//	    id         TEXT PRIMARY KEY,
//	    org_id     TEXT NOT NULL,
//	    name       TEXT NOT NULL,
//	    team_doc   JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS org_teams_org ON org_teams (org_id, name);
//	CREATE TABLE IF NOT EXISTS org_members (
//	    id         TEXT PRIMARY KEY,
//	    org_id     TEXT NOT NULL,
//	    user_id    TEXT NOT NULL,
//	    member_doc JSONB NOT NULL,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    UNIQUE (org_id, user_id)
//	);
//	CREATE TABLE IF NOT EXISTS org_team_spend (
//	    team_id     TEXT PRIMARY KEY,
//	    org_id      TEXT NOT NULL,
//	    spent_minor BIGINT NOT NULL
//	);
//	CREATE INDEX IF NOT EXISTS org_team_spend_org ON org_team_spend (org_id);
//
// Inserts rely on ON CONFLICT DO NOTHING plus the row count to report
// uniqueness races without inspecting driver error codes.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateOrg(ctx context.Context, o *Organization) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal organization: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, slug, org_doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		o.ID, o.Slug, doc, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.KindState, CodeSlugTaken, "slug %q is already in use", o.Slug)
	}
	return nil
}

func (s *PostgresStore) GetOrg(ctx context.Context, id string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT org_doc FROM organizations WHERE id = $1`, id)
	return scanOrg(row, id)
}

func (s *PostgresStore) GetOrgBySlug(ctx context.Context, slug string) (*Organization, error) {
	row := s.db.QueryRowContext(ctx, `SELECT org_doc FROM organizations WHERE slug = $1`, slug)
	return scanOrg(row, slug)
}

func (s *PostgresStore) UpdateOrg(ctx context.Context, o *Organization) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal organization: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE organizations SET org_doc = $2, updated_at = $3 WHERE id = $1`,
		o.ID, doc, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update organization: %w", err)
	}
	if n == 0 {
		return errs.NotFound("organization", o.ID)
	}
	return nil
}

func (s *PostgresStore) CreateTeam(ctx context.Context, t *Team) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_teams (id, org_id, name, team_doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.OrgID, t.Name, doc, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert team: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT team_doc FROM org_teams WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("team", id)
		}
		return nil, fmt.Errorf("query team: %w", err)
	}
	var t Team
	if err := json.Unmarshal(doc, &t); err != nil {
		return nil, fmt.Errorf("decode team: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) UpdateTeam(ctx context.Context, t *Team) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal team: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE org_teams SET name = $2, team_doc = $3, updated_at = $4 WHERE id = $1`,
		t.ID, t.Name, doc, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update team: %w", err)
	}
	if n == 0 {
		return errs.NotFound("team", t.ID)
	}
	return nil
}

func (s *PostgresStore) ListTeams(ctx context.Context, orgID string) ([]*Team, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_doc FROM org_teams WHERE org_id = $1 ORDER BY name, id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list teams: %w", err)
	}
	defer rows.Close()

	var out []*Team
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan team: %w", err)
		}
		var t Team
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("decode team: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *Member) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO org_members (id, org_id, user_id, member_doc, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		m.ID, m.OrgID, m.UserID, doc, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	if n == 0 {
		return errs.Newf(errs.KindState, CodeMemberExists,
			"user %s is already a member of organization %s", m.UserID, m.OrgID)
	}
	return nil
}

func (s *PostgresStore) GetMember(ctx context.Context, id string) (*Member, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT member_doc FROM org_members WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("org_member", id)
		}
		return nil, fmt.Errorf("query member: %w", err)
	}
	var m Member
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("decode member: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpdateMember(ctx context.Context, m *Member) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal member: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE org_members SET member_doc = $2, updated_at = $3 WHERE id = $1`,
		m.ID, doc, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update member: %w", err)
	}
	if n == 0 {
		return errs.NotFound("org_member", m.ID)
	}
	return nil
}

func (s *PostgresStore) DeleteMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM org_members WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if n == 0 {
		return errs.NotFound("org_member", id)
	}
	return nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, orgID string) ([]*Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_doc FROM org_members WHERE org_id = $1 ORDER BY id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	var out []*Member
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		var m Member
		if err := json.Unmarshal(doc, &m); err != nil {
			return nil, fmt.Errorf("decode member: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddSpend(ctx context.Context, orgID, teamID string, amountMinor int64) error {
	// Single-statement increment keeps concurrent bookings atomic.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_team_spend (team_id, org_id, spent_minor)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id) DO UPDATE
		SET spent_minor = org_team_spend.spent_minor + EXCLUDED.spent_minor`,
		teamID, orgID, amountMinor)
	if err != nil {
		return fmt.Errorf("add team spend: %w", err)
	}
	return nil
}

func (s *PostgresStore) SpendByTeam(ctx context.Context, orgID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT team_id, spent_minor FROM org_team_spend WHERE org_id = $1`, orgID)
	if err != nil {
		return nil, fmt.Errorf("query team spend: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var amt int64
		if err := rows.Scan(&id, &amt); err != nil {
			return nil, fmt.Errorf("scan team spend: %w", err)
		}
		out[id] = amt
	}
	return out, rows.Err()
}

func scanOrg(row *sql.Row, key string) (*Organization, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("organization", key)
		}
		return nil, fmt.Errorf("query organization: %w", err)
	}
	var o Organization
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("decode organization: %w", err)
	}
	return &o, nil
}

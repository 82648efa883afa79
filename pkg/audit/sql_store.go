package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Aegis-Labs/aegispay/pkg/errs"
)

// SQLStore implements Store over database/sql. It works against both
// Postgres and SQLite with standard drivers. The full entry is kept
// as a JSON document so hashes survive round-trips byte-for-byte;
// the mirrored columns exist only for querying.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS audit_entries (
		entry_id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		actor TEXT NOT NULL,
		subject TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		entry_hash TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		entry_doc TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS audit_entries_type ON audit_entries (entry_type)`,
}

// Init creates the schema if it does not exist.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range sqlSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, e *Entry) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return errs.Internal(err)
	}
	query := `
		INSERT INTO audit_entries (entry_id, entry_type, actor, subject, prev_hash, entry_hash, created_at, entry_doc)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, query,
		e.EntryID, e.Type, e.Actor, e.Subject, e.PrevHash, e.EntryHash, e.CreatedAt, string(doc),
	); err != nil {
		return fmt.Errorf("audit: append %s: %w", e.EntryID, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, entryID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entry_doc FROM audit_entries WHERE entry_id = $1`, entryID)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("audit_entry", entryID)
		}
		return nil, fmt.Errorf("audit: get %s: %w", entryID, err)
	}
	return decodeEntry(doc)
}

func (s *SQLStore) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT entry_doc FROM audit_entries ORDER BY entry_id DESC LIMIT 1`)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: load head: %w", err)
	}
	return decodeEntry(doc)
}

func (s *SQLStore) ListAll(ctx context.Context) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_doc FROM audit_entries ORDER BY entry_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("audit: list all: %w", err)
	}
	return scanEntries(rows)
}

func (s *SQLStore) ListAfter(ctx context.Context, afterID string, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT entry_doc FROM audit_entries WHERE entry_id > $1 ORDER BY entry_id ASC LIMIT $2`,
			afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT entry_doc FROM audit_entries WHERE entry_id > $1 ORDER BY entry_id ASC`,
			afterID)
	}
	if err != nil {
		return nil, fmt.Errorf("audit: list after %q: %w", afterID, err)
	}
	return scanEntries(rows)
}

func (s *SQLStore) ListRange(ctx context.Context, firstID, lastID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_doc FROM audit_entries WHERE entry_id >= $1 AND entry_id <= $2 ORDER BY entry_id ASC`,
		firstID, lastID)
	if err != nil {
		return nil, fmt.Errorf("audit: list range: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	defer func() { _ = rows.Close() }()

	out := make([]*Entry, 0, 32)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("audit: scan entry: %w", err)
		}
		e, err := decodeEntry(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate entries: %w", err)
	}
	return out, nil
}

func decodeEntry(doc string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(doc), &e); err != nil {
		return nil, fmt.Errorf("audit: decode entry doc: %w", err)
	}
	return &e, nil
}

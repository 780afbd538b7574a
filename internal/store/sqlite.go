package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"receipt-ocr-pipeline/internal/models"
)

// SQLiteStore keeps receipt records in a local SQLite file. Suitable for
// single-node deployments and tests; the SQL shape mirrors the Postgres
// backend.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens (and if needed creates) the database at path.
func NewSQLite(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS receipts (
		id             TEXT PRIMARY KEY,
		owner          TEXT,
		status         TEXT,
		extracted_text TEXT,
		error_text     TEXT,
		updated_at     TEXT NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Upsert merges the set fields into the record, creating it if absent.
func (s *SQLiteStore) Upsert(ctx context.Context, id string, f models.RecordFields) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (id, owner, status, extracted_text, error_text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner          = COALESCE(excluded.owner, receipts.owner),
			status         = COALESCE(excluded.status, receipts.status),
			extracted_text = COALESCE(excluded.extracted_text, receipts.extracted_text),
			error_text     = COALESCE(excluded.error_text, receipts.error_text),
			updated_at     = excluded.updated_at
	`, id, f.Owner, f.Status, f.ExtractedText, f.ErrorText, now)
	if err != nil {
		return fmt.Errorf("upsert receipt %s: %w", id, err)
	}
	return nil
}

// Get fetches a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (models.Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner, status, extracted_text, error_text, updated_at
		FROM receipts WHERE id = ?
	`, id)

	var rec models.Record
	var owner, status, text, errText sql.NullString
	var updated string
	if err := row.Scan(&rec.ID, &owner, &status, &text, &errText, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Record{}, ErrNotFound
		}
		return models.Record{}, fmt.Errorf("scan receipt: %w", err)
	}
	rec.Owner = owner.String
	rec.Status = status.String
	rec.ExtractedText = text.String
	rec.ErrorText = errText.String
	if t, err := time.Parse(time.RFC3339Nano, updated); err == nil {
		rec.UpdatedAt = t
	}
	return rec, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"receipt-ocr-pipeline/internal/models"
)

// PostgresStore keeps receipt records in a single Postgres table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS receipts (
	id             TEXT PRIMARY KEY,
	owner          TEXT,
	status         TEXT,
	extracted_text TEXT,
	error_text     TEXT,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// NewPostgres creates a pooled connection and ensures the schema exists.
func NewPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Upsert merges the set fields into the record, creating it if absent.
func (s *PostgresStore) Upsert(ctx context.Context, id string, f models.RecordFields) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO receipts (id, owner, status, extracted_text, error_text, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (id) DO UPDATE SET
			owner          = COALESCE(excluded.owner, receipts.owner),
			status         = COALESCE(excluded.status, receipts.status),
			extracted_text = COALESCE(excluded.extracted_text, receipts.extracted_text),
			error_text     = COALESCE(excluded.error_text, receipts.error_text),
			updated_at     = NOW()
	`, id, f.Owner, f.Status, f.ExtractedText, f.ErrorText)
	if err != nil {
		return fmt.Errorf("upsert receipt %s: %w", id, err)
	}
	return nil
}

// Get fetches a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (models.Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, owner, status, extracted_text, error_text, updated_at
		FROM receipts WHERE id = $1
	`, id)

	var rec models.Record
	var owner, status, text, errText pgtype.Text
	if err := row.Scan(&rec.ID, &owner, &status, &text, &errText, &rec.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Record{}, ErrNotFound
		}
		return models.Record{}, fmt.Errorf("scan receipt: %w", err)
	}
	rec.Owner = owner.String
	rec.Status = status.String
	rec.ExtractedText = text.String
	rec.ErrorText = errText.String
	return rec, nil
}

package store

import (
	"context"
	"errors"
	"fmt"

	"receipt-ocr-pipeline/internal/config"
	"receipt-ocr-pipeline/internal/models"
)

// ErrNotFound is returned by Get for an unknown record id.
var ErrNotFound = errors.New("record not found")

// Store persists receipt records with merge-upsert semantics: an Upsert
// creates the row if absent and only overwrites the fields that are set.
// Only one stage writes a given field at a time by protocol, so unconditional
// last-write-wins per field is acceptable.
type Store interface {
	Upsert(ctx context.Context, id string, fields models.RecordFields) error
	Get(ctx context.Context, id string) (models.Record, error)
	Close() error
}

// Open builds the configured store backend.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch cfg.RecordStore {
	case "postgres":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown record store %q", cfg.RecordStore)
	}
}

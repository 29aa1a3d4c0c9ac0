// Package repository provides data access for the save journal.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/remote-agent-terminal/workspace/internal/model"
)

// DefaultListLimit is used when List is called without a positive limit.
const DefaultListLimit = 50

// SaveRepository records client saves.
type SaveRepository struct {
	db *sql.DB
}

// NewSaveRepository creates a new SaveRepository.
func NewSaveRepository(db *sql.DB) *SaveRepository {
	return &SaveRepository{db: db}
}

// Record appends a save to the journal and sets its ID. A zero SavedAt
// is set to the current time.
func (r *SaveRepository) Record(ctx context.Context, rec *model.SaveRecord) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO saves (connection_id, path, size, digest, saved_at)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := r.db.ExecContext(ctx, query,
		rec.ConnectionID,
		rec.Path,
		rec.Size,
		rec.Digest,
		rec.SavedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record save: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get save id: %w", err)
	}
	rec.ID = id

	return nil
}

// List returns the most recent saves, newest first. A non-empty path
// restricts the result to that file.
func (r *SaveRepository) List(ctx context.Context, limit int, path string) ([]*model.SaveRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, connection_id, path, size, digest, saved_at
		FROM saves
	`
	args := []interface{}{}
	if path != "" {
		query += ` WHERE path = ?`
		args = append(args, path)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list saves: %w", err)
	}
	defer rows.Close()

	records := []*model.SaveRecord{}
	for rows.Next() {
		rec := &model.SaveRecord{}
		if err := rows.Scan(
			&rec.ID,
			&rec.ConnectionID,
			&rec.Path,
			&rec.Size,
			&rec.Digest,
			&rec.SavedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan save: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating saves: %w", err)
	}

	return records, nil
}

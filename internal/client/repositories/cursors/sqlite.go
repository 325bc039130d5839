// Package cursors persists per-table sync cursors.
package cursors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

type Repository interface {
	Get(ctx context.Context, tableID string) (string, error)
	Set(ctx context.Context, tableID, value string, at time.Time) error
	List(ctx context.Context) ([]models.SyncCursor, error)
	Delete(ctx context.Context, tableID string) error
	Clear(ctx context.Context) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Get returns "" when no cursor has been stored yet.
func (r *SQLiteRepository) Get(ctx context.Context, tableID string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE table_id = ?`, tableID).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get cursor[%s]: %w", tableID, err)
	}
	return value, nil
}

func (r *SQLiteRepository) Set(ctx context.Context, tableID, value string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cursors (table_id, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(table_id) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, tableID, value, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to set cursor[%s]: %w", tableID, err)
	}
	return nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.SyncCursor, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT table_id, value, updated_at FROM cursors ORDER BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	defer rows.Close()

	var out []models.SyncCursor
	for rows.Next() {
		var c models.SyncCursor
		var at int64
		if err := rows.Scan(&c.TableID, &c.Value, &at); err != nil {
			return nil, fmt.Errorf("failed to scan cursor row: %w", err)
		}
		c.UpdatedAt = time.UnixMilli(at).UTC()
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cursor rows: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, tableID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cursors WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("failed to delete cursor[%s]: %w", tableID, err)
	}
	return nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM cursors`); err != nil {
		return fmt.Errorf("failed to clear cursors: %w", err)
	}
	return nil
}

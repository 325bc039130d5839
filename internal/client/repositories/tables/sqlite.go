// Package tables persists the discovered table schema.
package tables

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

type Repository interface {
	Upsert(ctx context.Context, t models.Table) error
	Get(ctx context.Context, id string) (*models.Table, error)
	List(ctx context.Context) ([]models.Table, error)
	Clear(ctx context.Context) error
}

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, t models.Table) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_tables (id, name, remote_ref, field_count, record_count) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			remote_ref = excluded.remote_ref,
			field_count = excluded.field_count,
			record_count = excluded.record_count
	`, t.ID, t.Name, t.RemoteRef, t.FieldCount, t.RecordCount)
	if err != nil {
		return fmt.Errorf("failed to upsert table %s: %w", t.ID, err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Table, error) {
	var t models.Table
	err := r.db.QueryRowContext(ctx, `SELECT id, name, remote_ref, field_count, record_count FROM sync_tables WHERE id = ?`, id).
		Scan(&t.ID, &t.Name, &t.RemoteRef, &t.FieldCount, &t.RecordCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get table %s: %w", id, err)
	}
	return &t, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.Table, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, remote_ref, field_count, record_count FROM sync_tables ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var out []models.Table
	for rows.Next() {
		var t models.Table
		if err := rows.Scan(&t.ID, &t.Name, &t.RemoteRef, &t.FieldCount, &t.RecordCount); err != nil {
			return nil, fmt.Errorf("failed to scan table row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table rows: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_tables`); err != nil {
		return fmt.Errorf("failed to clear tables: %w", err)
	}
	return nil
}

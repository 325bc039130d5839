// Package pending persists queued local writes and their history.
package pending

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

type Repository interface {
	Insert(ctx context.Context, p models.StoredPending) (int64, error)
	Get(ctx context.Context, id string) (*models.StoredPending, error)
	Update(ctx context.Context, p models.StoredPending) error
	ListByStatus(ctx context.Context, status models.PendingStatus) ([]models.StoredPending, error)
	ListByRecord(ctx context.Context, tableID, recordID string) ([]models.StoredPending, error)
	ListAll(ctx context.Context) ([]models.StoredPending, error)
	CountByStatus(ctx context.Context, status models.PendingStatus) (int, error)
	Clear(ctx context.Context) error
}

const columns = `seq, id, table_id, record_id, op, payload, nonce, issued_at, status, retry_count, last_error`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores p and returns its queue sequence number.
func (r *SQLiteRepository) Insert(ctx context.Context, p models.StoredPending) (int64, error) {
	if p.Status == "" {
		p.Status = models.PendingStatusPending
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO pending_mutations (id, table_id, record_id, op, payload, nonce, issued_at, status, retry_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.TableID, p.RecordID, string(p.Op), p.Payload, p.Nonce, p.Timestamp.UnixMilli(),
		string(p.Status), p.RetryCount, p.LastError)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending mutation %s: %w", p.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read pending mutation seq: %w", err)
	}
	return seq, nil
}

func scan(row interface{ Scan(dest ...any) error }) (*models.StoredPending, error) {
	var p models.StoredPending
	var op, status string
	var issuedAt int64
	if err := row.Scan(&p.Seq, &p.ID, &p.TableID, &p.RecordID, &op, &p.Payload, &p.Nonce,
		&issuedAt, &status, &p.RetryCount, &p.LastError); err != nil {
		return nil, err
	}
	p.Op = models.Op(op)
	p.Status = models.PendingStatus(status)
	p.Timestamp = time.UnixMilli(issuedAt).UTC()
	return &p, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.StoredPending, error) {
	p, err := scan(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM pending_mutations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending mutation %s: %w", id, err)
	}
	return p, nil
}

// Update rewrites the mutable columns: payload, status, retry count and error.
func (r *SQLiteRepository) Update(ctx context.Context, p models.StoredPending) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE pending_mutations
		SET payload = ?, nonce = ?, status = ?, retry_count = ?, last_error = ?
		WHERE id = ?
	`, p.Payload, p.Nonce, string(p.Status), p.RetryCount, p.LastError, p.ID)
	if err != nil {
		return fmt.Errorf("failed to update pending mutation %s: %w", p.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update pending mutation %s: %w", p.ID, err)
	}
	if n == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, qargs ...any) ([]models.StoredPending, error) {
	rows, err := r.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending mutations: %w", err)
	}
	defer rows.Close()

	var out []models.StoredPending
	for rows.Next() {
		p, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending mutation: %w", err)
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending mutations: %w", err)
	}
	return out, nil
}

// ListByStatus returns mutations in queue order (oldest first).
func (r *SQLiteRepository) ListByStatus(ctx context.Context, status models.PendingStatus) ([]models.StoredPending, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations WHERE status = ? ORDER BY seq`, string(status))
}

func (r *SQLiteRepository) ListByRecord(ctx context.Context, tableID, recordID string) ([]models.StoredPending, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations WHERE table_id = ? AND record_id = ? ORDER BY seq`, tableID, recordID)
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]models.StoredPending, error) {
	return r.list(ctx, `SELECT `+columns+` FROM pending_mutations ORDER BY seq`)
}

func (r *SQLiteRepository) CountByStatus(ctx context.Context, status models.PendingStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending mutations: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM pending_mutations`); err != nil {
		return fmt.Errorf("failed to clear pending mutations: %w", err)
	}
	return nil
}

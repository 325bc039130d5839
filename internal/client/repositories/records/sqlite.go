package records

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

const columns = `table_id, id, payload, nonce, encrypted, deleted, updated_at, last_synced`

const upsertTail = `
	ON CONFLICT(table_id, id) DO UPDATE SET
		payload = excluded.payload,
		nonce = excluded.nonce,
		encrypted = excluded.encrypted,
		deleted = excluded.deleted,
		updated_at = excluded.updated_at,
		last_synced = excluded.last_synced`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func args(rec models.StoredRecord) []any {
	return []any{
		rec.TableID, rec.ID, rec.Payload, rec.Nonce,
		rec.Encrypted, rec.Deleted, rec.UpdatedAt, rec.LastSynced.UnixMilli(),
	}
}

func (r *SQLiteRepository) Upsert(ctx context.Context, rec models.StoredRecord) error {
	query := `INSERT INTO records (` + columns + `) VALUES ` + dbx.ValuesPlaceholders(1, 8) + upsertTail
	if _, err := r.db.ExecContext(ctx, query, args(rec)...); err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.TableID, rec.ID, err)
	}
	return nil
}

// UpsertBatch writes recs with one multi-row statement per batchSize rows.
// Run it inside a transaction for all-or-nothing semantics.
func (r *SQLiteRepository) UpsertBatch(ctx context.Context, recs []models.StoredRecord, batchSize int) error {
	for _, chunk := range dbx.Chunks(recs, batchSize) {
		values := make([]any, 0, len(chunk)*8)
		for _, rec := range chunk {
			values = append(values, args(rec)...)
		}
		query := `INSERT INTO records (` + columns + `) VALUES ` + dbx.ValuesPlaceholders(len(chunk), 8) + upsertTail
		if _, err := r.db.ExecContext(ctx, query, values...); err != nil {
			return fmt.Errorf("failed to upsert record batch: %w", err)
		}
	}
	return nil
}

func scan(row interface{ Scan(dest ...any) error }) (*models.StoredRecord, error) {
	var rec models.StoredRecord
	var lastSynced int64
	if err := row.Scan(&rec.TableID, &rec.ID, &rec.Payload, &rec.Nonce,
		&rec.Encrypted, &rec.Deleted, &rec.UpdatedAt, &lastSynced); err != nil {
		return nil, err
	}
	rec.LastSynced = time.UnixMilli(lastSynced).UTC()
	return &rec, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, tableID, id string) (*models.StoredRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM records WHERE table_id = ? AND id = ?`, tableID, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s/%s: %w", tableID, id, err)
	}
	return rec, nil
}

// FindByID looks a record up without knowing its table.
func (r *SQLiteRepository) FindByID(ctx context.Context, id string) (*models.StoredRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM records WHERE id = ? ORDER BY table_id LIMIT 1`, id)
	rec, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find record %s: %w", id, err)
	}
	return rec, nil
}

func (r *SQLiteRepository) list(ctx context.Context, what, query string, qargs ...any) ([]models.StoredRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", what, err)
	}
	defer rows.Close()

	var out []models.StoredRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", what, err)
	}
	return out, nil
}

// ListByTable returns every row of a table, tombstones included.
func (r *SQLiteRepository) ListByTable(ctx context.Context, tableID string) ([]models.StoredRecord, error) {
	return r.list(ctx, "table records", `SELECT `+columns+` FROM records WHERE table_id = ? ORDER BY id`, tableID)
}

func (r *SQLiteRepository) ListPlaintext(ctx context.Context) ([]models.StoredRecord, error) {
	return r.list(ctx, "plaintext records", `SELECT `+columns+` FROM records WHERE encrypted = 0`)
}

func (r *SQLiteRepository) ListAll(ctx context.Context) ([]models.StoredRecord, error) {
	return r.list(ctx, "records", `SELECT `+columns+` FROM records ORDER BY table_id, id`)
}

// CountByTable counts live (non-tombstoned) rows per table.
func (r *SQLiteRepository) CountByTable(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT table_id, COUNT(*) FROM records WHERE deleted = 0 GROUP BY table_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var table string
		var n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("failed to scan record count: %w", err)
		}
		out[table] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate record counts: %w", err)
	}
	return out, nil
}

func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

func (r *SQLiteRepository) DeleteTable(ctx context.Context, tableID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("failed to delete records of table %s: %w", tableID, err)
	}
	return nil
}

// PurgeDeleted removes tombstones last synced before the given time.
func (r *SQLiteRepository) PurgeDeleted(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM records WHERE deleted = 1 AND last_synced < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge tombstones: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) Clear(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}
	return nil
}

// Package records persists encrypted record payloads.
package records

import (
	"context"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
)

type Repository interface {
	Upsert(ctx context.Context, rec models.StoredRecord) error
	UpsertBatch(ctx context.Context, recs []models.StoredRecord, batchSize int) error
	Get(ctx context.Context, tableID, id string) (*models.StoredRecord, error)
	FindByID(ctx context.Context, id string) (*models.StoredRecord, error)
	ListByTable(ctx context.Context, tableID string) ([]models.StoredRecord, error)
	ListPlaintext(ctx context.Context) ([]models.StoredRecord, error)
	ListAll(ctx context.Context) ([]models.StoredRecord, error)
	CountByTable(ctx context.Context) (map[string]int, error)
	Count(ctx context.Context) (int, error)
	DeleteTable(ctx context.Context, tableID string) error
	PurgeDeleted(ctx context.Context, before time.Time) (int64, error)
	Clear(ctx context.Context) error
}

package engine

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/hydrator"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
)

// StatusStore is the read side of the store that per-table status needs.
// None of it requires the key.
type StatusStore interface {
	Tables(ctx context.Context) ([]models.Table, error)
	RecordCounts(ctx context.Context) (map[string]int, error)
	Cursors(ctx context.Context) ([]models.SyncCursor, error)
	PendingCount(ctx context.Context) (int, error)
}

// TableStatuses builds the per-table health from the local database. res is
// the hydration of the current session, if any; without it every known
// table counts as hydrated.
func TableStatuses(ctx context.Context, st StatusStore, res *hydrator.Result) ([]models.TableStatus, error) {
	tables, err := st.Tables(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	counts, err := st.RecordCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	list, err := st.Cursors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	cursors := make(map[string]models.SyncCursor, len(list))
	for _, c := range list {
		cursors[c.TableID] = c
	}

	out := make([]models.TableStatus, 0, len(tables))
	for _, t := range tables {
		if t.ID == common.EventsCursorKey {
			continue
		}
		ts := models.TableStatus{
			TableID: t.ID,
			Name:    t.Name,
			Health:  models.TableHydrated,
			Records: counts[t.ID],
		}
		if c, ok := cursors[t.ID]; ok {
			ts.Cursor = c.Value
			ts.LastSync = c.UpdatedAt
		}
		if res != nil {
			if o, ok := res.Table(t.ID); ok {
				ts.Health = o.Health
				ts.Tier = o.Tier
				if o.Err != nil {
					ts.Error = o.Err.Error()
				}
			}
		}
		out = append(out, ts)
	}
	return out, nil
}

// LocalStatus reports what the database alone can tell: tables, counts,
// cursors and queue depth. It is used by tooling that never starts an
// engine.
func LocalStatus(ctx context.Context, st StatusStore) (models.SyncStatus, error) {
	tables, err := TableStatuses(ctx, st, nil)
	if err != nil {
		return models.SyncStatus{}, err
	}
	pending, err := st.PendingCount(ctx)
	if err != nil {
		return models.SyncStatus{}, fmt.Errorf("failed to count pending writes: %w", err)
	}
	state := models.StateOffline
	if len(tables) == 0 {
		state = models.StateUninitialized
	}
	return models.SyncStatus{State: state, Tables: tables, PendingWrites: pending}, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
)

func sealPending(p *models.PendingMutation, key []byte) (models.StoredPending, error) {
	ct, nonce, err := cryptox.SealJSON(models.MutationBody{Fields: p.Fields, Nullify: p.Nullify}, key)
	if err != nil {
		return models.StoredPending{}, fmt.Errorf("failed to seal pending mutation %s: %w", p.ID, err)
	}
	return models.StoredPending{
		ID:         p.ID,
		Seq:        p.Seq,
		TableID:    p.TableID,
		RecordID:   p.RecordID,
		Op:         p.Op,
		Payload:    ct,
		Nonce:      nonce,
		Timestamp:  p.Timestamp,
		Status:     p.Status,
		RetryCount: p.RetryCount,
		LastError:  p.LastError,
	}, nil
}

func openPending(st models.StoredPending, key []byte) (*models.PendingMutation, error) {
	var body models.MutationBody
	if err := cryptox.OpenJSON(st.Payload, st.Nonce, key, &body); err != nil {
		return nil, fmt.Errorf("failed to open pending mutation %s: %w", st.ID, err)
	}
	return &models.PendingMutation{
		ID:         st.ID,
		Seq:        st.Seq,
		TableID:    st.TableID,
		RecordID:   st.RecordID,
		Op:         st.Op,
		Fields:     body.Fields,
		Nullify:    body.Nullify,
		Timestamp:  st.Timestamp,
		Status:     st.Status,
		RetryCount: st.RetryCount,
		LastError:  st.LastError,
	}, nil
}

// SavePending durably stores a new queued write and fills in its Seq.
// Queued payloads are always sealed, deferred mode or not.
func (s *Store) SavePending(ctx context.Context, p *models.PendingMutation) error {
	key, err := s.Key()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	if p.Status == "" {
		p.Status = models.PendingStatusPending
	}
	st, err := sealPending(p, key)
	if err != nil {
		return err
	}
	seq, err := s.pending.Insert(ctx, st)
	if err != nil {
		return err
	}
	p.Seq = seq
	return nil
}

// UpdatePending rewrites the body, status and retry bookkeeping of p.
func (s *Store) UpdatePending(ctx context.Context, p *models.PendingMutation) error {
	key, err := s.Key()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	st, err := sealPending(p, key)
	if err != nil {
		return err
	}
	return s.pending.Update(ctx, st)
}

func (s *Store) openAll(list []models.StoredPending) ([]*models.PendingMutation, error) {
	key, err := s.Key()
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	out := make([]*models.PendingMutation, 0, len(list))
	for _, st := range list {
		p, err := openPending(st, key)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// PendingQueue returns queued writes oldest first.
func (s *Store) PendingQueue(ctx context.Context) ([]*models.PendingMutation, error) {
	list, err := s.pending.ListByStatus(ctx, models.PendingStatusPending)
	if err != nil {
		return nil, err
	}
	return s.openAll(list)
}

// PendingHistory returns every write ever queued for a record, in order.
func (s *Store) PendingHistory(ctx context.Context, tableID, recordID string) ([]*models.PendingMutation, error) {
	list, err := s.pending.ListByRecord(ctx, tableID, recordID)
	if err != nil {
		return nil, err
	}
	return s.openAll(list)
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	return s.pending.CountByStatus(ctx, models.PendingStatusPending)
}

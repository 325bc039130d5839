package store

import (
	"context"
	"fmt"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/cursors"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/tables"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
)

// MetadataFunc runs inside the same transaction as a bulk key operation so
// the verification marker changes together with the data.
type MetadataFunc func(ctx context.Context, meta metadata.Repository) error

// EncryptAll seals every plaintext row left by deferred-encryption mode and
// returns how many rows it rewrote.
func (s *Store) EncryptAll(ctx context.Context) (int, error) {
	key, err := s.Key()
	if err != nil {
		return 0, err
	}
	defer common.WipeByteArray(key)

	plain, err := s.records.ListPlaintext(ctx)
	if err != nil {
		return 0, err
	}
	if len(plain) == 0 {
		return 0, nil
	}

	rows := make([]models.StoredRecord, 0, len(plain))
	for _, st := range plain {
		ct, nonce, err := cryptox.Seal(st.Payload, key)
		if err != nil {
			return 0, fmt.Errorf("failed to seal record %s/%s: %w", st.TableID, st.ID, err)
		}
		common.WipeByteArray(st.Payload)
		st.Payload, st.Nonce, st.Encrypted = ct, nonce, true
		rows = append(rows, st)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return records.NewSQLiteRepository(tx).UpsertBatch(ctx, rows, s.batchSize)
	})
	if err != nil {
		return 0, err
	}
	s.log.Info(ctx, "plaintext rows encrypted", "rows", len(rows))
	return len(rows), nil
}

// Reencrypt moves every record and queued write from oldKey to newKey in one
// transaction, runs fn inside it, and installs newKey on success.
func (s *Store) Reencrypt(ctx context.Context, oldKey, newKey []byte, fn MetadataFunc) error {
	all, err := s.records.ListAll(ctx)
	if err != nil {
		return err
	}
	rows := make([]models.StoredRecord, 0, len(all))
	for _, st := range all {
		var plaintext []byte
		if st.Encrypted {
			plaintext, err = cryptox.Open(st.Payload, st.Nonce, oldKey)
			if err != nil {
				return fmt.Errorf("failed to open record %s/%s with previous key: %w", st.TableID, st.ID, err)
			}
		} else {
			plaintext = st.Payload
		}
		ct, nonce, err := cryptox.Seal(plaintext, newKey)
		common.WipeByteArray(plaintext)
		if err != nil {
			return err
		}
		st.Payload, st.Nonce, st.Encrypted = ct, nonce, true
		rows = append(rows, st)
	}

	queued, err := s.pending.ListAll(ctx)
	if err != nil {
		return err
	}
	resealed := make([]models.StoredPending, 0, len(queued))
	for _, st := range queued {
		p, err := openPending(st, oldKey)
		if err != nil {
			return err
		}
		out, err := sealPending(p, newKey)
		if err != nil {
			return err
		}
		resealed = append(resealed, out)
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := records.NewSQLiteRepository(tx).UpsertBatch(ctx, rows, s.batchSize); err != nil {
			return err
		}
		pr := pending.NewSQLiteRepository(tx)
		for _, p := range resealed {
			if err := pr.Update(ctx, p); err != nil {
				return err
			}
		}
		if fn != nil {
			return fn(ctx, metadata.NewSQLiteRepository(tx))
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.SetKey(newKey)
	s.resetCache()
	s.log.Info(ctx, "store re-encrypted", "records", len(rows), "pending", len(resealed))
	return nil
}

// Wipe removes all records, tables, cursors and queued writes, runs fn in
// the same transaction and clears the cache. Metadata rows are left to fn.
func (s *Store) Wipe(ctx context.Context, fn MetadataFunc) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := records.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		if err := tables.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		if err := cursors.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		if err := pending.NewSQLiteRepository(tx).Clear(ctx); err != nil {
			return err
		}
		if fn != nil {
			return fn(ctx, metadata.NewSQLiteRepository(tx))
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.resetCache()
	s.log.Warn(ctx, "local store wiped")
	return nil
}

// NormalizePlaintext encrypts plaintext rows left behind by a session that
// ended before its final encryption pass. It does nothing while deferred
// mode is on.
func (s *Store) NormalizePlaintext(ctx context.Context) (int, error) {
	if s.Deferred() {
		return 0, nil
	}
	return s.EncryptAll(ctx)
}

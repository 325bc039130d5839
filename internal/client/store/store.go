// Package store implements the encrypted local store: every record payload
// is sealed with the session key before it reaches SQLite, and decrypted
// records are cached in memory per table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/cursors"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/pending"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/tables"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/dmitrijs2005/gophsync/internal/logging"
)

// DefaultBatchSize bounds the rows written per multi-row statement.
const DefaultBatchSize = 200

type Options struct {
	BatchSize int
	Deferred  bool
	Logger    logging.Logger
	Now       func() time.Time
}

type recordKey struct {
	table string
	id    string
}

type Store struct {
	db        *sql.DB
	log       logging.Logger
	batchSize int
	now       func() time.Time

	records  *records.SQLiteRepository
	tables   *tables.SQLiteRepository
	cursors  *cursors.SQLiteRepository
	pending  *pending.SQLiteRepository
	metadata *metadata.SQLiteRepository

	keyMu    sync.RWMutex
	key      []byte
	deferred atomic.Bool

	cursorMu sync.Mutex

	mu       sync.RWMutex
	cache    map[recordKey]*models.Record
	byID     map[string]string
	index    map[string]map[string]struct{}
	hydrated map[string]bool
}

func New(db *sql.DB, opts Options) *Store {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		db:        db,
		log:       opts.Logger.With("module", "store"),
		batchSize: opts.BatchSize,
		now:       opts.Now,
		records:   records.NewSQLiteRepository(db),
		tables:    tables.NewSQLiteRepository(db),
		cursors:   cursors.NewSQLiteRepository(db),
		pending:   pending.NewSQLiteRepository(db),
		metadata:  metadata.NewSQLiteRepository(db),
	}
	s.deferred.Store(opts.Deferred)
	s.resetCache()
	return s
}

func (s *Store) resetCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[recordKey]*models.Record)
	s.byID = make(map[string]string)
	s.index = make(map[string]map[string]struct{})
	s.hydrated = make(map[string]bool)
}

// SetKey installs the session key. The store keeps its own copy.
func (s *Store) SetKey(key []byte) {
	s.keyMu.Lock()
	defer s.keyMu.Unlock()
	common.WipeByteArray(s.key)
	s.key = append([]byte(nil), key...)
}

// ClearKey wipes the key and drops every cached plaintext record.
func (s *Store) ClearKey() {
	s.keyMu.Lock()
	common.WipeByteArray(s.key)
	s.key = nil
	s.keyMu.Unlock()
	s.resetCache()
}

// Key returns a copy of the session key or common.ErrLocked.
func (s *Store) Key() ([]byte, error) {
	s.keyMu.RLock()
	defer s.keyMu.RUnlock()
	if s.key == nil {
		return nil, common.ErrLocked
	}
	return append([]byte(nil), s.key...), nil
}

// SetDeferredEncryption toggles writing plaintext rows. Turning it off does
// not touch existing rows; call EncryptAll for that.
func (s *Store) SetDeferredEncryption(on bool) {
	s.deferred.Store(on)
}

func (s *Store) Deferred() bool {
	return s.deferred.Load()
}

func (s *Store) Metadata() metadata.Repository {
	return s.metadata
}

func (s *Store) Close() error {
	s.ClearKey()
	return s.db.Close()
}

func (s *Store) seal(rec *models.Record, key []byte) (models.StoredRecord, error) {
	out := models.StoredRecord{
		ID:         rec.ID,
		TableID:    rec.TableID,
		Deleted:    rec.Deleted,
		UpdatedAt:  rec.UpdatedAt,
		LastSynced: rec.LastSynced,
	}
	fields := rec.Fields
	if fields == nil {
		fields = map[string]any{}
	}
	plaintext, err := json.Marshal(fields)
	if err != nil {
		return out, fmt.Errorf("failed to encode record %s/%s: %w", rec.TableID, rec.ID, err)
	}
	if s.deferred.Load() {
		out.Payload = plaintext
		return out, nil
	}
	defer common.WipeByteArray(plaintext)

	ct, nonce, err := cryptox.Seal(plaintext, key)
	if err != nil {
		return out, fmt.Errorf("failed to seal record %s/%s: %w", rec.TableID, rec.ID, err)
	}
	out.Payload, out.Nonce, out.Encrypted = ct, nonce, true
	return out, nil
}

// open accepts both sealed rows and plaintext rows left by deferred mode.
func open(st models.StoredRecord, key []byte) (*models.Record, error) {
	rec := &models.Record{
		ID:         st.ID,
		TableID:    st.TableID,
		UpdatedAt:  st.UpdatedAt,
		LastSynced: st.LastSynced,
		Deleted:    st.Deleted,
	}
	if !st.Encrypted {
		if err := json.Unmarshal(st.Payload, &rec.Fields); err != nil {
			return nil, fmt.Errorf("%w: record %s/%s: %v", common.ErrStoreCorrupt, st.TableID, st.ID, err)
		}
	} else if err := cryptox.OpenJSON(st.Payload, st.Nonce, key, &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to open record %s/%s: %w", st.TableID, st.ID, err)
	}
	if rec.Fields == nil {
		rec.Fields = map[string]any{}
	}
	return rec, nil
}

// decoded returns the record as it will read back from disk, so cached and
// persisted values have the same JSON types.
func decoded(st models.StoredRecord, rec *models.Record) (*models.Record, error) {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return nil, err
	}
	return open(models.StoredRecord{
		ID: st.ID, TableID: st.TableID, Payload: fields, Deleted: st.Deleted,
		UpdatedAt: st.UpdatedAt, LastSynced: st.LastSynced,
	}, nil)
}

func (s *Store) cachePut(rec *models.Record) {
	k := recordKey{rec.TableID, rec.ID}
	s.cache[k] = rec
	s.byID[rec.ID] = rec.TableID
	ids := s.index[rec.TableID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.index[rec.TableID] = ids
	}
	ids[rec.ID] = struct{}{}
}

func (s *Store) invalidateTableLocked(tableID string) {
	for id := range s.index[tableID] {
		delete(s.cache, recordKey{tableID, id})
		if s.byID[id] == tableID {
			delete(s.byID, id)
		}
	}
	delete(s.index, tableID)
	delete(s.hydrated, tableID)
}

// Put encrypts and persists a single record, then refreshes the cache.
func (s *Store) Put(ctx context.Context, rec *models.Record) error {
	return s.PutBatch(ctx, []*models.Record{rec})
}

// PutBatch persists recs atomically in bounded multi-row statements.
func (s *Store) PutBatch(ctx context.Context, recs []*models.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows, cached, err := s.prepare(recs)
	if err != nil {
		return err
	}

	if len(rows) == 1 {
		err = s.records.Upsert(ctx, rows[0])
	} else {
		err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return records.NewSQLiteRepository(tx).UpsertBatch(ctx, rows, s.batchSize)
		})
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, rec := range cached {
		s.cachePut(rec)
	}
	s.mu.Unlock()
	return nil
}

func (s *Store) prepare(recs []*models.Record) ([]models.StoredRecord, []*models.Record, error) {
	key, err := s.Key()
	if err != nil {
		return nil, nil, err
	}
	defer common.WipeByteArray(key)

	rows := make([]models.StoredRecord, 0, len(recs))
	cached := make([]*models.Record, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == "" || rec.TableID == "" {
			return nil, nil, fmt.Errorf("record without id or table: %q/%q", rec.TableID, rec.ID)
		}
		if rec.LastSynced.IsZero() {
			rec.LastSynced = s.now().UTC()
		}
		st, err := s.seal(rec, key)
		if err != nil {
			return nil, nil, err
		}
		c, err := decoded(st, rec)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, st)
		cached = append(cached, c)
	}
	return rows, cached, nil
}

// ReplaceTable clears the table's rows and writes recs in one transaction,
// then swaps the table's cache. Other tables are untouched.
func (s *Store) ReplaceTable(ctx context.Context, tableID string, recs []*models.Record) error {
	rows, cached, err := s.prepare(recs)
	if err != nil {
		return err
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := records.NewSQLiteRepository(tx)
		if err := repo.DeleteTable(ctx, tableID); err != nil {
			return err
		}
		return repo.UpsertBatch(ctx, rows, s.batchSize)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidateTableLocked(tableID)
	for _, rec := range cached {
		s.cachePut(rec)
	}
	s.hydrated[tableID] = true
	return nil
}

// DeleteTable removes a table's rows and cursor and invalidates only its cache.
func (s *Store) DeleteTable(ctx context.Context, tableID string) error {
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := records.NewSQLiteRepository(tx).DeleteTable(ctx, tableID); err != nil {
			return err
		}
		return cursors.NewSQLiteRepository(tx).Delete(ctx, tableID)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.invalidateTableLocked(tableID)
	s.mu.Unlock()
	return nil
}

// Lookup returns the current record including tombstones, or common.ErrNotFound.
func (s *Store) Lookup(ctx context.Context, tableID, id string) (*models.Record, error) {
	s.mu.RLock()
	rec, ok := s.cache[recordKey{tableID, id}]
	s.mu.RUnlock()
	if ok {
		return rec.Clone(), nil
	}

	st, err := s.records.Get(ctx, tableID, id)
	if err != nil {
		return nil, err
	}
	return s.load(*st)
}

func (s *Store) load(st models.StoredRecord) (*models.Record, error) {
	key, err := s.Key()
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	rec, err := open(st, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A Put that landed after the disk read already cached a newer state.
	if cur, ok := s.cache[recordKey{rec.TableID, rec.ID}]; ok {
		return cur.Clone(), nil
	}
	s.cachePut(rec)
	return rec.Clone(), nil
}

// GetInTable returns a live record of the given table.
func (s *Store) GetInTable(ctx context.Context, tableID, id string) (*models.Record, error) {
	rec, err := s.Lookup(ctx, tableID, id)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

// Get returns a live record by id without knowing its table.
func (s *Store) Get(ctx context.Context, id string) (*models.Record, error) {
	s.mu.RLock()
	tableID, ok := s.byID[id]
	s.mu.RUnlock()
	if ok {
		return s.GetInTable(ctx, tableID, id)
	}

	st, err := s.records.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := s.load(*st)
	if err != nil {
		return nil, err
	}
	if rec.Deleted {
		return nil, common.ErrNotFound
	}
	return rec, nil
}

// GetByTable returns the live records of a table ordered by id. The first
// call loads the table from disk; later calls are served from the cache.
func (s *Store) GetByTable(ctx context.Context, tableID string) ([]*models.Record, error) {
	s.mu.RLock()
	hydrated := s.hydrated[tableID]
	s.mu.RUnlock()

	if !hydrated {
		if err := s.loadTable(ctx, tableID); err != nil {
			return nil, err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Record, 0, len(s.index[tableID]))
	for id := range s.index[tableID] {
		rec := s.cache[recordKey{tableID, id}]
		if rec == nil || rec.Deleted {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) loadTable(ctx context.Context, tableID string) error {
	key, err := s.Key()
	if err != nil {
		return err
	}
	defer common.WipeByteArray(key)

	rows, err := s.records.ListByTable(ctx, tableID)
	if err != nil {
		return err
	}
	loaded := make([]*models.Record, 0, len(rows))
	for _, st := range rows {
		rec, err := open(st, key)
		if err != nil {
			return err
		}
		loaded = append(loaded, rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range loaded {
		if _, ok := s.cache[recordKey{rec.TableID, rec.ID}]; ok {
			continue
		}
		s.cachePut(rec)
	}
	s.hydrated[tableID] = true
	return nil
}

// Tombstone marks a record deleted; it stays on disk until PurgeTombstones.
func (s *Store) Tombstone(ctx context.Context, tableID, id, updatedAt string) error {
	return s.Put(ctx, &models.Record{
		ID:        id,
		TableID:   tableID,
		Fields:    map[string]any{},
		UpdatedAt: updatedAt,
		Deleted:   true,
	})
}

// PurgeTombstones deletes tombstones last synced before the given time.
func (s *Store) PurgeTombstones(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.records.PurgeDeleted(ctx, before)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, rec := range s.cache {
		if rec.Deleted && rec.LastSynced.Before(before) {
			delete(s.cache, k)
			delete(s.index[k.table], k.id)
			if s.byID[k.id] == k.table {
				delete(s.byID, k.id)
			}
		}
	}
	return n, nil
}

func (s *Store) PutTable(ctx context.Context, t models.Table) error {
	return s.tables.Upsert(ctx, t)
}

func (s *Store) Tables(ctx context.Context) ([]models.Table, error) {
	return s.tables.List(ctx)
}

func (s *Store) Table(ctx context.Context, id string) (*models.Table, error) {
	return s.tables.Get(ctx, id)
}

// RecordCounts returns live record counts per table.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int, error) {
	return s.records.CountByTable(ctx)
}

func (s *Store) Cursor(ctx context.Context, tableID string) (string, error) {
	return s.cursors.Get(ctx, tableID)
}

func (s *Store) Cursors(ctx context.Context) ([]models.SyncCursor, error) {
	return s.cursors.List(ctx)
}

// AdvanceCursor stores value only if it is ahead of the current cursor and
// reports whether it moved. Cursors never go backwards.
func (s *Store) AdvanceCursor(ctx context.Context, tableID, value string) (bool, error) {
	if value == "" {
		return false, nil
	}
	s.cursorMu.Lock()
	defer s.cursorMu.Unlock()

	current, err := s.cursors.Get(ctx, tableID)
	if err != nil {
		return false, err
	}
	if models.CompareCursor(value, current) <= 0 {
		return false, nil
	}
	if err := s.cursors.Set(ctx, tableID, value, s.now()); err != nil {
		return false, err
	}
	return true, nil
}

// IsEmpty reports whether the store holds no records and no queued writes.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.records.Count(ctx)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	all, err := s.pending.ListAll(ctx)
	if err != nil {
		return false, err
	}
	return len(all) == 0, nil
}

// IsNotFound is a convenience for errors.Is(err, common.ErrNotFound).
func IsNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}

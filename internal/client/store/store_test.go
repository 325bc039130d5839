package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/repotest"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := repotest.NewDB(t)
	s := New(db, Options{BatchSize: 2})
	s.SetKey(common.GenerateRandByteArray(cryptox.KeySize))
	return s, db
}

func rec(table, id string, fields map[string]any) *models.Record {
	return &models.Record{ID: id, TableID: table, Fields: fields, UpdatedAt: "1"}
}

func rawPayloads(t *testing.T, db *sql.DB) [][]byte {
	t.Helper()
	rows, err := db.Query(`SELECT payload FROM records`)
	require.NoError(t, err)
	defer rows.Close()
	var out [][]byte
	for rows.Next() {
		var p []byte
		require.NoError(t, rows.Scan(&p))
		out = append(out, p)
	}
	return out
}

func TestPutGet_EncryptsAtRest(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"name": "secret-value", "n": 3})))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", got.Fields["name"])
	assert.Equal(t, float64(3), got.Fields["n"])

	for _, p := range rawPayloads(t, db) {
		assert.False(t, bytes.Contains(p, []byte("secret-value")))
	}
}

func TestPut_FreshNonceOnEveryWrite(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	nonce := func() []byte {
		var n []byte
		require.NoError(t, db.QueryRow(`SELECT nonce FROM records WHERE id = 'r1'`).Scan(&n))
		return n
	}

	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"a": 1})))
	first := nonce()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"a": 1})))
	assert.NotEqual(t, first, nonce())
}

func TestGet_ReturnsCloneNotCacheEntry(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"a": "x"})))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	got.Fields["a"] = "mutated"

	again, err := s.GetInTable(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", again.Fields["a"])
}

func TestGet_ColdCacheReadsDisk(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutBatch(ctx, []*models.Record{
		rec("t1", "a", map[string]any{"v": 1}),
		rec("t1", "b", map[string]any{"v": 2}),
		rec("t2", "c", map[string]any{"v": 3}),
	}))
	key, err := s.Key()
	require.NoError(t, err)

	cold := New(db, Options{})
	cold.SetKey(key)

	got, err := cold.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.TableID)

	list, err := cold.GetByTable(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)

	_, err = cold.Get(ctx, "missing")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestLoad_DoesNotOverwriteNewerCachedPut(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"v": "v0"})))
	key, err := s.Key()
	require.NoError(t, err)

	cold := New(db, Options{})
	cold.SetKey(key)

	// a reader fetches v0 from disk, then a writer stores v1 before the
	// reader fills the cache
	row, err := cold.records.Get(ctx, "t1", "r1")
	require.NoError(t, err)
	v1 := rec("t1", "r1", map[string]any{"v": "v1"})
	v1.UpdatedAt = "2"
	require.NoError(t, cold.Put(ctx, v1))

	got, err := cold.load(*row)
	require.NoError(t, err)
	assert.Equal(t, "v1", got.Fields["v"])

	cur, err := cold.Lookup(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "v1", cur.Fields["v"])
	assert.Equal(t, "2", cur.UpdatedAt)
}

func TestReplaceTable_ClearThenWrite(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutBatch(ctx, []*models.Record{
		rec("t1", "old", map[string]any{"v": 1}),
		rec("t2", "keep", map[string]any{"v": 2}),
	}))

	var fresh []*models.Record
	for i := 0; i < 5; i++ {
		fresh = append(fresh, rec("t1", fmt.Sprintf("n%d", i), map[string]any{"i": i}))
	}
	require.NoError(t, s.ReplaceTable(ctx, "t1", fresh))

	list, err := s.GetByTable(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 5)
	_, err = s.GetInTable(ctx, "t1", "old")
	require.ErrorIs(t, err, common.ErrNotFound)

	other, err := s.GetByTable(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "keep", other[0].ID)
}

func TestDeleteTable_ScopedInvalidation(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.PutBatch(ctx, []*models.Record{
		rec("t1", "a", nil),
		rec("t2", "b", nil),
	}))
	_, err := s.AdvanceCursor(ctx, "t1", "5")
	require.NoError(t, err)

	require.NoError(t, s.DeleteTable(ctx, "t1"))

	list, err := s.GetByTable(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, list)

	s.mu.RLock()
	_, cached := s.cache[recordKey{"t2", "b"}]
	s.mu.RUnlock()
	assert.True(t, cached, "other tables stay cached")

	c, err := s.Cursor(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, c)
}

func TestTombstoneAndPurge(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"a": 1})))
	require.NoError(t, s.Tombstone(ctx, "t1", "r1", "2"))

	_, err := s.Get(ctx, "r1")
	require.ErrorIs(t, err, common.ErrNotFound)

	tomb, err := s.Lookup(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted)

	n, err := s.PurgeTombstones(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Lookup(ctx, "t1", "r1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestAdvanceCursor_Monotonic(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	moved, err := s.AdvanceCursor(ctx, "t1", "10")
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceCursor(ctx, "t1", "9")
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = s.AdvanceCursor(ctx, "t1", "")
	require.NoError(t, err)
	assert.False(t, moved)

	c, err := s.Cursor(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "10", c)
}

func TestLocked_ReturnsErrLocked(t *testing.T) {
	s := New(repotest.NewDB(t), Options{})

	err := s.Put(context.Background(), rec("t1", "r1", nil))
	require.ErrorIs(t, err, common.ErrLocked)
}

func TestDeferredEncryption_DualFormatAndEncryptAll(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, rec("t1", "sealed", map[string]any{"v": "a"})))
	s.SetDeferredEncryption(true)
	require.NoError(t, s.PutBatch(ctx, []*models.Record{
		rec("t1", "plain1", map[string]any{"v": "b"}),
		rec("t1", "plain2", map[string]any{"v": "c"}),
	}))

	var plain int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records WHERE encrypted = 0`).Scan(&plain))
	assert.Equal(t, 2, plain)

	key, err := s.Key()
	require.NoError(t, err)
	restarted := New(db, Options{})
	restarted.SetKey(key)
	list, err := restarted.GetByTable(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 3)

	s.SetDeferredEncryption(false)
	n, err := s.EncryptAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM records WHERE encrypted = 0`).Scan(&plain))
	assert.Zero(t, plain)
	for _, p := range rawPayloads(t, db) {
		assert.False(t, bytes.Contains(p, []byte(`"v"`)))
	}

	got, err := New(db, Options{}).withKey(key).Get(ctx, "plain2")
	require.NoError(t, err)
	assert.Equal(t, "c", got.Fields["v"])
}

func (s *Store) withKey(key []byte) *Store {
	s.SetKey(key)
	return s
}

func TestPending_SealedAndOrdered(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()

	first := &models.PendingMutation{ID: "m1", TableID: "t1", RecordID: "r1", Op: models.OpAlter,
		Fields: map[string]any{"secret": "pending-value"}, Timestamp: time.Now()}
	second := &models.PendingMutation{ID: "m2", TableID: "t1", RecordID: "r1", Op: models.OpNullify,
		Nullify: []string{"other"}, Timestamp: time.Now()}
	require.NoError(t, s.SavePending(ctx, first))
	require.NoError(t, s.SavePending(ctx, second))
	assert.Greater(t, second.Seq, first.Seq)

	var payload []byte
	require.NoError(t, db.QueryRow(`SELECT payload FROM pending_mutations WHERE id = 'm1'`).Scan(&payload))
	assert.False(t, bytes.Contains(payload, []byte("pending-value")))

	queue, err := s.PendingQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "pending-value", queue[0].Fields["secret"])
	assert.Equal(t, []string{"other"}, queue[1].Nullify)

	first.Status = models.PendingStatusFlushed
	require.NoError(t, s.UpdatePending(ctx, first))

	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	history, err := s.PendingHistory(ctx, "t1", "r1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.PendingStatusFlushed, history[0].Status)
}

func TestReencrypt_MovesEverythingToNewKey(t *testing.T) {
	s, db := newStore(t)
	ctx := context.Background()
	oldKey, err := s.Key()
	require.NoError(t, err)
	newKey := common.GenerateRandByteArray(cryptox.KeySize)

	require.NoError(t, s.Put(ctx, rec("t1", "r1", map[string]any{"a": "x"})))
	require.NoError(t, s.SavePending(ctx, &models.PendingMutation{ID: "m1", TableID: "t1", RecordID: "r1",
		Op: models.OpAlter, Fields: map[string]any{"a": "y"}, Timestamp: time.Now()}))

	require.NoError(t, s.Reencrypt(ctx, oldKey, newKey, func(ctx context.Context, meta metadata.Repository) error {
		return meta.Set(ctx, "marker", []byte("rotated"))
	}))

	fresh := New(db, Options{})
	fresh.SetKey(newKey)
	got, err := fresh.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Fields["a"])
	queue, err := fresh.PendingQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	stale := New(db, Options{})
	stale.SetKey(oldKey)
	_, err = stale.Get(ctx, "r1")
	require.ErrorIs(t, err, common.ErrDecrypt)

	marker, err := s.Metadata().Get(ctx, "marker")
	require.NoError(t, err)
	assert.Equal(t, []byte("rotated"), marker)
}

func TestWipe_ClearsDataKeepsOtherMetadata(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", nil)))
	require.NoError(t, s.PutTable(ctx, models.Table{ID: "t1", Name: "T"}))
	require.NoError(t, s.Metadata().Set(ctx, "keep", []byte("1")))

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.False(t, empty)

	require.NoError(t, s.Wipe(ctx, nil))

	empty, err = s.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
	v, err := s.Metadata().Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)
}

func TestClearKey_DropsCache(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, rec("t1", "r1", nil)))

	s.ClearKey()

	_, err := s.Get(ctx, "r1")
	require.ErrorIs(t, err, common.ErrLocked)
}

package metadata

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/repotest"
	"github.com/dmitrijs2005/gophsync/internal/dbx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndGet(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "salt", []byte{0x01, 0x02}))

	v, err := r.Get(ctx, "salt")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, v)
}

func TestGet_Absent_ReturnsNilNil(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))

	v, err := r.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSet_Upserts(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("old")))
	require.NoError(t, r.Set(ctx, "k", []byte("new")))

	v, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestListDeleteClear(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "a", []byte{0xAA}))
	require.NoError(t, r.Set(ctx, "b", []byte{0xBB}))
	require.NoError(t, r.Set(ctx, "c", nil))

	m, err := r.List(ctx)
	require.NoError(t, err)
	assert.Len(t, m, 3)

	require.NoError(t, r.Delete(ctx, "a"))
	require.NoError(t, r.Delete(ctx, "a"))
	m, err = r.List(ctx)
	require.NoError(t, err)
	assert.NotContains(t, m, "a")

	require.NoError(t, r.Clear(ctx))
	m, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, m)
}

func TestSet_InsideRolledBackTx(t *testing.T) {
	db := repotest.NewDB(t)
	ctx := context.Background()

	err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		require.NoError(t, NewSQLiteRepository(tx).Set(ctx, "k", []byte("v")))
		return sql.ErrTxDone
	})
	require.Error(t, err)

	v, err := NewSQLiteRepository(db).Get(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestErrorsAreWrapped(t *testing.T) {
	db := repotest.NewDB(t)
	r := NewSQLiteRepository(db)
	ctx := context.Background()
	require.NoError(t, db.Close())

	_, err := r.Get(ctx, "k")
	assert.ErrorContains(t, err, "failed to get metadata[k]")
	assert.ErrorContains(t, r.Set(ctx, "k", nil), "failed to set metadata[k]")
	assert.ErrorContains(t, r.Delete(ctx, "k"), "failed to delete metadata[k]")
	assert.ErrorContains(t, r.Clear(ctx), "failed to clear metadata")
	_, err = r.List(ctx)
	assert.ErrorContains(t, err, "failed to list metadata")
}

func TestSetManyAndGetMany(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "token", []byte("old")))
	require.NoError(t, r.SetMany(ctx, map[string][]byte{
		"salt":  []byte("s"),
		"token": []byte("t"),
		"nonce": nil,
	}))
	require.NoError(t, r.SetMany(ctx, nil))

	got, err := r.GetMany(ctx, "salt", "token", "nonce", "missing")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []byte("s"), got["salt"])
	assert.Equal(t, []byte("t"), got["token"])
	assert.Empty(t, got["nonce"])

	got, err = r.GetMany(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.Delete(ctx, "salt", "token"))
	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"nonce"}, keysOf(all))
}

func keysOf(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

package cursors

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/repositories/repotest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetList(t *testing.T) {
	r := NewSQLiteRepository(repotest.NewDB(t))
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000).UTC()

	v, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, r.Set(ctx, "t1", "10", at))
	require.NoError(t, r.Set(ctx, "t1", "12", at))
	require.NoError(t, r.Set(ctx, "__events__", "evt_9", at))

	v, err = r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "12", v)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, at, list[1].UpdatedAt)

	require.NoError(t, r.Delete(ctx, "t1"))
	v, err = r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, r.Clear(ctx))
	list, err = r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

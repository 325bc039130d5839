package hydrator_test

import (
	"context"
	"errors"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/client/applier"
	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/client/clienttest"
	"github.com/dmitrijs2005/gophsync/internal/client/hydrator"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/repotest"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	remote *clienttest.FakeRemote
	store  *store.Store
	hub    *notify.Hub
	h      *hydrator.Hydrator
}

func newFixture(t *testing.T, remote client.Remote, fake *clienttest.FakeRemote) *fixture {
	t.Helper()
	st := store.New(repotest.NewDB(t), store.Options{BatchSize: 2})
	st.SetKey(common.GenerateRandByteArray(cryptox.KeySize))

	hub := notify.New()
	ap := applier.New(st, applier.Options{Notify: hub})
	h := hydrator.New(remote, st, hydrator.Options{
		Log:         fake,
		Applier:     ap,
		Parallelism: 2,
		PageSize:    2,
		Notify:      hub,
	})
	return &fixture{remote: fake, store: st, hub: hub, h: h}
}

func seed(f *clienttest.FakeRemote) {
	f.AddTable(models.Table{ID: "T", Name: "Tasks"})
	f.Insert("T", "r1", map[string]any{"title": "one"})
	f.Insert("T", "r2", map[string]any{"title": "two"})
	f.Insert("T", "r3", map[string]any{"title": "three"})
}

func TestHydrate_BulkTier(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fx := newFixture(t, fake, fake)
	ctx := context.Background()

	var synced []string
	fx.hub.Subscribe(func(ev notify.Event) error {
		synced = append(synced, ev.TableID)
		return nil
	}, notify.KindTableSynced)

	res, err := fx.h.Hydrate(ctx)
	require.NoError(t, err)
	require.True(t, res.Ready())
	require.NoError(t, res.Err())

	o, ok := res.Table("T")
	require.True(t, ok)
	assert.Equal(t, models.TableHydrated, o.Health)
	assert.Equal(t, models.TierBulk, o.Tier)
	assert.Equal(t, 3, o.Records)
	assert.Equal(t, "3", o.Cursor)
	assert.Equal(t, 0, fake.Calls(clienttest.OpFetchTable))
	assert.Equal(t, []string{"T"}, synced)

	recs, err := fx.store.GetByTable(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	cur, err := fx.store.Cursor(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "3", cur)

	head, err := fx.store.Cursor(ctx, common.EventsCursorKey)
	require.NoError(t, err)
	assert.Equal(t, "3", head)

	tbl, err := fx.store.Table(ctx, "T")
	require.NoError(t, err)
	assert.Equal(t, "Tasks", tbl.Name)

	phase, _ := fx.h.State()
	assert.Equal(t, hydrator.PhaseHydrated, phase)
}

func TestHydrate_ClearsGhostRows(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fx := newFixture(t, fake, fake)
	ctx := context.Background()

	require.NoError(t, fx.store.Put(ctx, &models.Record{ID: "ghost", TableID: "T", Fields: map[string]any{"title": "gone"}}))

	_, err := fx.h.Hydrate(ctx)
	require.NoError(t, err)

	_, err = fx.store.GetInTable(ctx, "T", "ghost")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHydrate_FallsBackToPerTable(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.Insert("U", "u1", map[string]any{"n": 1})
	fake.FailAlways(clienttest.OpBulkExport, client.ErrUnavailable)
	fx := newFixture(t, fake, fake)

	res, err := fx.h.Hydrate(context.Background())
	require.NoError(t, err)
	require.True(t, res.Ready())

	for _, id := range []string{"T", "U"} {
		o, ok := res.Table(id)
		require.True(t, ok)
		assert.Equal(t, models.TableHydrated, o.Health, id)
		assert.Equal(t, models.TierPerTable, o.Tier, id)
	}
	assert.Equal(t, 4, res.Records())
	assert.Equal(t, 2, fake.Calls(clienttest.OpFetchTable))
	assert.Equal(t, 0, fake.Calls(clienttest.OpReadEvents))
}

func TestHydrate_DegradedAndRetry(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	rejected := &client.HTTPError{StatusCode: 400, Code: "bad_request"}
	fake.FailAlways(clienttest.OpBulkExport, client.ErrUnavailable)
	fake.FailAlways(clienttest.OpFetchTable, rejected)
	fx := newFixture(t, fake, fake)
	ctx := context.Background()

	res, err := fx.h.Hydrate(ctx)
	require.NoError(t, err)
	assert.False(t, res.Ready())
	assert.Equal(t, []string{"T"}, res.FailedTables())
	assert.True(t, hydrator.IsPartial(res.Err()))
	assert.Equal(t, 0, fake.Calls(clienttest.OpReadEvents), "rejected tables are not replayed")

	phase, _ := fx.h.State()
	assert.Equal(t, hydrator.PhaseDegraded, phase)

	res.AcceptDegraded()
	assert.True(t, res.Ready())

	fake.FailAlways(clienttest.OpFetchTable, nil)
	require.NoError(t, fx.h.RetryFailed(ctx, res))
	assert.Empty(t, res.FailedTables())
	o, _ := res.Table("T")
	assert.Equal(t, 3, o.Records)

	recs, err := fx.store.GetByTable(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestHydrate_ReplayTier(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.Alter("T", "r1", map[string]any{"title": "uno", "done": true})
	fake.Nullify("T", "r1", "done")
	fake.Delete("T", "r3")
	fake.FailAlways(clienttest.OpBulkExport, client.ErrUnavailable)
	fake.FailAlways(clienttest.OpFetchTable, client.ErrUnavailable)
	fx := newFixture(t, fake, fake)
	ctx := context.Background()

	res, err := fx.h.Hydrate(ctx)
	require.NoError(t, err)
	require.True(t, res.Ready())

	o, _ := res.Table("T")
	assert.Equal(t, models.TierReplay, o.Tier)
	assert.Equal(t, 2, o.Records)
	assert.Equal(t, "6", o.Cursor)
	assert.GreaterOrEqual(t, fake.Calls(clienttest.OpReadEvents), 3)

	r1, err := fx.store.GetInTable(ctx, "T", "r1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"title": "uno"}, r1.Fields)

	_, err = fx.store.GetInTable(ctx, "T", "r3")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHydrate_ReplayFailureKeepsTablesFailed(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.FailAlways(clienttest.OpBulkExport, client.ErrUnavailable)
	fake.FailAlways(clienttest.OpFetchTable, client.ErrUnavailable)
	fake.FailAlways(clienttest.OpReadEvents, client.ErrUnavailable)
	fx := newFixture(t, fake, fake)

	res, err := fx.h.Hydrate(context.Background())
	require.NoError(t, err)
	o, _ := res.Table("T")
	assert.Equal(t, models.TableFailed, o.Health)
	assert.Equal(t, models.TierReplay, o.Tier)
	assert.ErrorIs(t, o.Err, client.ErrUnavailable)
}

func TestHydrate_SchemaDiscoveryFailure(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	fake.FailAlways(clienttest.OpListTables, client.ErrUnavailable)
	fx := newFixture(t, fake, fake)

	res, err := fx.h.Hydrate(context.Background())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, common.ErrTransient)

	phase, _ := fx.h.State()
	assert.Equal(t, hydrator.PhaseNotHydrated, phase)
}

type invalidExport struct {
	*clienttest.FakeRemote
}

func (r invalidExport) BulkExport(ctx context.Context) (*client.ExportResponse, error) {
	return &client.ExportResponse{Tables: map[string][]models.RemoteRecord{
		"T": {
			{ID: "ok", TableID: "T", Fields: map[string]any{"a": 1}, UpdatedAt: "9"},
			{ID: "", TableID: "T", Fields: map[string]any{"a": 2}, UpdatedAt: "10"},
			{ID: "other", TableID: "X", UpdatedAt: "11"},
		},
		"extra": {{ID: "e1", Fields: map[string]any{}, UpdatedAt: "4"}},
	}}, nil
}

func TestHydrate_SkipsInvalidRecords(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	fake.AddTable(models.Table{ID: "T"})
	fx := newFixture(t, invalidExport{fake}, fake)
	ctx := context.Background()

	res, err := fx.h.Hydrate(ctx)
	require.NoError(t, err)
	require.True(t, res.Ready())

	o, _ := res.Table("T")
	assert.Equal(t, 1, o.Records)
	assert.Equal(t, 2, o.Invalid)
	assert.Equal(t, "9", o.Cursor)

	e, ok := res.Table("extra")
	require.True(t, ok)
	assert.Equal(t, 1, e.Records)

	tables, err := fx.store.Tables(ctx)
	require.NoError(t, err)
	assert.Len(t, tables, 2)
}

func TestHydrate_Canceled(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.FailAlways(clienttest.OpBulkExport, errors.New("boom"))
	fx := newFixture(t, fake, fake)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := fx.h.Hydrate(ctx)
	assert.Error(t, err)
}

package engine_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/client/clienttest"
	"github.com/dmitrijs2005/gophsync/internal/client/engine"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/notify"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/records"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories/repotest"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	wait = 3 * time.Second
	tick = 10 * time.Millisecond
)

var testKDF = cryptox.KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

func seed(f *clienttest.FakeRemote) {
	f.AddTable(models.Table{ID: "T", Name: "Tasks"})
	f.Insert("T", "r1", map[string]any{"title": "one"})
	f.Insert("T", "r2", map[string]any{"title": "two"})
	f.Insert("T", "r3", map[string]any{"title": "three"})
}

func options(fake *clienttest.FakeRemote, realtime bool) engine.Options {
	opts := engine.Options{
		Remote:              fake,
		Log:                 fake,
		Identity:            "alice",
		KDF:                 testKDF,
		OnlineCheckInterval: 20 * time.Millisecond,
		PollInterval:        time.Hour,
		ReconnectBaseDelay:  5 * time.Millisecond,
		ReconnectMaxDelay:   20 * time.Millisecond,
	}
	if realtime {
		opts.Stream = fake
	}
	return opts
}

func start(t *testing.T, opts engine.Options) *engine.Engine {
	t.Helper()
	e, err := engine.New(repotest.NewDB(t), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Terminate(context.Background()) })
	require.NoError(t, e.Start(context.Background(), []byte("secret")))
	return e
}

func title(t *testing.T, e *engine.Engine, id string) string {
	t.Helper()
	rec, err := e.GetRecord(context.Background(), "T", id)
	if err != nil {
		return ""
	}
	s, _ := rec.Fields["title"].(string)
	return s
}

func TestEngine_HydrateThenRealtimeAlter(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	e := start(t, options(fake, true))
	ctx := context.Background()

	require.Equal(t, models.StateOnline, e.State())
	before, err := e.GetTableRecords(ctx, "T")
	require.NoError(t, err)
	require.Len(t, before, 3)

	require.Eventually(t, func() bool { return fake.Subscribers() == 1 }, wait, tick)
	fake.Alter("T", "r2", map[string]any{"title": "dos"})

	require.Eventually(t, func() bool { return title(t, e, "r2") == "dos" }, wait, tick)

	after, err := e.GetTableRecords(ctx, "T")
	require.NoError(t, err)
	require.Len(t, after, 3)
	byID := make(map[string]*models.Record)
	for _, r := range before {
		byID[r.ID] = r
	}
	for _, r := range after {
		if r.ID == "r2" {
			continue
		}
		assert.Equal(t, byID[r.ID].Fields, r.Fields, r.ID)
	}

	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.StateOnline, st.State)
	assert.True(t, st.RealtimeConnected)
	assert.False(t, st.PollActive)
	require.Len(t, st.Tables, 1)
	assert.Equal(t, models.TableHydrated, st.Tables[0].Health)
	assert.Equal(t, models.TierBulk, st.Tables[0].Tier)
	assert.Equal(t, 3, st.Tables[0].Records)
}

func TestEngine_PublishesStateChanges(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	e, err := engine.New(repotest.NewDB(t), options(fake, false))
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Terminate(context.Background()) })

	var mu sync.Mutex
	var states []models.SyncState
	e.Subscribe(func(ev notify.Event) error {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.State)
		return nil
	}, notify.KindStateChanged)

	require.NoError(t, e.Start(context.Background(), []byte("secret")))
	require.NoError(t, e.Terminate(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []models.SyncState{
		models.StateHydrating,
		models.StateOnline,
		models.StateTerminated,
	}, states)
}

func TestEngine_StartsOfflineAndCatchesUp(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.SetOffline(true)
	e := start(t, options(fake, true))
	ctx := context.Background()

	require.Equal(t, models.StateOffline, e.State())
	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Tables)

	rec, err := e.EnqueueLocalWrite(ctx, models.LocalWrite{
		TableID:  "T",
		RecordID: "x",
		Op:       models.OpInsert,
		Fields:   map[string]any{"title": "offline"},
	})
	require.NoError(t, err)
	assert.Equal(t, "offline", rec.Fields["title"])
	assert.Equal(t, "offline", title(t, e, "x"))

	fake.SetOffline(false)
	require.Eventually(t, func() bool { return e.State() == models.StateOnline }, wait, tick)

	got, ok := fake.Record("T", "x")
	require.True(t, ok)
	assert.Equal(t, "offline", got.Fields["title"])

	recs, err := e.GetTableRecords(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, recs, 4)

	st, err = e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.PendingWrites)
}

func TestEngine_GoesOfflineAndBack(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	e := start(t, options(fake, true))
	ctx := context.Background()
	require.Equal(t, models.StateOnline, e.State())

	fake.SetOffline(true)
	require.Eventually(t, func() bool { return e.State() == models.StateOffline }, wait, tick)

	_, err := e.EnqueueLocalWrite(ctx, models.LocalWrite{
		TableID:  "T",
		RecordID: "r1",
		Op:       models.OpAlter,
		Fields:   map[string]any{"title": "uno"},
	})
	require.NoError(t, err)
	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PendingWrites)
	assert.False(t, st.RealtimeConnected)

	fake.SetOffline(false)
	require.Eventually(t, func() bool { return e.State() == models.StateOnline }, wait, tick)
	require.Eventually(t, func() bool {
		rec, ok := fake.Record("T", "r1")
		return ok && rec.Fields["title"] == "uno"
	}, wait, tick)
	assert.Equal(t, "uno", title(t, e, "r1"))
}

func TestEngine_LocalWriteWhileOnlineIsFlushed(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	e := start(t, options(fake, true))
	ctx := context.Background()

	_, err := e.EnqueueLocalWrite(ctx, models.LocalWrite{
		TableID:  "T",
		RecordID: "r3",
		Op:       models.OpNullify,
		Nullify:  []string{"title"},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := fake.Record("T", "r3")
		_, has := rec.Fields["title"]
		return ok && !has
	}, wait, tick)
	require.Eventually(t, func() bool {
		n, err := e.Pending(ctx)
		return err == nil && len(n) == 0
	}, wait, tick)

	hist, err := e.History(ctx, "T", "r3")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.PendingStatusFlushed, hist[0].Status)
}

func TestEngine_AuthFailureNeedsNewCredentials(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	e := start(t, options(fake, true))
	ctx := context.Background()

	fake.FailAlways(clienttest.OpPing, client.ErrUnauthorized)
	require.Eventually(t, func() bool { return e.State() == models.StateOffline }, wait, tick)

	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.AuthRequired)

	fake.FailAlways(clienttest.OpPing, nil)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, models.StateOffline, e.State())

	e.SetCredentials("renewed")
	require.Eventually(t, func() bool { return e.State() == models.StateOnline }, wait, tick)
	st, err = e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.AuthRequired)
}

func TestEngine_ExpiredTokenBlocksStartUntilRenewed(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)

	token := func(exp time.Time) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		}).SignedString([]byte("test-signing-key"))
		require.NoError(t, err)
		return s
	}

	opts := options(fake, false)
	opts.Credentials = client.NewCredentials(token(time.Now().Add(-time.Hour)))
	e := start(t, opts)

	require.Equal(t, models.StateOffline, e.State())
	assert.Zero(t, fake.Calls(clienttest.OpPing))
	assert.Zero(t, fake.Calls(clienttest.OpListTables))

	e.SetCredentials(token(time.Now().Add(time.Hour)))
	require.Eventually(t, func() bool { return e.State() == models.StateOnline }, wait, tick)

	recs, err := e.GetTableRecords(context.Background(), "T")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestEngine_ManualSyncWithoutRealtime(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	opts := options(fake, false)
	opts.OnlineCheckInterval = time.Hour
	e := start(t, opts)
	ctx := context.Background()

	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.PollActive)
	assert.False(t, st.RealtimeConnected)

	fake.Alter("T", "r1", map[string]any{"title": "uno"})
	fake.Delete("T", "r3")
	require.NoError(t, e.TriggerManualSync(ctx))

	assert.Equal(t, "uno", title(t, e, "r1"))
	recs, err := e.GetTableRecords(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEngine_PartialHydrationRetry(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	fake.AddTable(models.Table{ID: "U", Name: "Users"})
	fake.Insert("U", "u1", map[string]any{"name": "ann"})

	fake.FailAlways(clienttest.OpBulkExport, client.ErrUnavailable)
	fake.FailNext(clienttest.OpFetchTable, &client.HTTPError{StatusCode: 500})
	fake.FailAlways(clienttest.OpReadEvents, client.ErrUnavailable)

	opts := options(fake, false)
	opts.OnlineCheckInterval = time.Hour
	opts.Parallelism = 1
	e := start(t, opts)
	ctx := context.Background()

	res := e.Hydration()
	require.NotNil(t, res)
	require.Len(t, res.FailedTables(), 1)
	assert.False(t, res.Ready())

	st, err := e.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Degraded)

	e.AcceptDegraded()
	assert.True(t, res.Ready())

	require.NoError(t, e.RetryHydration(ctx))
	assert.Empty(t, res.FailedTables())

	st, err = e.SyncStatus(ctx)
	require.NoError(t, err)
	for _, ts := range st.Tables {
		assert.Equal(t, models.TableHydrated, ts.Health, ts.TableID)
	}
}

func TestEngine_NotStarted(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	e, err := engine.New(repotest.NewDB(t), options(fake, false))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.GetRecord(ctx, "T", "r1")
	require.ErrorIs(t, err, common.ErrLocked)
	_, err = e.EnqueueLocalWrite(ctx, models.LocalWrite{TableID: "T", RecordID: "r1", Op: models.OpDelete})
	require.ErrorIs(t, err, common.ErrLocked)

	require.NoError(t, e.Terminate(ctx))
	require.NoError(t, e.Terminate(ctx))
	assert.Equal(t, models.StateTerminated, e.State())

	_, err = e.GetRecord(ctx, "T", "r1")
	require.ErrorIs(t, err, common.ErrClosed)
	require.ErrorIs(t, e.Start(ctx, []byte("secret")), common.ErrInvalidTransition)
}

func TestEngine_NewRequiresRemote(t *testing.T) {
	_, err := engine.New(repotest.NewDB(t), engine.Options{})
	require.Error(t, err)
}

func TestEngine_KeyMismatchKeepsData(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	path := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()

	open := func() *engine.Engine {
		db, err := client.OpenDatabase(ctx, path)
		require.NoError(t, err)
		opts := options(fake, false)
		opts.OnlineCheckInterval = time.Hour
		e, err := engine.New(db, opts)
		require.NoError(t, err)
		return e
	}

	e := open()
	require.NoError(t, e.Start(ctx, []byte("secret")))
	require.NoError(t, e.Terminate(ctx))

	e = open()
	err := e.Start(ctx, []byte("wrong"))
	require.ErrorIs(t, err, common.ErrKeyMismatch)
	assert.Equal(t, models.StateUninitialized, e.State())
	require.NoError(t, e.Terminate(ctx))

	e = open()
	require.NoError(t, e.Start(ctx, []byte("secret")))
	defer e.Terminate(ctx)
	recs, err := e.GetTableRecords(ctx, "T")
	require.NoError(t, err)
	assert.Len(t, recs, 3)
	assert.Nil(t, e.Hydration())
}

func TestEngine_TerminateSealsDeferredRows(t *testing.T) {
	fake := clienttest.NewFakeRemote()
	seed(fake)
	path := filepath.Join(t.TempDir(), "sync.db")
	ctx := context.Background()

	db, err := client.OpenDatabase(ctx, path)
	require.NoError(t, err)
	opts := options(fake, false)
	opts.OnlineCheckInterval = time.Hour
	opts.Deferred = true
	e, err := engine.New(db, opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(ctx, []byte("secret")))

	plain, err := records.NewSQLiteRepository(db).ListPlaintext(ctx)
	require.NoError(t, err)
	assert.Len(t, plain, 3)

	require.NoError(t, e.Terminate(ctx))
	require.NoError(t, e.Terminate(ctx))

	db, err = client.OpenDatabase(ctx, path)
	require.NoError(t, err)
	defer db.Close()
	plain, err = records.NewSQLiteRepository(db).ListPlaintext(ctx)
	require.NoError(t, err)
	assert.Empty(t, plain)
}

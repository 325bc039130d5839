package cli

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/dmitrijs2005/gophsync/internal/client/client/clienttest"
	"github.com/dmitrijs2005/gophsync/internal/client/keys"
	"github.com/dmitrijs2005/gophsync/internal/client/models"
	"github.com/dmitrijs2005/gophsync/internal/client/store"
	"github.com/dmitrijs2005/gophsync/internal/common"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is written by engine goroutines while the test reads it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var testKDF = cryptox.KDFParams{Time: 1, MemoryKiB: 64, Threads: 4}

func seededServer(t *testing.T) *clienttest.Server {
	t.Helper()
	fake := clienttest.NewFakeRemote()
	fake.AddTable(models.Table{ID: "T", Name: "Tasks"})
	fake.Insert("T", "r1", map[string]any{"title": "one"})
	fake.Insert("T", "r2", map[string]any{"title": "two"})
	srv := clienttest.NewServer(fake, "")
	t.Cleanup(srv.Close)
	return srv
}

// baseArgs points a command at dbPath and srv with cheap key derivation.
func baseArgs(dbPath string, srv *clienttest.Server, extra ...string) []string {
	args := []string{
		"--db", dbPath,
		"--identity", "alice",
		"--kdf-memory", "64",
		"--log-level", "error",
		"--stream", "none",
	}
	if srv != nil {
		args = append(args, "--server", srv.URL)
	}
	return append(args, extra...)
}

func execute(t *testing.T, ctx context.Context, env map[string]string, stdin string, args ...string) (string, error) {
	t.Helper()
	out := &syncBuffer{}
	cmd := NewRootCommand(&RootOptions{
		In:  strings.NewReader(stdin),
		Out: out,
		Err: &bytes.Buffer{},
		Env: envOf(env),
	})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// unlock opens dbPath and tries secret against its key marker.
func unlock(t *testing.T, dbPath, secret string) error {
	t.Helper()
	ctx := context.Background()
	db, err := client.OpenDatabase(ctx, dbPath)
	require.NoError(t, err)
	st := store.New(db, store.Options{})
	defer st.Close()
	return keys.New(st, keys.Options{KDF: testKDF}).Unlock(ctx, []byte(secret), "alice")
}

func TestShellCommand_EndToEnd(t *testing.T) {
	out := captureOutput(t)
	srv := seededServer(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")

	script := strings.Join([]string{
		"list T",
		"write T r9 title=nine n=2",
		"sync",
		"pending",
		"get r9",
		"exit",
	}, "\n")
	args := append([]string{"shell"}, baseArgs(dbPath, srv)...)
	_, err := execute(t, context.Background(), map[string]string{EnvSecret: "pw"}, script, args...)
	require.NoError(t, err)

	got := out.String()
	assert.Contains(t, got, "sync (SYNCING_ONLINE)> ")
	assert.Contains(t, got, "T/r1")
	assert.Contains(t, got, "T/r2")
	assert.Contains(t, got, "Synced.")
	assert.Contains(t, got, "No pending writes.")
	assert.Contains(t, got, "  title = \"nine\"")

	rec, ok := srv.Remote.Record("T", "r9")
	require.True(t, ok)
	assert.Equal(t, "nine", rec.Fields["title"])
	assert.Equal(t, float64(2), rec.Fields["n"])

	// the replica survives and the status command reads it without a secret
	status, err := execute(t, context.Background(), nil, "", "status", "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, status, "state:     SYNCING_OFFLINE")
	assert.Contains(t, status, "pending:   0")
	assert.Regexp(t, `T\s+hydrated\s+-\s+3\s`, status)
}

func TestShellCommand_WrongSecret(t *testing.T) {
	captureOutput(t)
	srv := seededServer(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")
	args := append([]string{"shell"}, baseArgs(dbPath, srv)...)

	_, err := execute(t, context.Background(), map[string]string{EnvSecret: "pw"}, "exit\n", args...)
	require.NoError(t, err)

	_, err = execute(t, context.Background(), map[string]string{EnvSecret: "other"}, "exit\n", args...)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrKeyMismatch))
	assert.Contains(t, err.Error(), "syncctl wipe")
}

func TestRunCommand_UntilCanceled(t *testing.T) {
	srv := seededServer(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &syncBuffer{}
	cmd := NewRootCommand(&RootOptions{
		Out: out,
		Err: &bytes.Buffer{},
		Env: envOf(map[string]string{EnvSecret: "pw"}),
	})
	cmd.SetArgs(append([]string{"run"}, baseArgs(dbPath, srv)...))

	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "HYDRATING -> SYNCING_ONLINE")
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop")
	}
	assert.Contains(t, out.String(), "UNINITIALIZED -> HYDRATING")
	assert.Contains(t, out.String(), "SYNCING_ONLINE -> TERMINATED")
}

func TestRotateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "local.db")
	require.NoError(t, unlock(t, dbPath, "old"))

	out, err := execute(t, context.Background(),
		map[string]string{EnvSecret: "old", EnvNewSecret: "new"}, "",
		append([]string{"rotate"}, baseArgs(dbPath, nil)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Local data re-encrypted.")

	require.NoError(t, unlock(t, dbPath, "new"))
	assert.ErrorIs(t, unlock(t, dbPath, "old"), common.ErrKeyMismatch)

	_, err = execute(t, context.Background(),
		map[string]string{EnvSecret: "old", EnvNewSecret: "newer"}, "",
		append([]string{"rotate"}, baseArgs(dbPath, nil)...)...)
	assert.ErrorIs(t, err, common.ErrKeyMismatch)
}

func TestRotateCommand_PromptedSecretsMustMatch(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "local.db")
	require.NoError(t, unlock(t, dbPath, "old"))

	answers := []string{"new", "typo"}
	orig := readPassword
	readPassword = func(int) ([]byte, error) {
		a := answers[0]
		answers = answers[1:]
		return []byte(a), nil
	}
	t.Cleanup(func() { readPassword = orig })

	_, err := execute(t, context.Background(), map[string]string{EnvSecret: "old"}, "",
		append([]string{"rotate"}, baseArgs(dbPath, nil)...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secrets do not match")
	require.NoError(t, unlock(t, dbPath, "old"))
}

func TestWipeCommand(t *testing.T) {
	srv := seededServer(t)
	dbPath := filepath.Join(t.TempDir(), "local.db")
	require.NoError(t, unlock(t, dbPath, "lost"))
	args := append([]string{"wipe"}, baseArgs(dbPath, srv)...)
	env := map[string]string{EnvSecret: "fresh"}

	_, err := execute(t, context.Background(), env, "no\n", args...)
	require.EqualError(t, err, "wipe aborted")
	require.NoError(t, unlock(t, dbPath, "lost"))

	out, err := execute(t, context.Background(), env, "wipe\n", args...)
	require.NoError(t, err)
	assert.Contains(t, out, "Local data wiped.")
	assert.Contains(t, out, "state:     SYNCING_ONLINE")
	assert.Regexp(t, `T\s+hydrated\s+bulk\s+2\s`, out)

	require.NoError(t, unlock(t, dbPath, "fresh"))
}

func TestWipeCommand_NoHydrate(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "local.db")
	require.NoError(t, unlock(t, dbPath, "lost"))

	out, err := execute(t, context.Background(), map[string]string{EnvSecret: "fresh"}, "",
		append([]string{"wipe", "--yes", "--no-hydrate"}, baseArgs(dbPath, nil)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Local data wiped.")
	assert.NotContains(t, out, "state:")
	require.NoError(t, unlock(t, dbPath, "fresh"))
}

// Package repotest provides a migrated in-memory database for repository and
// store tests.
package repotest

import (
	"context"
	"database/sql"
	"testing"

	"github.com/dmitrijs2005/gophsync/internal/client/client"
	"github.com/stretchr/testify/require"
)

// NewDB opens an in-memory SQLite database with the full schema applied.
func NewDB(t testing.TB) *sql.DB {
	t.Helper()
	db, err := client.OpenDatabase(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// Package dbtest opens a migrated sqlite database for repository and manager tests.
package dbtest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sweemingdow/sdchat/external/econfig"
	"github.com/sweemingdow/sdchat/micros/chatsrv/internal/repostories/dbutil"
)

func NewSqlite(t testing.TB) *dbutil.SqlClient {
	t.Helper()

	ctx := context.Background()
	sc, err := dbutil.NewSqlClient(ctx, econfig.SqlConfig{
		Schema:   econfig.SchemaSqlite,
		Database: filepath.Join(t.TempDir(), "sdchat.db"),
	})
	require.NoError(t, err)
	require.NoError(t, sc.Migrate(ctx))

	t.Cleanup(func() {
		_ = sc.GracefulStop(ctx)
	})

	return sc
}

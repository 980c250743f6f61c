//go:build integration

package cursor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgtesting "atview.dev/containers/testing"
	"atview.dev/pgstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	connStr, cleanup, err := pgtesting.SetupPostgres(ctx, t, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	db, err := pgstore.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(db.Close)

	store, err := Open(ctx, db, filepath.Join(t.TempDir(), "cursor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

func TestSetThenGetRoundTrips(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, store.Set(ctx, "firehose", "12345", now))

	c, ok, err := store.Get(ctx, "firehose")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "12345", c.Value)
}

func TestWritesCoalesceWithinInterval(t *testing.T) {
	store := newTestStore(t)
	store.coalesce = time.Hour
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, store.Set(ctx, "firehose", "1", now))
	require.NoError(t, store.Set(ctx, "firehose", "2", now.Add(time.Second)))

	require.NoError(t, store.Flush(ctx))

	c, ok, err := store.Get(ctx, "firehose")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", c.Value)
}

func TestLocalCacheServesReadsWithoutPostgres(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "firehose", "99", time.Now()))

	c, found := store.getLocal("firehose")
	assert.True(t, found)
	assert.Equal(t, "99", c.Value)
}

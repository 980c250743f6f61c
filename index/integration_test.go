//go:build integration

package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctesting "atview.dev/containers/testing"
	"atview.dev/index"
	"atview.dev/pgstore"
	"atview.dev/search"
)

func TestStoreAndSearchAgainstRealPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	dsn, cleanup, err := ctesting.SetupPostgres(ctx, t, nil)
	require.NoError(t, err)
	defer cleanup()

	require.NoError(t, index.Migrate(ctx, dsn))

	pg, err := pgstore.New(ctx, dsn)
	require.NoError(t, err)
	defer pg.Close()

	store, err := index.Open(pg, dsn)
	require.NoError(t, err)
	defer store.Close()

	record := map[string]interface{}{
		"text":      "hello from the firehose",
		"createdAt": "2024-01-15T10:30:00Z",
	}
	require.NoError(t, store.UpsertPost(ctx, "at://did:plc:a/app.bsky.feed.post/1", "did:plc:a", record))

	got, ok, err := store.GetPost(ctx, "at://did:plc:a/app.bsky.feed.post/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "did:plc:a", got.AuthorDID)

	require.NoError(t, store.UpsertGeneric(ctx, "app.bsky.actor.profile", "at://did:plc:a/app.bsky.actor.profile/self", "did:plc:a", map[string]interface{}{
		"displayName": "Ada",
		"description": "firehose enjoyer",
	}))

	s := search.New(pg)
	posts, err := s.SearchPosts(ctx, "firehose", nil, 10)
	require.NoError(t, err)
	require.NotEmpty(t, posts)
	require.Equal(t, "at://did:plc:a/app.bsky.feed.post/1", posts[0].URI)
}
